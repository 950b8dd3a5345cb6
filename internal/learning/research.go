package learning

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"kilo/internal/kerr"
	"kilo/internal/llm"
	"kilo/internal/persistence"
)

const (
	maxPagesToFetch  = 5
	fetchConcurrency = 3
	analyzeTextCap   = 30_000
	maxCodeBlocks    = 10
	maxProposedSkills = 5
)

// Stage names carried on web_research errors and progress entries.
const (
	StageSearch  = "search"
	StageFetch   = "fetch"
	StageAnalyze = "analyze"
	StagePropose = "propose_skills"
)

// ProgressEntry records one pipeline stage's outcome for display.
type ProgressEntry struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
}

// APIInfo is the validated result of documentation analysis.
type APIInfo struct {
	BaseURL          string                 `json:"baseUrl"`
	AuthType         persistence.AuthKind   `json:"authType"`
	AuthInstructions string                 `json:"authInstructions"`
	Endpoints        []persistence.Endpoint `json:"endpoints"`
	RateLimits       string                 `json:"rateLimits,omitempty"`
	Confidence       float64                `json:"confidence"`
}

// Outcome bundles everything the flow produced.
type Outcome struct {
	ServiceName string                        `json:"serviceName"`
	Slug        string                        `json:"slug"`
	API         APIInfo                       `json:"api"`
	Skills      []persistence.SkillDefinition `json:"skills"`
	Progress    []ProgressEntry               `json:"progress"`
}

// Flow is the search → fetch → analyze → propose pipeline.
type Flow struct {
	searcher Searcher
	fetcher  PageFetcher
	gateway  llm.Gateway
}

func NewFlow(searcher Searcher, fetcher PageFetcher, gateway llm.Gateway) *Flow {
	return &Flow{searcher: searcher, fetcher: fetcher, gateway: gateway}
}

// Run executes the whole pipeline. Any stage failure is a web_research
// error annotated with the failing stage.
func (f *Flow) Run(ctx context.Context, serviceName, query string) (*Outcome, error) {
	out := &Outcome{ServiceName: serviceName, Slug: Slug(serviceName)}
	progress := func(stage, format string, args ...any) {
		out.Progress = append(out.Progress, ProgressEntry{Stage: stage, Detail: fmt.Sprintf(format, args...)})
	}

	results, err := f.searcher.Search(ctx, query)
	if err != nil {
		return nil, kerr.WebResearch(StageSearch, err)
	}
	if len(results) == 0 {
		return nil, kerr.WebResearch(StageSearch, fmt.Errorf("no search results for %q", query))
	}
	progress(StageSearch, "found %d results for %q", len(results), query)

	pages, err := f.fetchTop(ctx, results)
	if err != nil {
		return nil, kerr.WebResearch(StageFetch, err)
	}
	progress(StageFetch, "fetched %d documentation pages", len(pages))

	api, err := f.analyze(ctx, serviceName, pages)
	if err != nil {
		return nil, kerr.WebResearch(StageAnalyze, err)
	}
	out.API = *api
	progress(StageAnalyze, "extracted %d endpoints from %s", len(api.Endpoints), api.BaseURL)

	skills, err := f.proposeSkills(ctx, serviceName, out.Slug, api)
	if err != nil {
		return nil, kerr.WebResearch(StagePropose, err)
	}
	out.Skills = skills
	progress(StagePropose, "proposed %d skills", len(skills))
	return out, nil
}

// fetchTop fetches the best-scored results with bounded concurrency,
// API-doc-looking pages first.
func (f *Flow) fetchTop(ctx context.Context, results []SearchResult) ([]*Page, error) {
	sorted := make([]SearchResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].APIDocScore > sorted[j].APIDocScore
	})
	if len(sorted) > maxPagesToFetch {
		sorted = sorted[:maxPagesToFetch]
	}

	var mu sync.Mutex
	pages := make([]*Page, 0, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, r := range sorted {
		r := r
		g.Go(func() error {
			page, err := f.fetcher.Fetch(gctx, r.URL)
			if err != nil {
				// One unreachable page must not sink the pipeline.
				log.Debug().Err(err).Str("url", r.URL).Msg("learning_fetch_page_failed")
				return nil
			}
			if page.Title == "" {
				page.Title = r.Title
			}
			mu.Lock()
			pages = append(pages, page)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no documentation pages could be fetched")
	}
	return pages, nil
}

// outputAPIInfoTool is the strict schema the analyze stage forces the model
// through.
func outputAPIInfoTool() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "output_api_info",
		Description: "Report the API details extracted from the documentation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"baseUrl":          map[string]any{"type": "string"},
				"authType":         map[string]any{"type": "string", "enum": []string{"api_key", "bearer", "oauth2", "custom_header"}},
				"authInstructions": map[string]any{"type": "string"},
				"endpoints": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":        map[string]any{"type": "string"},
							"method":      map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
							"parameters":  map[string]any{"type": "object"},
						},
						"required": []string{"path", "method"},
					},
				},
				"rateLimits": map[string]any{"type": "string"},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			"required": []string{"baseUrl", "authType", "endpoints", "confidence"},
		},
	}
}

func (f *Flow) analyze(ctx context.Context, serviceName string, pages []*Page) (*APIInfo, error) {
	var doc strings.Builder
	for _, p := range pages {
		if doc.Len() >= analyzeTextCap {
			break
		}
		fmt.Fprintf(&doc, "## %s\n%s\n\n", p.Title, p.Text)
	}
	text := doc.String()
	if len(text) > analyzeTextCap {
		text = text[:analyzeTextCap]
	}

	var code strings.Builder
	count := 0
	for _, p := range pages {
		for _, block := range p.CodeBlocks {
			if count >= maxCodeBlocks {
				break
			}
			fmt.Fprintf(&code, "```\n%s\n```\n", block)
			count++
		}
	}

	system := "You extract API integration details from documentation. " +
		"Report only what the documentation supports; never invent endpoints."
	userMsg := fmt.Sprintf("Service: %s\n\nDocumentation:\n%s\n\nCode samples:\n%s\n\n"+
		"Call output_api_info with the base URL, auth scheme, and the endpoints an assistant could call.",
		serviceName, text, code.String())

	resp, err := f.gateway.Complete(ctx, llm.TaskDocExtraction, llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: userMsg}},
		Tools:     []llm.ToolSchema{outputAPIInfoTool()},
		ForceTool: "output_api_info",
	})
	if err != nil {
		return nil, err
	}
	call := findToolCall(resp, "output_api_info")
	if call == nil {
		return nil, fmt.Errorf("model returned no output_api_info call")
	}
	return validateAPIInfo(call.Input)
}

// validateAPIInfo normalizes and rejects the model's extraction output.
func validateAPIInfo(input map[string]any) (*APIInfo, error) {
	info := &APIInfo{}
	info.BaseURL = strings.TrimSuffix(strings.TrimSpace(str(input["baseUrl"])), "/")
	if info.BaseURL == "" {
		return nil, fmt.Errorf("analysis produced no base url")
	}
	switch persistence.AuthKind(str(input["authType"])) {
	case persistence.AuthAPIKey, persistence.AuthBearer, persistence.AuthOAuth2, persistence.AuthCustomHeader:
		info.AuthType = persistence.AuthKind(str(input["authType"]))
	default:
		info.AuthType = persistence.AuthBearer
	}
	info.AuthInstructions = strings.TrimSpace(str(input["authInstructions"]))
	info.RateLimits = strings.TrimSpace(str(input["rateLimits"]))

	if c, ok := input["confidence"].(float64); ok {
		info.Confidence = c
	}
	if info.Confidence < 0 {
		info.Confidence = 0
	}
	if info.Confidence > 1 {
		info.Confidence = 1
	}

	rawEndpoints, _ := input["endpoints"].([]any)
	for _, raw := range rawEndpoints {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ep := persistence.Endpoint{
			Path:        strings.TrimSpace(str(obj["path"])),
			Method:      strings.ToUpper(strings.TrimSpace(str(obj["method"]))),
			Description: strings.TrimSpace(str(obj["description"])),
		}
		if params, ok := obj["parameters"].(map[string]any); ok {
			ep.Parameters = params
		}
		if ep.Path == "" || ep.Method == "" {
			continue
		}
		info.Endpoints = append(info.Endpoints, ep)
	}
	if len(info.Endpoints) == 0 {
		return nil, fmt.Errorf("analysis produced no endpoints")
	}
	return info, nil
}

func outputSkillsTool() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "output_skills",
		Description: "Propose skills that use the researched API.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skills": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":            map[string]any{"type": "string"},
							"description":     map[string]any{"type": "string"},
							"triggerPatterns": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"behaviorPrompt":  map[string]any{"type": "string"},
							"outputFormat":    map[string]any{"type": "string", "enum": []string{"text", "structured_card", "notification", "action"}},
						},
						"required": []string{"name", "description", "triggerPatterns", "behaviorPrompt"},
					},
				},
			},
			"required": []string{"skills"},
		},
	}
}

func (f *Flow) proposeSkills(ctx context.Context, serviceName, slug string, api *APIInfo) ([]persistence.SkillDefinition, error) {
	var catalog strings.Builder
	for _, ep := range api.Endpoints {
		fmt.Fprintf(&catalog, "- %s %s: %s\n", ep.Method, ep.Path, ep.Description)
	}
	userMsg := fmt.Sprintf("The %s API is now available (base URL %s). Endpoints:\n%s\n"+
		"Call output_skills with 1-5 useful assistant skills built on these endpoints. "+
		"Each needs at least two natural trigger phrases.",
		serviceName, api.BaseURL, catalog.String())

	resp, err := f.gateway.Complete(ctx, llm.TaskSkillGeneration, llm.Request{
		System:    "You design assistant skills on top of external APIs.",
		Messages:  []llm.Message{{Role: "user", Content: userMsg}},
		Tools:     []llm.ToolSchema{outputSkillsTool()},
		ForceTool: "output_skills",
	})
	if err != nil {
		return nil, err
	}
	call := findToolCall(resp, "output_skills")
	if call == nil {
		return nil, fmt.Errorf("model returned no output_skills call")
	}

	rawSkills, _ := call.Input["skills"].([]any)
	var out []persistence.SkillDefinition
	for _, raw := range rawSkills {
		if len(out) >= maxProposedSkills {
			break
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		def := persistence.SkillDefinition{
			Name:                 strings.TrimSpace(str(obj["name"])),
			Description:          strings.TrimSpace(str(obj["description"])),
			BehaviorPrompt:       strings.TrimSpace(str(obj["behaviorPrompt"])),
			OutputFormat:         persistence.OutputFormat(str(obj["outputFormat"])),
			RequiredIntegrations: []string{slug},
			CreatedBy:            persistence.CreatedByProposal,
		}
		if !persistence.ValidOutputFormat(def.OutputFormat) {
			def.OutputFormat = persistence.OutputText
		}
		if patterns, ok := obj["triggerPatterns"].([]any); ok {
			for _, p := range patterns {
				if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
					def.TriggerPatterns = append(def.TriggerPatterns, strings.TrimSpace(s))
				}
			}
		}
		if def.Name == "" || def.BehaviorPrompt == "" || len(def.TriggerPatterns) == 0 {
			continue
		}
		out = append(out, def)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model proposed no usable skills")
	}
	return out, nil
}

func findToolCall(resp *llm.Response, name string) *llm.ToolCall {
	if resp == nil {
		return nil
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Name == name {
			return &resp.ToolCalls[i]
		}
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases the service name into an identifier joined by
// underscores.
func Slug(serviceName string) string {
	parts := nonAlnum.Split(strings.ToLower(serviceName), -1)
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "service"
	}
	return strings.Join(kept, "_")
}
