package learning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kilo/internal/kerr"
	"kilo/internal/llm"
	"kilo/internal/persistence"
)

type fakeSearcher struct {
	results []SearchResult
	err     error
}

func (f *fakeSearcher) Search(context.Context, string) ([]SearchResult, error) {
	return f.results, f.err
}

type fakeFetcher struct {
	pages map[string]*Page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*Page, error) {
	page, ok := f.pages[url]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return page, nil
}

// scriptedGateway returns a canned tool call per forced tool name.
type scriptedGateway struct {
	calls     []llm.Request
	responses map[string]*llm.Response
	err       error
}

func (g *scriptedGateway) Complete(_ context.Context, _ llm.TaskType, req llm.Request) (*llm.Response, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	resp, ok := g.responses[req.ForceTool]
	if !ok {
		return &llm.Response{Content: "no tool"}, nil
	}
	return resp, nil
}

func canvaGateway() *scriptedGateway {
	return &scriptedGateway{responses: map[string]*llm.Response{
		"output_api_info": {ToolCalls: []llm.ToolCall{{Name: "output_api_info", Input: map[string]any{
			"baseUrl":          "https://api.canva.com/v1/",
			"authType":         "oauth2",
			"authInstructions": "Create an OAuth app in the developer portal.",
			"confidence":       1.4,
			"endpoints": []any{
				map[string]any{"path": "/designs", "method": "get", "description": "List designs"},
				map[string]any{"path": "/designs", "method": "post", "description": "Create a design"},
			},
		}}}},
		"output_skills": {ToolCalls: []llm.ToolCall{{Name: "output_skills", Input: map[string]any{
			"skills": []any{
				map[string]any{
					"name":            "Design Lister",
					"description":     "Lists recent designs",
					"behaviorPrompt":  "Fetch and summarize the user's recent designs.",
					"triggerPatterns": []any{"show my designs", "list canva designs"},
				},
				map[string]any{
					"name": "Broken", "description": "no prompt", "triggerPatterns": []any{"x"},
				},
			},
		}}}},
	}}
}

func TestFlowRunHappyPath(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{results: []SearchResult{
		{Title: "Canva homepage", URL: "https://canva.com"},
		{Title: "Canva API docs", URL: "https://docs.canva.com/api", APIDocScore: 3},
	}}
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://docs.canva.com/api": {Title: "Canva API", Text: "REST endpoints for designs.", CodeBlocks: []string{"GET /designs"}},
		"https://canva.com":          {Title: "Canva", Text: "Design anything."},
	}}
	gateway := canvaGateway()

	out, err := NewFlow(searcher, fetcher, gateway).Run(context.Background(), "Canva", "Canva API")
	require.NoError(t, err)

	assert.Equal(t, "canva", out.Slug)
	assert.Equal(t, "https://api.canva.com/v1", out.API.BaseURL)
	assert.Equal(t, persistence.AuthOAuth2, out.API.AuthType)
	assert.Equal(t, 1.0, out.API.Confidence)
	require.Len(t, out.API.Endpoints, 2)
	assert.Equal(t, "GET", out.API.Endpoints[0].Method)

	require.Len(t, out.Skills, 1)
	skill := out.Skills[0]
	assert.Equal(t, "Design Lister", skill.Name)
	assert.Equal(t, []string{"canva"}, skill.RequiredIntegrations)
	assert.Equal(t, persistence.OutputText, skill.OutputFormat)
	assert.Equal(t, persistence.CreatedByProposal, skill.CreatedBy)

	assert.Len(t, out.Progress, 4)
	assert.Equal(t, StageSearch, out.Progress[0].Stage)
	assert.Equal(t, StagePropose, out.Progress[3].Stage)
}

func TestFlowSearchFailureAnnotatesStage(t *testing.T) {
	t.Parallel()
	flow := NewFlow(&fakeSearcher{err: errors.New("search down")}, &fakeFetcher{}, canvaGateway())
	_, err := flow.Run(context.Background(), "Canva", "Canva API")
	ke, ok := kerr.As(err)
	require.True(t, ok)
	assert.Equal(t, kerr.CodeWebResearch, ke.Code)
	assert.Equal(t, StageSearch, ke.Fields["stage"])
}

func TestFlowFetchFailureWhenNoPageReachable(t *testing.T) {
	t.Parallel()
	searcher := &fakeSearcher{results: []SearchResult{{URL: "https://gone.example.com"}}}
	flow := NewFlow(searcher, &fakeFetcher{}, canvaGateway())
	_, err := flow.Run(context.Background(), "Canva", "Canva API")
	ke, ok := kerr.As(err)
	require.True(t, ok)
	assert.Equal(t, StageFetch, ke.Fields["stage"])
}

func TestValidateAPIInfoRejections(t *testing.T) {
	t.Parallel()

	_, err := validateAPIInfo(map[string]any{"baseUrl": "", "endpoints": []any{}})
	assert.ErrorContains(t, err, "base url")

	_, err = validateAPIInfo(map[string]any{"baseUrl": "https://x.example.com", "endpoints": []any{}})
	assert.ErrorContains(t, err, "no endpoints")

	info, err := validateAPIInfo(map[string]any{
		"baseUrl":  "https://x.example.com",
		"authType": "magic-beans",
		"endpoints": []any{
			map[string]any{"path": "/a", "method": "post"},
		},
		"confidence": -3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, persistence.AuthBearer, info.AuthType)
	assert.Equal(t, 0.0, info.Confidence)
	assert.Equal(t, "POST", info.Endpoints[0].Method)
}

func TestScoreAPIDoc(t *testing.T) {
	t.Parallel()
	docish := ScoreAPIDoc(SearchResult{URL: "https://docs.stripe.com/api", Title: "API Reference"})
	plain := ScoreAPIDoc(SearchResult{URL: "https://stripe.com", Title: "Payments"})
	assert.Greater(t, docish, plain)
}

func TestExtractPageStripsChromeAndKeepsCode(t *testing.T) {
	t.Parallel()
	html := `<html><head><title>WorldTime API</title><style>.x{}</style></head><body>
<nav>Home | Docs</nav>
<header>Banner</header>
<p>Use the REST endpoint to fetch the time.</p>
<pre>GET /api/timezone/Asia/Tokyo</pre>
<code>` + strings.Repeat("x", 100) + `</code>
<code>tiny</code>
<script>alert("no")</script>
<footer>Copyright</footer>
</body></html>`

	page, err := ExtractPage(strings.NewReader(html))
	require.NoError(t, err)
	assert.Equal(t, "WorldTime API", page.Title)
	assert.Contains(t, page.Text, "Use the REST endpoint")
	assert.NotContains(t, page.Text, "alert")
	assert.NotContains(t, page.Text, "Home | Docs")
	assert.NotContains(t, page.Text, "Banner")
	assert.NotContains(t, page.Text, "Copyright")
	require.Len(t, page.CodeBlocks, 2)
	assert.Equal(t, "GET /api/timezone/Asia/Tokyo", page.CodeBlocks[0])
	assert.NotContains(t, page.Text, "tiny\n"+strings.Repeat("x", 100))
}
