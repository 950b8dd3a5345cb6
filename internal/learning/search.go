package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kilo/internal/config"
)

const searchTimeout = 8 * time.Second

// SearchResult is one web search hit, scored for likelihood of being API
// documentation.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	APIDocScore int    `json:"apiDocScore"`
}

// Searcher finds candidate documentation pages.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// apiDocHints are substring patterns that mark a result as likely API docs.
var apiDocHints = []string{
	"docs.", "developer.", "developers.", "/docs", "/api", "api.", "/reference",
	"api-reference", "documentation", "openapi", "swagger", "rest api",
	"getting started", "authentication",
}

// ScoreAPIDoc counts hint hits across the result's URL, title, and snippet.
func ScoreAPIDoc(r SearchResult) int {
	haystack := strings.ToLower(r.URL + " " + r.Title + " " + r.Snippet)
	score := 0
	for _, hint := range apiDocHints {
		if strings.Contains(haystack, hint) {
			score++
		}
	}
	return score
}

// HTTPSearcher calls an external web search API.
type HTTPSearcher struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewHTTPSearcher builds a searcher from config. A missing key yields a
// searcher whose calls fail fast with a clear error.
func NewHTTPSearcher(cfg config.SearchConfig) *HTTPSearcher {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	return &HTTPSearcher{
		client:   &http.Client{Timeout: searchTimeout},
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
	}
}

type searchAPIResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (s *HTTPSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("search api key not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	u := s.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search api returned status %d", resp.StatusCode)
	}

	var payload searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]SearchResult, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		result := SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description}
		result.APIDocScore = ScoreAPIDoc(result)
		out = append(out, result)
	}
	log.Debug().Str("query", query).Int("results", len(out)).Msg("learning_search_ok")
	return out, nil
}
