package learning

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"kilo/internal/httptool"
)

const (
	fetchTimeout = 10 * time.Second
	// fetchBodyCap bounds documentation pages, which run larger than tool
	// responses.
	fetchBodyCap = 1024 * 1024
	// pageTextCap bounds the extracted text per page.
	pageTextCap = 50_000

	// minStandaloneCode is the size at which a bare <code> block (outside
	// <pre>) is worth keeping.
	minStandaloneCode = 80
)

// Page is the extracted content of one documentation page.
type Page struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Text       string   `json:"text"`
	CodeBlocks []string `json:"codeBlocks,omitempty"`
}

// PageFetcher retrieves and cleans documentation pages.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// HTTPPageFetcher fetches pages under the same SSRF rules as the tool
// executor.
type HTTPPageFetcher struct {
	client *http.Client
}

func NewHTTPPageFetcher() *HTTPPageFetcher {
	return &HTTPPageFetcher{client: &http.Client{Timeout: fetchTimeout}}
}

func (f *HTTPPageFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := httptool.CheckURL(rawURL); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "kilo-runtime/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, fetchBodyCap)
	page, err := ExtractPage(limited)
	if err != nil {
		return nil, err
	}
	page.URL = rawURL
	return page, nil
}

// strippedTags never contribute documentation text.
var strippedTags = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true,
	"header": true, "noscript": true, "svg": true,
}

// ExtractPage parses HTML and returns cleaned text plus harvested code
// blocks.
func ExtractPage(r io.Reader) (*Page, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	page := &Page{}
	var text strings.Builder

	var walk func(n *html.Node, inPre bool)
	walk = func(n *html.Node, inPre bool) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if strippedTags[tag] {
				return
			}
			switch tag {
			case "title":
				if page.Title == "" {
					page.Title = strings.TrimSpace(textOf(n))
				}
				return
			case "pre":
				code := strings.TrimSpace(textOf(n))
				if code != "" {
					page.CodeBlocks = append(page.CodeBlocks, code)
				}
				return
			case "code":
				if !inPre {
					code := strings.TrimSpace(textOf(n))
					if len(code) >= minStandaloneCode {
						page.CodeBlocks = append(page.CodeBlocks, code)
						return
					}
				}
			}
		}
		if n.Type == html.TextNode {
			chunk := strings.TrimSpace(n.Data)
			if chunk != "" && text.Len() < pageTextCap {
				text.WriteString(chunk)
				text.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inPre || (n.Type == html.ElementNode && strings.EqualFold(n.Data, "pre")))
		}
	}
	walk(root, false)

	body := text.String()
	if len(body) > pageTextCap {
		body = body[:pageTextCap]
	}
	page.Text = body
	return page, nil
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
