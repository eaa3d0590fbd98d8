package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"codeswarm/internal/llm"
)

const (
	webTimeout      = 20 * time.Second
	webReaderCap    = 20_000
	webCacheEntries = 128
	webUserAgent    = "codeswarm/1.0"
)

type webSearch struct {
	client   *http.Client
	endpoint string
}

// NewWebSearch returns the web_search tool, backed by the DuckDuckGo HTML
// endpoint so no API key is needed.
func NewWebSearch() Tool {
	return newWebSearch("https://html.duckduckgo.com/html/")
}

func newWebSearch(endpoint string) *webSearch {
	return &webSearch{
		client:   &http.Client{Timeout: webTimeout},
		endpoint: endpoint,
	}
}

func (t *webSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_search",
		Description: "Search the web. Returns result titles, URLs, and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "Search query"},
				"max_results": map[string]any{"type": "integer", "description": "Maximum results (1-10, default 5)"},
			},
			"required": []string{"query"},
		},
	}
}

func (t *webSearch) Execute(ctx context.Context, call Call) (*Result, error) {
	query, err := stringArg(call.Args, "query")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	maxResults := intArg(call.Args, "max_results", 5)
	if maxResults < 1 {
		maxResults = 1
	}
	if maxResults > 10 {
		maxResults = 10
	}

	reqURL := t.endpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("search request failed: %w", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &Result{CallID: call.ID, Err: fmt.Errorf("search returned HTTP %d", resp.StatusCode)}, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("parse search results: %w", err)}, nil
	}

	var b strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(i int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find(".result__title").Text())
		link, _ := s.Find(".result__a").Attr("href")
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		if title == "" {
			return true
		}
		count++
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", count, title, link, snippet)
		return count < maxResults
	})

	if count == 0 {
		return &Result{CallID: call.ID, Content: "No results found."}, nil
	}
	return &Result{CallID: call.ID, Content: b.String()}, nil
}

type webReader struct {
	client *http.Client
	cache  *lru.Cache[string, string]
}

// NewWebReader returns the web_reader tool: fetch a page and reduce it to
// readable text, with an LRU cache over recently fetched URLs.
func NewWebReader() Tool {
	cache, _ := lru.New[string, string](webCacheEntries)
	return &webReader{
		client: &http.Client{Timeout: webTimeout},
		cache:  cache,
	}
}

func (t *webReader) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_reader",
		Description: "Fetch a web page and return its readable text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *webReader) Execute(ctx context.Context, call Call) (*Result, error) {
	rawURL, err := stringArg(call.Args, "url")
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return &Result{CallID: call.ID, Err: fmt.Errorf("url must be absolute http(s): %q", rawURL)}, nil
	}

	if cached, ok := t.cache.Get(rawURL); ok {
		return &Result{CallID: call.ID, Content: cached}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Result{CallID: call.ID, Err: err}, nil
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("fetch failed: %w", err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &Result{CallID: call.ID, Err: fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)}, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return &Result{CallID: call.ID, Err: fmt.Errorf("parse page: %w", err)}, nil
	}

	text := extractReadableText(doc)
	if len(text) > webReaderCap {
		text = text[:webReaderCap] + "\n... (truncated)"
	}
	t.cache.Add(rawURL, text)
	return &Result{CallID: call.ID, Content: text}, nil
}

// extractReadableText pulls headings, paragraphs, list items, and code
// blocks, skipping navigation and scripts.
func extractReadableText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, noscript").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	doc.Find("h1, h2, h3, h4, p, li, pre, td").Each(func(i int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		if goquery.NodeName(s) == "li" {
			b.WriteString("- ")
		}
		b.WriteString(text)
		b.WriteString("\n")
	})

	out := strings.TrimSpace(b.String())
	if out == "" {
		out = strings.TrimSpace(doc.Text())
	}
	return out
}
