package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/utils"
)

// WebSearchTool queries Brave when an API key is configured and falls
// back to the DuckDuckGo HTML endpoint otherwise.
type WebSearchTool struct {
	braveAPIKey string
	maxResults  int
	client      *http.Client
}

func NewWebSearchTool(braveAPIKey string, maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		braveAPIKey: braveAPIKey,
		maxResults:  maxResults,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebSearchTool) Name() string {
	return "web_search"
}

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets"
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}

	if t.braveAPIKey != "" {
		result, err := t.braveSearch(ctx, query)
		if err == nil {
			return NewToolResult(result)
		}
	}

	result, err := t.duckduckgoSearch(ctx, query)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err))
	}
	return NewToolResult(result)
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) braveSearch(ctx context.Context, query string) (string, error) {
	endpoint := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Subscription-Token", t.braveAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("brave returned status %d", resp.StatusCode)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Web.Results) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= t.maxResults {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return b.String(), nil
}

var (
	ddgResultRe = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
)

func (t *WebSearchTool) duckduckgoSearch(ctx context.Context, query string) (string, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nanoclaw)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	matches := ddgResultRe.FindAllStringSubmatch(string(body), t.maxResults)
	if len(matches) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, m := range matches {
		link := m[1]
		// DDG wraps result links in a redirect with uddg=<real url>
		if u, err := url.Parse(link); err == nil {
			if real := u.Query().Get("uddg"); real != "" {
				link = real
			}
		}
		title := htmlTagRe.ReplaceAllString(m[2], "")
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, strings.TrimSpace(title), link)
	}
	return b.String(), nil
}

// WebFetchTool downloads a page and returns its text content.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *WebFetchTool) Name() string {
	return "web_fetch"
}

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its text content with HTML markup removed"
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	spaceRe  = regexp.MustCompile(`\n{3,}`)
)

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	target, ok := args["url"].(string)
	if !ok || target == "" {
		return ErrorResult("url is required")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return ErrorResult("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid url: %v", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; nanoclaw)")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read failed: %v", err))
	}

	text := scriptRe.ReplaceAllString(string(body), "")
	text = htmlTagRe.ReplaceAllString(text, "\n")
	text = spaceRe.ReplaceAllString(text, "\n\n")
	return NewToolResult(utils.Truncate(strings.TrimSpace(text), 10000))
}
