package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/promptoncron/internal/llm"
)

const (
	defaultTavilyBaseURL          = "https://api.tavily.com"
	defaultTavilyTimeout          = 20 * time.Second
	defaultTavilyMaxResponseBytes = 512 * 1024
)

// Tavily calls the Tavily search API
type Tavily struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

func (t *Tavily) baseURL() string {
	base := strings.TrimSpace(t.BaseURL)
	if base == "" {
		return defaultTavilyBaseURL
	}
	return strings.TrimRight(base, "/")
}

func (t *Tavily) httpClient() *http.Client {
	if t.HTTPClient != nil {
		return t.HTTPClient
	}
	return &http.Client{Timeout: defaultTavilyTimeout}
}

// Search posts the query to /search and normalizes at most maxResults hits
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Item, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, llm.CapabilityError("tavily", errors.New("search.tavily_api_key is not set"))
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTavilyTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.baseURL()+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return nil, llm.CapabilityError("tavily", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultTavilyMaxResponseBytes))
	if err != nil {
		return nil, llm.CapabilityError("tavily", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 300 {
			snippet = snippet[:300] + "…"
		}
		return nil, llm.CapabilityError("tavily", fmt.Errorf("api error: %s: %s", resp.Status, snippet))
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, llm.CapabilityError("tavily", fmt.Errorf("decode response: %w", err))
	}

	items := make([]Item, 0, maxResults)
	for _, r := range parsed.Results {
		if len(items) == maxResults {
			break
		}
		snippet := r.Content
		if snippet == "" {
			snippet = r.Snippet
		}
		items = append(items, Item{Title: r.Title, URL: r.URL, Snippet: snippet})
	}
	return items, nil
}
