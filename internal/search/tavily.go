// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoAPIKey means the upstream client was constructed without a key.
var ErrNoAPIKey = errors.New("search service not configured")

// =============================================================================
// TAVILY UPSTREAM
// =============================================================================

// tavilyRequest is the request body for the Tavily search API.
type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// tavilyResponse is the subset of the Tavily response the sidecar uses.
type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// TavilyClient calls the Tavily search API. The sidecar maps its hits to
// the /search/web shape (title becomes name, content becomes snippet).
type TavilyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewTavilyClient creates an upstream client. An empty key produces a
// client whose Search always fails with ErrNoAPIKey; the sidecar turns
// that into 503.
func NewTavilyClient(apiKey string) *TavilyClient {
	return NewTavilyClientAt(apiKey, "https://api.tavily.com")
}

// NewTavilyClientAt creates an upstream client against a custom endpoint,
// for tests and self-hosted proxies.
func NewTavilyClientAt(apiKey, baseURL string) *TavilyClient {
	return &TavilyClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Configured reports whether an API key is present.
func (t *TavilyClient) Configured() bool {
	return t.apiKey != ""
}

// Search queries Tavily and maps the hits to the sidecar's result shape.
func (t *TavilyClient) Search(ctx context.Context, query string, count int) ([]WebSearchResult, error) {
	if t.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if count <= 0 {
		count = DefaultCount
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:     t.apiKey,
		Query:      query,
		MaxResults: count,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily returned %s", resp.Status)
	}

	var result tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	hits := make([]WebSearchResult, 0, len(result.Results))
	for _, r := range result.Results {
		name := r.Title
		if name == "" {
			name = "No title"
		}
		snippet := r.Content
		if snippet == "" {
			snippet = "No description available"
		}
		hits = append(hits, WebSearchResult{
			Name:    name,
			URL:     r.URL,
			Snippet: snippet,
		})
	}
	return hits, nil
}
