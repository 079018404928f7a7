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

	"golang.org/x/time/rate"

	"github.com/iris-desktop/iris-core/internal/model"
)

// DefaultCount is the result count requested when the caller passes zero.
const DefaultCount = 5

// ErrNoResults means the search completed but produced no usable context.
// Sends proceed without search context when this is returned.
var ErrNoResults = errors.New("no search context available")

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the local search sidecar. Requests are rate-limited so a
// burst of searches cannot starve the send path.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a search client for the given sidecar base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		// One request per second with a small burst allowance.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Search posts a query to the sidecar and returns hits mapped to session
// search results. Transport failures, non-success statuses, and in-band
// upstream errors all come back as ErrNoResults (wrapped with the cause)
// so the caller proceeds without context.
func (c *Client) Search(ctx context.Context, query string, count int) ([]model.SearchResult, error) {
	if count <= 0 {
		count = DefaultCount
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(WebSearchRequest{Query: query, Count: count})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResults, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search/web", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResults, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResults, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sidecar returned %s", ErrNoResults, resp.Status)
	}

	var result WebSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResults, err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, result.Error)
	}
	if len(result.Results) == 0 {
		return nil, ErrNoResults
	}

	hits := make([]model.SearchResult, 0, len(result.Results))
	for _, r := range result.Results {
		hits = append(hits, model.SearchResult{
			Title:   r.Name,
			URL:     r.URL,
			Snippet: r.Snippet,
		})
	}
	return hits, nil
}
