// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search provides the web-search boundary: a client for the local
// search sidecar and the Tavily upstream client the sidecar proxies to.
package search

// =============================================================================
// WIRE TYPES
// =============================================================================

// WebSearchRequest is the request body for POST /search/web.
type WebSearchRequest struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

// WebSearchResult is one hit in a search response.
type WebSearchResult struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchResponse is the response body for POST /search/web. Upstream
// failures are reported in-band through Error with empty Results.
type WebSearchResponse struct {
	Query   string            `json:"query"`
	Results []WebSearchResult `json:"results"`
	Model   string            `json:"model"`
	Error   string            `json:"error,omitempty"`
}
