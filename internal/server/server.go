// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the local HTTP sidecar.
//
// Endpoints:
//   - GET  /                - Service description
//   - GET  /health          - Health check
//   - POST /search/web      - Web search (proxies to Tavily)
//   - GET  /telemetry/power - Host power/RAM/CPU/temperature reading
//
// Upstream search failures are reported in-band: 200 with an error field
// and empty results, so the desktop client can proceed without context.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iris-desktop/iris-core/internal/search"
	"github.com/iris-desktop/iris-core/internal/telemetry"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPort is the default sidecar port.
	DefaultPort = 8000

	// MaxRequestBodySize bounds request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the sidecar version.
	Version = "1.0.0"
)

// =============================================================================
// SERVER
// =============================================================================

// Server is the local search and telemetry sidecar.
type Server struct {
	port   int
	model  string
	router *http.ServeMux
	server *http.Server

	tavily  *search.TavilyClient
	sampler *telemetry.Sampler
}

// NewServer creates a sidecar server. If port is 0 the default is used.
func NewServer(port int) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:    port,
		model:   "tavily-web",
		router:  http.NewServeMux(),
		tavily:  search.NewTavilyClient(""),
		sampler: telemetry.NewSampler(telemetry.DefaultConfig()),
	}

	s.setupRoutes()
	return s
}

// WithTavily sets the upstream search client.
func (s *Server) WithTavily(client *search.TavilyClient) *Server {
	s.tavily = client
	return s
}

// WithSampler sets the telemetry sampler.
func (s *Server) WithSampler(sampler *telemetry.Sampler) *Server {
	s.sampler = sampler
	return s
}

// WithModel sets the model tag echoed in search responses.
func (s *Server) WithModel(model string) *Server {
	s.model = model
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the routed handler with middleware applied. Exposed for
// tests.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(),
	)(s.router)
}

// =============================================================================
// ROUTES
// =============================================================================

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /{$}", s.handleRoot)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /search/web", s.handleSearchWeb)
	s.router.HandleFunc("GET /telemetry/power", s.handleTelemetryPower)
}

// handleRoot describes the service.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "IRIS Search API",
		"version": Version,
		"model":   s.model,
		"endpoints": map[string]string{
			"search":    "/search/web (POST)",
			"telemetry": "/telemetry/power (GET)",
			"health":    "/health (GET)",
		},
	})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// =============================================================================
// SEARCH HANDLER
// =============================================================================

// handleSearchWeb proxies a search to Tavily. Empty queries are 400 and a
// missing API key is 503; upstream failures come back 200 with the error
// in-band so the client treats them as "no context".
func (s *Server) handleSearchWeb(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req search.WebSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "Query cannot be empty")
		return
	}

	if !s.tavily.Configured() {
		s.writeError(w, http.StatusServiceUnavailable,
			"Search service not configured. Set TAVILY_API_KEY environment variable.")
		return
	}

	results, err := s.tavily.Search(r.Context(), req.Query, req.Count)
	if err != nil {
		s.writeJSON(w, http.StatusOK, search.WebSearchResponse{
			Query:   req.Query,
			Results: []search.WebSearchResult{},
			Model:   s.model,
			Error:   fmt.Sprintf("Search failed: %v", err),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, search.WebSearchResponse{
		Query:   req.Query,
		Results: results,
		Model:   s.model,
	})
}

// =============================================================================
// TELEMETRY HANDLER
// =============================================================================

// handleTelemetryPower returns one fresh host reading.
func (s *Server) handleTelemetryPower(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sampler.Sample(r.Context()))
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start runs the server on loopback. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the {"detail": ...} shape the
// desktop client expects.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}
