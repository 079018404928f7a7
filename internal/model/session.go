// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SEARCH CONTEXT
// =============================================================================

// SearchResult is one web search hit held as pending context for the next
// send. Results accumulate until a send consumes them.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one conversation: a branching message tree plus the search
// context queued for the next send.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tree *Tree `json:"tree"`

	// PendingSearch holds search results not yet consumed by a send. It is
	// cleared only when a send actually reaches the streaming stage, so a
	// failed send keeps the gathered context for a retry.
	PendingSearch []SearchResult `json:"pending_search,omitempty"`
}

// NewSession creates an empty session with a fresh tree.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        "sess_" + uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Tree:      NewTree(),
	}
}

// Touch updates the modification timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// UpdateTitle derives a title from the first user message on the active
// path if none has been set.
func (s *Session) UpdateTitle() {
	if s.Title != "" || s.Tree == nil {
		return
	}
	for _, msg := range s.Tree.ActivePath() {
		if msg.Role == RoleUser {
			s.Title = msg.Preview(50)
			return
		}
	}
}

// GetTitle returns the session title or a default.
func (s *Session) GetTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return "New Conversation"
}

// AddSearchResults queues search hits as pending context for the next send.
func (s *Session) AddSearchResults(results []SearchResult) {
	s.PendingSearch = append(s.PendingSearch, results...)
	s.Touch()
}

// TakePendingSearch returns the queued search context without clearing it.
// ClearPendingSearch must be called once the send has committed.
func (s *Session) TakePendingSearch() []SearchResult {
	return s.PendingSearch
}

// ClearPendingSearch drops the queued search context.
func (s *Session) ClearPendingSearch() {
	s.PendingSearch = nil
}

// Meta is lightweight session metadata for listings.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetMeta returns the session's listing metadata.
func (s *Session) GetMeta() Meta {
	return Meta{
		ID:        s.ID,
		Title:     s.GetTitle(),
		UpdatedAt: s.UpdatedAt,
	}
}
