// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// SCHEMA VERSIONS
// =============================================================================

const (
	// SchemaV1 is the legacy linear transcript format: a flat array of
	// {role, content} pairs, no branching.
	SchemaV1 = "1.0"

	// SchemaV2 is the tree format: a flat node arena with explicit
	// parent/child IDs.
	SchemaV2 = "2.0"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// Document is the self-describing persisted/interchange form of a session.
// A v2.0 document carries the full tree; a v1.0 document carries only the
// flat Messages array. Exported v2.0 documents carry both, the flat array
// being a legacy-compatible rendering of the active path for external
// tooling.
type Document struct {
	Schema    string    `json:"schema,omitempty"`
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	Tree     *model.Tree     `json:"tree,omitempty"`
	Messages []LegacyMessage `json:"messages,omitempty"`

	PendingSearch []model.SearchResult `json:"pending_search,omitempty"`
}

// LegacyMessage is one entry of a v1.0 linear transcript.
type LegacyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// ENCODE / DECODE
// =============================================================================

// encodeSession renders a session as a v2.0 document. When flat is true the
// active path is additionally rendered as a legacy-compatible array.
func encodeSession(s *model.Session, flat bool) *Document {
	doc := &Document{
		Schema:        SchemaV2,
		ID:            s.ID,
		Title:         s.Title,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		Tree:          s.Tree,
		PendingSearch: s.PendingSearch,
	}
	if flat {
		for _, msg := range s.Tree.ActivePath() {
			doc.Messages = append(doc.Messages, LegacyMessage{
				Role:    msg.Role.String(),
				Content: msg.Content,
			})
		}
	}
	return doc
}

// decodeDocument parses a stored or imported payload and returns a session.
// v1.0 (or untagged) documents are migrated to the tree format; migration
// of an already-migrated v2.0 document is a no-op by construction. badTag
// is the error for an unrecognized schema — ErrCorruptData for stored
// payloads, ErrUnsupportedFormat for imports.
func decodeDocument(data []byte, badTag error) (*model.Session, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", badTag, err)
	}

	switch doc.Schema {
	case SchemaV2:
		return decodeV2(&doc)
	case SchemaV1, "":
		// Some untagged payloads are really v2 documents with the tag
		// stripped; a present tree wins over the flat array.
		if doc.Schema == "" && doc.Tree != nil {
			return decodeV2(&doc)
		}
		return migrateLinear(&doc)
	default:
		return nil, fmt.Errorf("%w: schema %q", ErrUnsupportedFormat, doc.Schema)
	}
}

// decodeV2 validates the tree invariants and assembles the session.
// Dangling references or cycles reject the whole payload.
func decodeV2(doc *Document) (*model.Session, error) {
	if doc.Tree == nil {
		return nil, fmt.Errorf("%w: v2 document without tree", ErrCorruptData)
	}
	if err := doc.Tree.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	s := &model.Session{
		ID:            doc.ID,
		Title:         doc.Title,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		Tree:          doc.Tree,
		PendingSearch: doc.PendingSearch,
	}
	if s.ID == "" {
		fresh := model.NewSession()
		s.ID = fresh.ID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return s, nil
}
