// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// SESSION STORE
// =============================================================================

// Store persists sessions as schema v2.0 documents through a KV backend.
type Store struct {
	kv KV
}

// NewStore creates a session store over the given backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Encode serializes the session as a schema v2.0 record. It never mutates
// the session, so the caller can snapshot on its own control flow and hand
// the bytes to a writer goroutine without sharing the live tree.
func (s *Store) Encode(session *model.Session) ([]byte, error) {
	data, err := json.MarshalIndent(encodeSession(session, false), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", session.ID, err)
	}
	return data, nil
}

// Write replaces the stored record for an ID with a previously encoded
// snapshot. The backend write is atomic, so a write either fully replaces
// the prior record or fails leaving it intact.
func (s *Store) Write(id string, data []byte) error {
	return s.kv.Set(id, data)
}

// Save encodes and writes in one step. Timestamps and title are the
// caller's concern; Save stores the session exactly as given.
func (s *Store) Save(session *model.Session) error {
	data, err := s.Encode(session)
	if err != nil {
		return err
	}
	return s.Write(session.ID, data)
}

// Load reads and decodes a session. A v1.0 (or untagged) record is migrated
// to the tree format before returning. Returns ErrNotFound for unknown IDs
// and ErrCorruptData for payloads that do not parse or violate the tree
// invariants.
func (s *Store) Load(id string) (*model.Session, error) {
	data, err := s.kv.Get(id)
	if err != nil {
		return nil, err
	}

	session, err := decodeDocument(data, ErrCorruptData)
	if err != nil {
		return nil, err
	}
	// Legacy records often carry no ID of their own; the storage key is
	// authoritative either way.
	session.ID = id
	return session, nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	return s.kv.Delete(id)
}

// List enumerates stored sessions for a picker, most recently updated
// first. Records that fail to decode are skipped rather than failing the
// whole listing.
func (s *Store) List() ([]model.Meta, error) {
	ids, err := s.kv.List()
	if err != nil {
		return nil, err
	}

	var metas []model.Meta
	for _, id := range ids {
		session, err := s.Load(id)
		if err != nil {
			continue
		}
		metas = append(metas, session.GetMeta())
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

// Export renders a session as a self-describing v2.0 document: schema tag,
// full tree, and a flattened legacy-compatible array of the active path for
// external tooling.
func (s *Store) Export(session *model.Session) ([]byte, error) {
	return json.MarshalIndent(encodeSession(session, true), "", "  ")
}

// Import parses an exported document. v2.0 documents round-trip losslessly;
// v1.0 documents are migrated on the fly. Unknown schemas fail with
// ErrUnsupportedFormat. The imported session is not persisted; callers
// decide whether it supersedes an existing one.
func (s *Store) Import(data []byte) (*model.Session, error) {
	return decodeDocument(data, ErrUnsupportedFormat)
}
