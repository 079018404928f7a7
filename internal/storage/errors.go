// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides versioned session persistence for iris-core.
//
// Sessions are serialized as self-describing schema v2.0 documents into a
// pluggable key-value store. Legacy v1.0 linear transcripts are migrated to
// the tree format on load and on import.
package storage

import "errors"

var (
	// ErrNotFound is returned when a session ID has no stored record.
	ErrNotFound = errors.New("session not found")

	// ErrCorruptData is returned when a stored payload does not parse or
	// violates the tree invariants. Corrupt trees are never partially
	// recovered; silent data loss is worse than an explicit failure.
	ErrCorruptData = errors.New("session data is corrupt")

	// ErrUnsupportedFormat is returned when an imported document carries an
	// unknown schema tag.
	ErrUnsupportedFormat = errors.New("unsupported session format")
)
