// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iris-desktop/iris-core/internal/util"
)

// =============================================================================
// KEY-VALUE BOUNDARY
// =============================================================================

// KV is the persistence boundary for session records. The store above it is
// agnostic to whether records live in files, a database, or anything else
// that can get/set/list/delete by session ID.
type KV interface {
	// Get returns the record for an ID, or ErrNotFound.
	Get(id string) ([]byte, error)

	// Set replaces the record for an ID. The write must be atomic: after a
	// failure the prior record is intact.
	Set(id string, data []byte) error

	// Delete removes a record, or returns ErrNotFound.
	Delete(id string) error

	// List returns all stored IDs in unspecified order.
	List() ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// =============================================================================
// FILE-BACKED KV
// =============================================================================

// FileKV stores one JSON file per session under a base directory.
type FileKV struct {
	baseDir string
}

// NewFileKV creates a file-backed KV rooted at baseDir.
func NewFileKV(baseDir string) (*FileKV, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileKV{baseDir: baseDir}, nil
}

// DefaultFileKV creates a file-backed KV under ~/.iris/sessions.
func DefaultFileKV() (*FileKV, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewFileKV(filepath.Join(homeDir, ".iris", "sessions"))
}

// Get returns the stored record for an ID.
func (f *FileKV) Get(id string) ([]byte, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// Set atomically replaces the record for an ID. AtomicWriteFile writes a
// temp file, fsyncs, and renames, so a crash never leaves a partial record.
func (f *FileKV) Set(id string, data []byte) error {
	return util.AtomicWriteFile(f.path(id), data, 0644)
}

// Delete removes the record for an ID.
func (f *FileKV) Delete(id string) error {
	if err := os.Remove(f.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

// List returns all stored session IDs.
func (f *FileKV) List() ([]string, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Close is a no-op for the file backend.
func (f *FileKV) Close() error {
	return nil
}

func (f *FileKV) path(id string) string {
	// Session IDs are generated internally, but keep path traversal out
	// of imported documents anyway.
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.':
			return '-'
		}
		return r
	}, id)
	return filepath.Join(f.baseDir, safe+".json")
}
