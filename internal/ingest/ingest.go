// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ingest converts uploaded files into bounded plain-text fragments
// suitable for prompt inclusion.
//
// Every path returns a uniform AttachmentSummary and never fails outward:
// unsupported or unparseable content degrades to the binary/opaque variant,
// which records a reference (filename, kind, size) without inlining bytes.
package ingest

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxTextBytes is the inline ceiling for plain-text content.
	// Larger attachments are truncated with an explicit marker.
	DefaultMaxTextBytes = 200 * 1024

	// DefaultMaxTableRows bounds rendered tabular output.
	DefaultMaxTableRows = 1000
)

// textExtensions are treated as plain text/code and inlined verbatim up to
// the ceiling.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".log": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".rs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".java": true,
	".rb": true, ".sh": true, ".sql": true, ".html": true, ".css": true,
}

// =============================================================================
// INGESTOR
// =============================================================================

// Ingestor converts attachments into prompt-ready text fragments.
type Ingestor struct {
	// MaxTextBytes is the inline ceiling for text content.
	MaxTextBytes int

	// MaxTableRows is the row ceiling for tabular rendering.
	MaxTableRows int
}

// New creates an Ingestor with the default ceilings.
func New() *Ingestor {
	return &Ingestor{
		MaxTextBytes: DefaultMaxTextBytes,
		MaxTableRows: DefaultMaxTableRows,
	}
}

// Ingest converts one attachment. It never returns an error: content that
// cannot be parsed as its nominal kind degrades to the opaque variant.
func (ing *Ingestor) Ingest(filename string, data []byte) model.AttachmentSummary {
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case ext == ".pdf":
		return ing.ingestPDF(filename, data)
	case ext == ".docx":
		return ing.ingestDocx(filename, data)
	case ext == ".csv" || ext == ".tsv":
		return ing.ingestCSV(filename, data, ext == ".tsv")
	case ext == ".xlsx":
		return ing.ingestXLSX(filename, data)
	case textExtensions[ext]:
		return ing.ingestText(filename, data)
	case looksLikeText(data):
		return ing.ingestText(filename, data)
	default:
		return opaque(filename, data)
	}
}

// opaque is the fallback summary: a reference only, never inlined.
func opaque(filename string, data []byte) model.AttachmentSummary {
	return model.AttachmentSummary{
		Kind:         model.AttachmentBinary,
		Filename:     filename,
		OriginalSize: int64(len(data)),
	}
}

// looksLikeText sniffs the first block of an extensionless or unknown file.
// NUL bytes or a meaningful share of invalid UTF-8 mean binary.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	// UTF-16 BOMs are text even though the raw bytes contain NULs.
	if hasUTF16BOM(sample) {
		return true
	}

	invalid := 0
	for len(sample) > 0 {
		r, size := utf8.DecodeRune(sample)
		if r == 0 {
			return false
		}
		if r == utf8.RuneError && size == 1 {
			invalid++
		}
		sample = sample[size:]
	}
	return invalid*20 < len(data) // < 5% invalid sequences
}

func hasUTF16BOM(data []byte) bool {
	return len(data) >= 2 &&
		((data[0] == 0xFE && data[1] == 0xFF) || (data[0] == 0xFF && data[1] == 0xFE))
}
