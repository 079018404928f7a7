// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// PLAIN TEXT / CODE
// =============================================================================

// ingestText inlines text content verbatim up to the ceiling. Beyond the
// ceiling the content is cut at a rune boundary and an explicit truncation
// marker is appended; the original size is always recorded.
func (ing *Ingestor) ingestText(filename string, data []byte) model.AttachmentSummary {
	originalSize := int64(len(data))

	text, ok := decodeText(data)
	if !ok {
		return opaque(filename, data)
	}

	truncated := false
	if len(text) > ing.MaxTextBytes {
		text = cutAtRuneBoundary(text, ing.MaxTextBytes)
		text += fmt.Sprintf("\n[truncated: showing first %d bytes of %d]",
			len(text), originalSize)
		truncated = true
	}

	return model.AttachmentSummary{
		Kind:         model.AttachmentText,
		Filename:     filename,
		Text:         text,
		Truncated:    truncated,
		OriginalSize: originalSize,
	}
}

// decodeText normalizes the input to UTF-8. BOMOverride strips a UTF-8 BOM
// and transparently decodes UTF-16 input; anything else passes through
// unchanged.
func decodeText(data []byte) (string, bool) {
	decoder := unicode.BOMOverride(encoding.Nop.NewDecoder())
	decoded, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(decoded) {
		return "", false
	}
	return string(decoded), true
}

// cutAtRuneBoundary truncates s to at most max bytes without splitting a
// multi-byte rune.
func cutAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
