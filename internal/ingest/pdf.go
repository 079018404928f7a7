// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// PDF
// =============================================================================

// ingestPDF extracts text per page and concatenates pages in order. There
// is no hard size ceiling; downstream context budgeting bounds the result
// in practice. Malformed documents degrade to opaque.
func (ing *Ingestor) ingestPDF(filename string, data []byte) (summary model.AttachmentSummary) {
	// The pdf package panics on some malformed inputs; recover into the
	// opaque fallback instead of taking the send down.
	defer func() {
		if r := recover(); r != nil {
			summary = opaque(filename, data)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return opaque(filename, data)
	}

	var sb strings.Builder
	extracted := false
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimSpace(text))
		extracted = true
	}

	if !extracted {
		return opaque(filename, data)
	}

	return model.AttachmentSummary{
		Kind:         model.AttachmentPDF,
		Filename:     filename,
		Text:         sb.String(),
		OriginalSize: int64(len(data)),
	}
}
