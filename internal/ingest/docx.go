// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"bytes"
	"fmt"
	"strings"

	docx "github.com/fumiama/go-docx"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// DOCX
// =============================================================================

// ingestDocx converts a word-processor document to plain text, discarding
// formatting. Paragraphs and tables are rendered in document order.
func (ing *Ingestor) ingestDocx(filename string, data []byte) (summary model.AttachmentSummary) {
	defer func() {
		if r := recover(); r != nil {
			summary = opaque(filename, data)
		}
	}()

	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return opaque(filename, data)
	}

	var sb strings.Builder
	for _, item := range doc.Document.Body.Items {
		switch item.(type) {
		case *docx.Paragraph, *docx.Table:
			line := strings.TrimSpace(fmt.Sprint(item))
			if line == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(line)
		}
	}

	if sb.Len() == 0 {
		return opaque(filename, data)
	}

	return model.AttachmentSummary{
		Kind:         model.AttachmentDocx,
		Filename:     filename,
		Text:         sb.String(),
		OriginalSize: int64(len(data)),
	}
}
