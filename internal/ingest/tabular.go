// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/iris-desktop/iris-core/internal/model"
	"github.com/iris-desktop/iris-core/internal/util"
)

// maxColumnWidth caps one rendered column so a single wide cell cannot
// blow up the whole table.
const maxColumnWidth = 40

// =============================================================================
// CSV / TSV
// =============================================================================

// ingestCSV parses delimiter-separated content and renders it as an
// aligned textual table bounded by the row ceiling.
func (ing *Ingestor) ingestCSV(filename string, data []byte, tab bool) model.AttachmentSummary {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if tab {
		reader.Comma = '\t'
	}

	var rows [][]string
	total := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Unparseable tabular content degrades to opaque rather than
			// failing the send.
			return opaque(filename, data)
		}
		total++
		if len(rows) < ing.MaxTableRows {
			rows = append(rows, record)
		}
	}
	if total == 0 {
		return opaque(filename, data)
	}

	return ing.tableSummary(filename, int64(len(data)), rows, total)
}

// =============================================================================
// XLSX
// =============================================================================

// ingestXLSX reads the first sheet of a workbook and renders it the same
// way as CSV content.
func (ing *Ingestor) ingestXLSX(filename string, data []byte) model.AttachmentSummary {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return opaque(filename, data)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return opaque(filename, data)
	}

	all, err := f.GetRows(sheets[0])
	if err != nil || len(all) == 0 {
		return opaque(filename, data)
	}

	total := len(all)
	rows := all
	if len(rows) > ing.MaxTableRows {
		rows = rows[:ing.MaxTableRows]
	}

	return ing.tableSummary(filename, int64(len(data)), rows, total)
}

// =============================================================================
// TABLE RENDERING
// =============================================================================

// tableSummary renders bounded rows as an aligned table and notes any
// truncation.
func (ing *Ingestor) tableSummary(filename string, size int64, rows [][]string, total int) model.AttachmentSummary {
	text := renderTable(rows)

	truncated := total > len(rows)
	if truncated {
		text += fmt.Sprintf("\n[table truncated: showing %d of %d rows]", len(rows), total)
	}

	return model.AttachmentSummary{
		Kind:         model.AttachmentTabular,
		Filename:     filename,
		Text:         text,
		Truncated:    truncated,
		OriginalSize: size,
	}
}

// renderTable lays rows out in display-width-aligned columns. Width
// accounting is done in terminal columns so CJK content lines up.
func renderTable(rows [][]string) string {
	columns := 0
	for _, row := range rows {
		if len(row) > columns {
			columns = len(row)
		}
	}

	widths := make([]int, columns)
	for _, row := range rows {
		for i, cell := range row {
			w := util.StringWidth(cell)
			if w > maxColumnWidth {
				w = maxColumnWidth
			}
			if w > widths[i] {
				widths[i] = w
			}
		}
	}

	var sb strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			cell = util.TruncateWidth(util.CollapseLine(cell), maxColumnWidth)
			if i < len(row)-1 {
				sb.WriteString(util.PadWidth(cell, widths[i]))
				sb.WriteString(" | ")
			} else {
				sb.WriteString(cell)
			}
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
