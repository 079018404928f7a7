// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compose assembles outbound completion payloads from session
// state: pending search context, turn attachments, the active-path
// transcript, and the new user text.
package compose

import (
	"fmt"
	"strings"

	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// PAYLOAD
// =============================================================================

// Payload is one fully assembled completion request.
type Payload struct {
	// Prompt is the rendered transcript plus context blocks.
	Prompt string

	// System is the system prompt sent alongside the transcript.
	System string

	// Sampling parameters forwarded to the backend.
	Temperature float64
	MaxTokens   int
	Stop        []string

	// EstimatedTokens is the rough token count of Prompt (~4 chars/token).
	EstimatedTokens int

	// Trimmed reports whether older transcript turns were dropped to fit
	// the token budget.
	Trimmed bool
}

// =============================================================================
// ASSEMBLER CONFIGURATION
// =============================================================================

// AssemblerConfig holds assembly options.
type AssemblerConfig struct {
	// MaxPromptTokens bounds the rendered prompt. Oldest transcript turns
	// are dropped first; context blocks and the current turn always stay.
	// Default: 8192.
	MaxPromptTokens int

	// SystemPrompt sent with every request.
	SystemPrompt string

	// Sampling defaults.
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// DefaultConfig returns the default assembler configuration.
func DefaultConfig() *AssemblerConfig {
	return &AssemblerConfig{
		MaxPromptTokens: 8192,
		Temperature:     0.7,
		MaxTokens:       -1,
	}
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler builds completion payloads from session state.
type Assembler struct {
	config *AssemblerConfig
}

// New creates an Assembler.
func New(config *AssemblerConfig) *Assembler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxPromptTokens <= 0 {
		config.MaxPromptTokens = 8192
	}
	return &Assembler{config: config}
}

// Build assembles the payload for one send. The transcript is the session's
// active path up to and including the freshly appended user node; the user
// node's text and attachments arrive already inside the tree, so Build only
// reads, never mutates.
//
// Pending search context is read but not cleared; the caller clears it once
// the send has actually committed.
func (a *Assembler) Build(session *model.Session) Payload {
	var blocks []string

	if search := renderSearchBlock(session.TakePendingSearch()); search != "" {
		blocks = append(blocks, search)
	}

	path := session.Tree.ActivePath()

	if attach := renderAttachmentBlock(path); attach != "" {
		blocks = append(blocks, attach)
	}

	transcript, trimmed := a.renderTranscript(path, totalTokens(blocks))
	if transcript != "" {
		blocks = append(blocks, transcript)
	}

	prompt := strings.Join(blocks, "\n\n")

	return Payload{
		Prompt:          prompt,
		System:          a.config.SystemPrompt,
		Temperature:     a.config.Temperature,
		MaxTokens:       a.config.MaxTokens,
		Stop:            a.config.Stop,
		EstimatedTokens: estimateTokens(prompt),
		Trimmed:         trimmed,
	}
}

// =============================================================================
// BLOCK RENDERING
// =============================================================================

// renderSearchBlock formats queued search hits as a context preamble.
func renderSearchBlock(results []model.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Web search context:\n")
	for _, r := range results {
		sb.WriteString("- ")
		sb.WriteString(r.Title)
		if r.URL != "" {
			sb.WriteString(" (")
			sb.WriteString(r.URL)
			sb.WriteString(")")
		}
		if r.Snippet != "" {
			sb.WriteString(": ")
			sb.WriteString(r.Snippet)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// renderAttachmentBlock inlines the current turn's attachment fragments.
// Only the last user node's attachments belong to this turn; earlier
// attachments already live in the transcript as part of their messages.
func renderAttachmentBlock(path []*model.Message) string {
	last := lastUserNode(path)
	if last == nil || len(last.Attachments) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, att := range last.Attachments {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if att.Text == "" {
			fmt.Fprintf(&sb, "[attachment %s: %s, %d bytes, not inlined]",
				att.Filename, att.Kind, att.OriginalSize)
			continue
		}
		fmt.Fprintf(&sb, "Attachment %s:\n%s", att.Filename, att.Text)
	}
	return sb.String()
}

// renderTranscript renders the active path with role labels, dropping the
// oldest turns first when the token budget would be exceeded. The final
// user turn is never dropped.
func (a *Assembler) renderTranscript(path []*model.Message, usedTokens int) (string, bool) {
	var lines []string
	for _, msg := range path {
		if msg.IsStreaming || msg.IsEmpty() {
			continue
		}
		lines = append(lines, msg.Role.DisplayName()+": "+msg.GetDisplayContent())
	}
	if len(lines) == 0 {
		return "", false
	}

	budget := a.config.MaxPromptTokens - usedTokens
	trimmed := false
	for len(lines) > 1 && estimateTokens(strings.Join(lines, "\n\n")) > budget {
		lines = lines[1:]
		trimmed = true
	}

	return strings.Join(lines, "\n\n"), trimmed
}

// =============================================================================
// HELPERS
// =============================================================================

func lastUserNode(path []*model.Message) *model.Message {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == model.RoleUser {
			return path[i]
		}
	}
	return nil
}

// estimateTokens mirrors the model package's rough 4-chars-per-token rule.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func totalTokens(blocks []string) int {
	total := 0
	for _, b := range blocks {
		total += estimateTokens(b)
	}
	return total
}
