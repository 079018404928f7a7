// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversation trees,
// messages, and sessions.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// FINISH STATE
// =============================================================================

// FinishState records how an assistant message's generation ended.
type FinishState string

const (
	// FinishOK means the stream ended normally.
	FinishOK FinishState = "ok"
	// FinishCancelled means the user stopped generation; partial content
	// is retained.
	FinishCancelled FinishState = "cancelled"
	// FinishFailed means the backend errored or disconnected; partial
	// content is retained and the message may be regenerated.
	FinishFailed FinishState = "failed"
)

// =============================================================================
// ATTACHMENT SUMMARY
// =============================================================================

// AttachmentKind classifies an ingested attachment.
type AttachmentKind string

const (
	AttachmentText    AttachmentKind = "text"
	AttachmentTabular AttachmentKind = "tabular"
	AttachmentPDF     AttachmentKind = "pdf"
	AttachmentDocx    AttachmentKind = "docx"
	AttachmentBinary  AttachmentKind = "binary"
)

// AttachmentSummary is the uniform result of ingesting one attachment.
// Text is empty for binary/opaque attachments, which are referenced but
// never inlined into a prompt.
type AttachmentSummary struct {
	Kind         AttachmentKind `json:"kind"`
	Filename     string         `json:"filename"`
	Text         string         `json:"text,omitempty"`
	Truncated    bool           `json:"truncated,omitempty"`
	OriginalSize int64          `json:"original_size"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a node in a conversation tree. Parent/child structure is
// encoded with explicit IDs into the tree's flat node map, so no message
// holds a Go reference to another message.
type Message struct {
	// Identity and structure
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	ParentID    string   `json:"parent_id,omitempty"`
	ChildIDs    []string `json:"child_ids,omitempty"`
	ActiveChild int      `json:"active_child,omitempty"`

	// Content
	Content     string              `json:"content"`
	Attachments []AttachmentSummary `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`

	// Streaming state (not persisted).
	// strings.Builder avoids quadratic allocations while tokens arrive.
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Generation metrics (assistant messages)
	Finish        FinishState   `json:"finish,omitempty"`
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	CharCount     int           `json:"char_count,omitempty"`
	TokenCount    int           `json:"token_count,omitempty"`
	TokensPerSec  float64       `json:"tokens_per_sec,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantMessage creates a new assistant message in streaming state.
func NewAssistantMessage() *Message {
	return &Message{
		ID:          generateID(),
		Role:        RoleAssistant,
		CreatedAt:   time.Now(),
		IsStreaming: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends a streamed fragment to a streaming message.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// FinalizeStream ends streaming, merges accumulated content, and records
// statistics. The finish state says whether the stream settled, was
// cancelled, or failed; partial content is kept in every case.
func (m *Message) FinalizeStream(finish FinishState, stats *Statistics) {
	if !m.IsStreaming {
		return
	}

	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
	m.Finish = finish
	m.CharCount = RuneLen(m.Content)

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
		m.TokenCount = stats.CompletionTokens
		m.TokensPerSec = stats.TokensPerSecond
	}
}

// GetDisplayContent returns the content to display (streaming or final).
func (m *Message) GetDisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the message content.
func (m *Message) Preview(maxLen int) string {
	content := m.GetDisplayContent()
	content = strings.ReplaceAll(content, "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// EstimateTokens gives a rough token estimate (~4 characters per token).
func (m *Message) EstimateTokens() int {
	return (len(m.GetDisplayContent()) + 3) / 4
}

// HasBranches reports whether this node has more than one child.
func (m *Message) HasBranches() bool {
	return len(m.ChildIDs) > 1
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token counts for one generation.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	PromptTokens     int
	CompletionTokens int

	// Derived on Finalize
	TTFT            time.Duration
	TotalDuration   time.Duration
	TokensPerSecond float64
}

// NewStatistics creates a Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// RecordFirstToken records when the first fragment arrived. Subsequent
// calls are no-ops, so it is safe to call on every increment.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the derived metrics.
func (s *Statistics) Finalize(tokenCount int) {
	s.EndTime = time.Now()
	s.CompletionTokens = tokenCount
	s.TotalDuration = s.EndTime.Sub(s.StartTime)

	if s.TotalDuration > 0 {
		s.TokensPerSecond = float64(tokenCount) / s.TotalDuration.Seconds()
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// RuneLen returns the number of runes in a string.
func RuneLen(s string) int {
	return len([]rune(s))
}
