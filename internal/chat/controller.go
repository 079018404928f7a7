// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives one conversation: it owns the send/regenerate state
// machine, feeds streamed increments into the tree, and persists the
// session through a coalescing save queue.
package chat

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/iris-desktop/iris-core/internal/compose"
	"github.com/iris-desktop/iris-core/internal/model"
	"github.com/iris-desktop/iris-core/internal/ollama"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the completion lifecycle state.
type State int

const (
	// StateIdle means no send is in flight.
	StateIdle State = iota
	// StateComposing means the outbound payload is being assembled; the
	// user node is already in the tree.
	StateComposing
	// StateStreaming means increments are arriving into the assistant node.
	StateStreaming
	// StateSettled means the last send completed normally.
	StateSettled
	// StateCancelled means the last send was stopped by the user; partial
	// content was retained.
	StateCancelled
	// StateFailed means the last send errored; partial content was
	// retained and the session was persisted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateStreaming:
		return "streaming"
	case StateSettled:
		return "settled"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a send is attempted while one is in flight.
var ErrBusy = errors.New("a completion is already in flight")

// =============================================================================
// BOUNDARIES
// =============================================================================

// Backend is the streaming completion boundary.
type Backend interface {
	GenerateStream(ctx context.Context, model, prompt, system string, opts *ollama.Options, callback ollama.StreamCallback) error
}

// Saver persists sessions. Encode runs on the controller's own flow so
// the writer goroutine only ever touches serialized bytes, never the live
// tree. Satisfied by storage.Store.
type Saver interface {
	Encode(session *model.Session) ([]byte, error)
	Write(id string, data []byte) error
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Config holds controller options.
type Config struct {
	// Model sent with every request; empty uses the backend default.
	Model string

	// OnDelta, if set, is called with the full display content after each
	// increment. Runs on the send goroutine.
	OnDelta func(content string)
}

// Controller coordinates one session's completions. Send, Edit, and
// Regenerate run on a single logical control flow; Cancel may be called
// from any goroutine while a stream is in flight.
type Controller struct {
	session  *model.Session
	backend  Backend
	composer *compose.Assembler
	saver    Saver
	saves    *saveQueue
	config   Config

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	current *model.Message
	stats   *model.Statistics
}

// NewController creates a controller for one session.
func NewController(session *model.Session, backend Backend, composer *compose.Assembler, saver Saver, config Config) *Controller {
	if composer == nil {
		composer = compose.New(nil)
	}
	return &Controller{
		session:  session,
		backend:  backend,
		composer: composer,
		saver:    saver,
		saves:    newSaveQueue(func(data []byte) error { return saver.Write(session.ID, data) }),
		config:   config,
		state:    StateIdle,
	}
}

// Session returns the controlled session.
func (c *Controller) Session() *model.Session {
	return c.session
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StreamingContent returns the in-flight assistant content, or "" when no
// stream is active. Safe to call from other goroutines for display.
func (c *Controller) StreamingContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.GetDisplayContent()
}

// =============================================================================
// SEND
// =============================================================================

// Send appends the user turn and streams one assistant response. The user
// node is in the tree before any network I/O, so a transport failure never
// loses typed input. Blocks until the stream settles, fails, or is
// cancelled; cancellation is reported through the node state, not an error.
func (c *Controller) Send(ctx context.Context, text string, attachments []model.AttachmentSummary) error {
	c.mu.Lock()
	if c.state == StateComposing || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateComposing
	c.mu.Unlock()

	userMsg := model.NewUserMessage(text)
	userMsg.Attachments = attachments

	leaf := c.session.Tree.ActiveLeaf()
	userID, err := c.session.Tree.AppendChild(leaf.ID, userMsg)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.session.UpdateTitle()
	c.session.Touch()

	asst := model.NewAssistantMessage()
	if _, err := c.session.Tree.AppendChild(userID, asst); err != nil {
		c.setState(StateFailed)
		return err
	}

	return c.stream(ctx, asst)
}

// =============================================================================
// EDIT AND REGENERATE
// =============================================================================

// Edit replaces a user message's content, detaches its old responses, and
// streams a fresh assistant reply as the edited node's new child.
func (c *Controller) Edit(ctx context.Context, nodeID, newContent string) error {
	c.mu.Lock()
	if c.state == StateComposing || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateComposing
	c.mu.Unlock()

	if err := c.session.Tree.EditMessage(nodeID, newContent); err != nil {
		c.setState(StateFailed)
		return err
	}
	c.session.Touch()

	asst, err := c.session.Tree.Regenerate(nodeID)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	return c.stream(ctx, asst)
}

// Regenerate streams an alternative response as a new sibling branch of
// the given assistant node. The previous response stays reachable through
// branch navigation.
func (c *Controller) Regenerate(ctx context.Context, assistantID string) error {
	c.mu.Lock()
	if c.state == StateComposing || c.state == StateStreaming {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = StateComposing
	c.mu.Unlock()

	node := c.session.Tree.Node(assistantID)
	if node == nil {
		c.setState(StateFailed)
		return model.ErrNodeNotFound
	}

	asst, err := c.session.Tree.Regenerate(node.ParentID)
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.session.Touch()

	return c.stream(ctx, asst)
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel stops the in-flight stream. Accumulated content is kept and the
// assistant node is marked cancelled. No-op when nothing is streaming.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// =============================================================================
// STREAM LOOP
// =============================================================================

// stream runs one completion into the given assistant node. Pending search
// context is consumed by the payload and cleared once the stream actually
// delivers, so a send that never reaches the backend keeps the gathered
// context for a retry.
func (c *Controller) stream(ctx context.Context, asst *model.Message) error {
	payload := c.composer.Build(c.session)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := model.NewStatistics()
	c.mu.Lock()
	c.state = StateStreaming
	c.cancel = cancel
	c.current = asst
	c.stats = stats
	c.mu.Unlock()

	opts := &ollama.Options{
		Temperature: payload.Temperature,
		NumPredict:  payload.MaxTokens,
		Stop:        payload.Stop,
	}

	increments := 0
	finalTokens := 0
	searchSpent := false
	err := c.backend.GenerateStream(streamCtx, c.config.Model, payload.Prompt, payload.System, opts, func(chunk ollama.StreamChunk) {
		if !searchSpent {
			// The stream is live: the queued search context is spent.
			c.session.ClearPendingSearch()
			searchSpent = true
		}
		if chunk.Content != "" {
			stats.RecordFirstToken()
			c.mu.Lock()
			asst.AppendToken(chunk.Content)
			c.mu.Unlock()
			increments++
		}
		if chunk.Done {
			finalTokens = chunk.CompletionTokens
		}
		if c.config.OnDelta != nil {
			c.config.OnDelta(asst.GetDisplayContent())
		}
	})

	if finalTokens == 0 {
		finalTokens = increments
	}
	stats.Finalize(finalTokens)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = nil
	c.current = nil

	switch {
	case err == nil:
		asst.FinalizeStream(model.FinishOK, stats)
		c.state = StateSettled
		c.session.Touch()
		c.enqueueSave()
		return nil

	case errors.Is(err, context.Canceled):
		asst.FinalizeStream(model.FinishCancelled, stats)
		c.state = StateCancelled
		c.session.Touch()
		c.enqueueSave()
		return nil

	default:
		asst.FinalizeStream(model.FinishFailed, stats)
		c.state = StateFailed
		c.session.Touch()
		c.enqueueSave()
		return err
	}
}

// enqueueSave snapshots the session synchronously and hands the bytes to
// the save queue. Must run on the controller's flow (or under c.mu) so the
// snapshot sees a consistent tree.
func (c *Controller) enqueueSave() {
	data, err := c.saver.Encode(c.session)
	if err != nil {
		log.Printf("[chat] session snapshot failed: %v", err)
		return
	}
	c.saves.Enqueue(data)
}

// setState transitions under lock.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// WaitForSaves blocks until the save queue drains.
func (c *Controller) WaitForSaves() {
	c.saves.Wait()
}
