// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iris-desktop/iris-core/internal/model"
	"github.com/iris-desktop/iris-core/internal/ollama"
	"github.com/iris-desktop/iris-core/internal/storage"
)

// backendFunc adapts a function to the Backend interface.
type backendFunc func(ctx context.Context, model, prompt, system string, opts *ollama.Options, cb ollama.StreamCallback) error

func (f backendFunc) GenerateStream(ctx context.Context, model, prompt, system string, opts *ollama.Options, cb ollama.StreamCallback) error {
	return f(ctx, model, prompt, system, opts, cb)
}

// scriptedBackend streams the given fragments, honouring cancellation
// between increments like the real client.
func scriptedBackend(fragments ...string) Backend {
	return backendFunc(func(ctx context.Context, _, _, _ string, _ *ollama.Options, cb ollama.StreamCallback) error {
		for _, frag := range fragments {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			cb(ollama.StreamChunk{Content: frag})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cb(ollama.StreamChunk{Done: true, DoneReason: "stop", CompletionTokens: len(fragments)})
		return nil
	})
}

func newTestController(t *testing.T, backend Backend) (*Controller, *storage.Store) {
	t.Helper()
	kv, err := storage.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewStore(kv)
	session := model.NewSession()
	return NewController(session, backend, nil, store, Config{Model: "test"}), store
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_Settled(t *testing.T) {
	c, store := newTestController(t, scriptedBackend("Hello", ", ", "world"))

	if err := c.Send(context.Background(), "greet me", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.State() != StateSettled {
		t.Errorf("state = %v, want settled", c.State())
	}

	leaf := c.Session().Tree.ActiveLeaf()
	if leaf.Role != model.RoleAssistant {
		t.Fatalf("active leaf role = %q", leaf.Role)
	}
	if leaf.Content != "Hello, world" {
		t.Errorf("content = %q", leaf.Content)
	}
	if leaf.Finish != model.FinishOK {
		t.Errorf("finish = %q, want ok", leaf.Finish)
	}
	if leaf.TokenCount != 3 {
		t.Errorf("token count = %d, want 3", leaf.TokenCount)
	}
	if leaf.IsStreaming {
		t.Error("leaf still marked streaming")
	}

	parent := c.Session().Tree.Node(leaf.ParentID)
	if parent.Role != model.RoleUser || parent.Content != "greet me" {
		t.Errorf("parent = %+v, want the user turn", parent)
	}

	// The settled session made it to disk.
	c.WaitForSaves()
	loaded, err := store.Load(c.Session().ID)
	if err != nil {
		t.Fatalf("Load after settle: %v", err)
	}
	if loaded.Tree.ActiveLeaf().Content != "Hello, world" {
		t.Error("persisted session missing the settled response")
	}
}

func TestSend_UserNodeSurvivesConnectFailure(t *testing.T) {
	c, _ := newTestController(t, backendFunc(func(context.Context, string, string, string, *ollama.Options, ollama.StreamCallback) error {
		return ollama.ErrNotRunning
	}))
	c.Session().AddSearchResults([]model.SearchResult{{Title: "t", URL: "u"}})

	err := c.Send(context.Background(), "hello?", nil)
	if !ollama.IsNotRunning(err) {
		t.Fatalf("err = %v, want not running", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %v, want failed", c.State())
	}

	// The user turn was committed before any network I/O.
	var found bool
	for _, msg := range c.Session().Tree.ActivePath() {
		if msg.Role == model.RoleUser && msg.Content == "hello?" {
			found = true
		}
	}
	if !found {
		t.Error("user node lost on connect failure")
	}

	// The stream never delivered, so the search context survives for retry.
	if len(c.Session().PendingSearch) != 1 {
		t.Error("pending search context cleared by a failed connect")
	}
}

func TestSend_SearchContextSpentOnDelivery(t *testing.T) {
	c, _ := newTestController(t, scriptedBackend("ok"))
	c.Session().AddSearchResults([]model.SearchResult{{Title: "t"}})

	if err := c.Send(context.Background(), "q", nil); err != nil {
		t.Fatal(err)
	}
	if len(c.Session().PendingSearch) != 0 {
		t.Error("pending search context not cleared after a live stream")
	}
}

func TestSend_CancelMidStream(t *testing.T) {
	// Stream one character at a time and cancel once 40 have arrived.
	fragments := strings.Split(strings.Repeat("x", 80), "")
	backend := scriptedBackend(fragments...)

	var c *Controller
	var store *storage.Store
	c, store = newTestController(t, backend)
	c.config.OnDelta = func(content string) {
		if len(content) == 40 {
			c.Cancel()
		}
	}

	if err := c.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("cancellation must not surface as an error, got %v", err)
	}
	if c.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", c.State())
	}

	leaf := c.Session().Tree.ActiveLeaf()
	if len(leaf.Content) != 40 {
		t.Errorf("partial content length = %d, want 40", len(leaf.Content))
	}
	if leaf.Finish != model.FinishCancelled {
		t.Errorf("finish = %q, want cancelled", leaf.Finish)
	}

	// The session with the partial node still round-trips.
	c.WaitForSaves()
	loaded, err := store.Load(c.Session().ID)
	if err != nil {
		t.Fatalf("Load after cancel: %v", err)
	}
	if err := loaded.Tree.Validate(); err != nil {
		t.Errorf("persisted tree invalid: %v", err)
	}
	if got := loaded.Tree.ActiveLeaf().Content; len(got) != 40 {
		t.Errorf("persisted partial length = %d, want 40", len(got))
	}
}

func TestSend_StreamFailureKeepsPartial(t *testing.T) {
	streamErr := errors.New("connection reset")
	backend := backendFunc(func(ctx context.Context, _, _, _ string, _ *ollama.Options, cb ollama.StreamCallback) error {
		cb(ollama.StreamChunk{Content: "partial "})
		cb(ollama.StreamChunk{Content: "answer"})
		return streamErr
	})
	c, store := newTestController(t, backend)

	err := c.Send(context.Background(), "q", nil)
	if !errors.Is(err, streamErr) {
		t.Fatalf("err = %v, want the stream error", err)
	}
	if c.State() != StateFailed {
		t.Errorf("state = %v, want failed", c.State())
	}

	leaf := c.Session().Tree.ActiveLeaf()
	if leaf.Content != "partial answer" {
		t.Errorf("content = %q, partial must be retained", leaf.Content)
	}
	if leaf.Finish != model.FinishFailed {
		t.Errorf("finish = %q, want failed", leaf.Finish)
	}

	// Failed sends are persisted too.
	c.WaitForSaves()
	if _, err := store.Load(c.Session().ID); err != nil {
		t.Errorf("Load after failure: %v", err)
	}
}

func TestSend_BusyWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := backendFunc(func(ctx context.Context, _, _, _ string, _ *ollama.Options, cb ollama.StreamCallback) error {
		close(started)
		<-release
		cb(ollama.StreamChunk{Done: true})
		return nil
	})
	c, _ := newTestController(t, backend)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Send(context.Background(), "first", nil) }()

	<-started
	if err := c.Send(context.Background(), "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(release)

	if err := <-errCh; err != nil {
		t.Fatalf("first send: %v", err)
	}
}

// =============================================================================
// EDIT AND REGENERATE
// =============================================================================

func TestEdit_DetachesAndRegenerates(t *testing.T) {
	c, _ := newTestController(t, scriptedBackend("original answer"))
	if err := c.Send(context.Background(), "original question", nil); err != nil {
		t.Fatal(err)
	}

	var userID string
	for _, msg := range c.Session().Tree.ActivePath() {
		if msg.Role == model.RoleUser {
			userID = msg.ID
		}
	}

	c.backend = scriptedBackend("revised answer")
	if err := c.Edit(context.Background(), userID, "revised question"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	user := c.Session().Tree.Node(userID)
	if user.Content != "revised question" {
		t.Errorf("content = %q", user.Content)
	}
	if len(user.ChildIDs) != 1 {
		t.Fatalf("edited node has %d children, want only the regenerated reply", len(user.ChildIDs))
	}

	leaf := c.Session().Tree.ActiveLeaf()
	if leaf.Content != "revised answer" {
		t.Errorf("active leaf = %q", leaf.Content)
	}
}

func TestRegenerate_BranchNavigation(t *testing.T) {
	c, _ := newTestController(t, scriptedBackend("answer one"))
	if err := c.Send(context.Background(), "q", nil); err != nil {
		t.Fatal(err)
	}

	for _, reply := range []string{"answer two", "answer three"} {
		c.backend = scriptedBackend(reply)
		leaf := c.Session().Tree.ActiveLeaf()
		if err := c.Regenerate(context.Background(), leaf.ID); err != nil {
			t.Fatalf("Regenerate: %v", err)
		}
	}

	leaf := c.Session().Tree.ActiveLeaf()
	if leaf.Content != "answer three" {
		t.Errorf("active leaf = %q", leaf.Content)
	}

	info, err := c.Session().Tree.BranchInfo(leaf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Index != 3 || info.Total != 3 {
		t.Errorf("branch info = %+v, want {3 3}", info)
	}

	// Navigate back to the first response.
	if err := c.Session().Tree.SelectBranch(leaf.ID, model.DirPrev); err != nil {
		t.Fatal(err)
	}
	if err := c.Session().Tree.SelectBranch(c.Session().Tree.ActiveLeaf().ID, model.DirPrev); err != nil {
		t.Fatal(err)
	}
	if got := c.Session().Tree.ActiveLeaf().Content; got != "answer one" {
		t.Errorf("after two prev, active leaf = %q, want 'answer one'", got)
	}
}

// gatedSaver blocks KV writes until the gate opens, keeping a save in
// flight while the test mutates the live session.
type gatedSaver struct {
	store *storage.Store
	gate  chan struct{}
}

func (g *gatedSaver) Encode(s *model.Session) ([]byte, error) { return g.store.Encode(s) }

func (g *gatedSaver) Write(id string, data []byte) error {
	<-g.gate
	return g.store.Write(id, data)
}

// TestSave_SnapshotIsolatedFromLiveSession pins down that persistence
// snapshots the session on the controller's flow: mutations made while the
// KV write is still in flight must not leak into the stored record, and
// the writer goroutine must never read the live tree.
func TestSave_SnapshotIsolatedFromLiveSession(t *testing.T) {
	kv, err := storage.NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewStore(kv)
	saver := &gatedSaver{store: store, gate: make(chan struct{})}

	session := model.NewSession()
	c := NewController(session, scriptedBackend("saved answer"), nil, saver, Config{Model: "test"})

	if err := c.Send(context.Background(), "question", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The write is parked on the gate. Mutate the live session the way the
	// next turn would.
	leaf := session.Tree.ActiveLeaf()
	if _, err := session.Tree.AppendChild(leaf.ID, model.NewUserMessage("next question")); err != nil {
		t.Fatalf("AppendChild failed: %v", err)
	}
	session.Title = "mutated after snapshot"

	close(saver.gate)
	c.WaitForSaves()

	loaded, err := store.Load(session.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	path := loaded.Tree.ActivePath()
	if len(path) != 2 {
		t.Fatalf("stored path length = %d, want 2 (snapshot state)", len(path))
	}
	if got := path[len(path)-1].Content; got != "saved answer" {
		t.Errorf("stored leaf = %q, want the settled answer", got)
	}
	if loaded.Title == "mutated after snapshot" {
		t.Error("post-snapshot title mutation leaked into the stored record")
	}
}

// =============================================================================
// SAVE QUEUE
// =============================================================================

func TestSaveQueue_Coalesces(t *testing.T) {
	var saves atomic.Int32
	gate := make(chan struct{})
	q := newSaveQueue(func(data []byte) error {
		saves.Add(1)
		<-gate
		return nil
	})

	q.Enqueue([]byte("a"))
	// Burst while the first write is blocked: all collapse into one pending.
	for i := 0; i < 10; i++ {
		q.Enqueue([]byte("b"))
	}
	close(gate)
	q.Wait()

	if got := saves.Load(); got != 2 {
		t.Errorf("saves = %d, want 2 (in-flight + one coalesced)", got)
	}
}

// TestSaveQueue_WritesLastSnapshot checks that snapshots queued behind an
// in-flight write collapse to the newest one, and that the writer only
// ever sees the bytes it was handed.
func TestSaveQueue_WritesLastSnapshot(t *testing.T) {
	var mu sync.Mutex
	var written []string
	gate := make(chan struct{})
	q := newSaveQueue(func(data []byte) error {
		mu.Lock()
		written = append(written, string(data))
		mu.Unlock()
		if len(data) == 1 {
			<-gate
		}
		return nil
	})

	q.Enqueue([]byte("1"))
	q.Enqueue([]byte("stale"))
	q.Enqueue([]byte("newest"))
	close(gate)
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(written) != 2 || written[0] != "1" || written[1] != "newest" {
		t.Errorf("writes = %v, want [1 newest]", written)
	}
}

func TestSaveQueue_IdleWaitReturns(t *testing.T) {
	q := newSaveQueue(func(data []byte) error { return nil })

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on an idle queue blocked")
	}
}

// =============================================================================
// STATE STRINGS
// =============================================================================

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateComposing, "composing"},
		{StateStreaming, "streaming"},
		{StateSettled, "settled"},
		{StateCancelled, "cancelled"},
		{StateFailed, "failed"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
