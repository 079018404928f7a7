// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"testing"
)

// buildLinear appends a user/assistant exchange pair to the tree's active
// leaf and returns the two new messages.
func buildLinear(t *testing.T, tree *Tree, userText, assistantText string) (*Message, *Message) {
	t.Helper()

	user := NewUserMessage(userText)
	if _, err := tree.AppendChild(tree.ActiveLeaf().ID, user); err != nil {
		t.Fatalf("append user: %v", err)
	}

	assistant := NewAssistantMessage()
	if _, err := tree.AppendChild(user.ID, assistant); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	assistant.AppendToken(assistantText)
	assistant.FinalizeStream(FinishOK, nil)

	return user, assistant
}

// =============================================================================
// APPEND / ACTIVE PATH
// =============================================================================

func TestTree_AppendChild(t *testing.T) {
	tree := NewTree()

	user := NewUserMessage("hello")
	id, err := tree.AppendChild(tree.RootID, user)
	if err != nil {
		t.Fatalf("AppendChild failed: %v", err)
	}
	if id != user.ID {
		t.Errorf("returned id = %q, want %q", id, user.ID)
	}
	if user.ParentID != tree.RootID {
		t.Errorf("ParentID = %q, want root %q", user.ParentID, tree.RootID)
	}
	if tree.Root().ActiveChild != 0 {
		t.Errorf("root ActiveChild = %d, want 0", tree.Root().ActiveChild)
	}
}

func TestTree_AppendChild_UnknownParent(t *testing.T) {
	tree := NewTree()
	_, err := tree.AppendChild("msg_nope", NewUserMessage("hi"))
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestTree_ActivePath_Linear(t *testing.T) {
	tree := NewTree()
	u1, a1 := buildLinear(t, tree, "first", "reply one")
	u2, a2 := buildLinear(t, tree, "second", "reply two")

	path := tree.ActivePath()
	want := []*Message{u1, a1, u2, a2}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i].ID != want[i].ID {
			t.Errorf("path[%d] = %s, want %s", i, path[i].ID, want[i].ID)
		}
	}
}

func TestTree_ActivePath_SkipsEmptyRoot(t *testing.T) {
	tree := NewTree()
	path := tree.ActivePath()
	if len(path) != 0 {
		t.Errorf("empty tree path length = %d, want 0", len(path))
	}
}

func TestTree_ActivePath_Terminates(t *testing.T) {
	// Deep chain: the walk must terminate and every visited node must have
	// a valid active child index.
	tree := NewTree()
	for i := 0; i < 200; i++ {
		buildLinear(t, tree, "q", "a")
	}

	path := tree.ActivePath()
	if len(path) != 400 {
		t.Fatalf("path length = %d, want 400", len(path))
	}
	for _, msg := range path {
		if len(msg.ChildIDs) > 0 && (msg.ActiveChild < 0 || msg.ActiveChild >= len(msg.ChildIDs)) {
			t.Errorf("node %s active child %d out of range", msg.ID, msg.ActiveChild)
		}
	}
	if err := tree.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// =============================================================================
// EDIT
// =============================================================================

func TestTree_EditMessage(t *testing.T) {
	tree := NewTree()
	u1, a1 := buildLinear(t, tree, "original", "reply")
	buildLinear(t, tree, "followup", "another reply")

	if err := tree.EditMessage(u1.ID, "edited"); err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}

	// Path up to and including the edited node is unchanged; everything
	// after is gone until a new child is appended.
	path := tree.ActivePath()
	if len(path) != 1 || path[0].ID != u1.ID {
		t.Fatalf("path after edit = %d nodes, want just the edited node", len(path))
	}
	if path[0].Content != "edited" {
		t.Errorf("content = %q, want %q", path[0].Content, "edited")
	}

	// The orphaned subtree stays addressable in the arena for audit.
	if tree.Node(a1.ID) == nil {
		t.Error("orphaned assistant node should remain in the arena")
	}

	// Regeneration after edit extends the path again.
	regen, err := tree.Regenerate(u1.ID)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	regen.AppendToken("new reply")
	regen.FinalizeStream(FinishOK, nil)

	path = tree.ActivePath()
	if len(path) != 2 || path[1].ID != regen.ID {
		t.Errorf("path after regen = %d nodes, want edited node + new assistant", len(path))
	}
}

func TestTree_EditMessage_Errors(t *testing.T) {
	tree := NewTree()
	_, a1 := buildLinear(t, tree, "q", "a")

	if err := tree.EditMessage("msg_missing", "x"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
	if err := tree.EditMessage(a1.ID, "x"); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
}

// =============================================================================
// REGENERATE / BRANCH NAVIGATION
// =============================================================================

func TestTree_Regenerate_Scenario(t *testing.T) {
	// New session, send a question, regenerate twice: the assistant node's
	// branch info must read 3 of 3, and navigating previous twice must
	// land on 1 of 3.
	tree := NewTree()
	user, assistant := buildLinear(t, tree, "Explain quantum physics", "answer one")

	for i := 0; i < 2; i++ {
		regen, err := tree.Regenerate(user.ID)
		if err != nil {
			t.Fatalf("Regenerate %d failed: %v", i, err)
		}
		regen.AppendToken("another answer")
		regen.FinalizeStream(FinishOK, nil)
	}

	info, err := tree.BranchInfo(assistant.ID)
	if err != nil {
		t.Fatalf("BranchInfo failed: %v", err)
	}
	if info.Index != 3 || info.Total != 3 {
		t.Errorf("branch info = {%d,%d}, want {3,3}", info.Index, info.Total)
	}

	// Newest branch is active by default.
	leaf := tree.ActiveLeaf()
	if leaf.ID == assistant.ID {
		t.Error("active leaf should be the newest regeneration, not the original")
	}

	for i := 0; i < 2; i++ {
		if err := tree.SelectBranch(user.ID, DirPrev); err != nil {
			t.Fatalf("SelectBranch failed: %v", err)
		}
	}
	info, _ = tree.BranchInfo(assistant.ID)
	if info.Index != 1 || info.Total != 3 {
		t.Errorf("after previous x2, branch info = {%d,%d}, want {1,3}", info.Index, info.Total)
	}
	if tree.ActiveLeaf().ID != assistant.ID {
		t.Error("after previous x2, the original answer should be active")
	}
}

func TestTree_SelectBranch_Clamps(t *testing.T) {
	tree := NewTree()
	user, _ := buildLinear(t, tree, "q", "a")
	tree.Regenerate(user.ID)

	// Walk far past both boundaries; no error, index stays in range.
	for i := 0; i < 5; i++ {
		if err := tree.SelectBranch(user.ID, DirNext); err != nil {
			t.Fatalf("SelectBranch next failed: %v", err)
		}
	}
	if got := tree.Node(user.ID).ActiveChild; got != 1 {
		t.Errorf("ActiveChild after next x5 = %d, want 1", got)
	}

	for i := 0; i < 5; i++ {
		if err := tree.SelectBranch(user.ID, DirPrev); err != nil {
			t.Fatalf("SelectBranch prev failed: %v", err)
		}
	}
	if got := tree.Node(user.ID).ActiveChild; got != 0 {
		t.Errorf("ActiveChild after prev x5 = %d, want 0", got)
	}
}

func TestTree_SelectBranch_ChildlessNoop(t *testing.T) {
	tree := NewTree()
	_, a1 := buildLinear(t, tree, "q", "a")
	if err := tree.SelectBranch(a1.ID, DirNext); err != nil {
		t.Errorf("SelectBranch on childless node should be a no-op, got %v", err)
	}
}

func TestTree_BranchInfo_SingleChild(t *testing.T) {
	tree := NewTree()
	_, a1 := buildLinear(t, tree, "q", "a")

	info, err := tree.BranchInfo(a1.ID)
	if err != nil {
		t.Fatalf("BranchInfo failed: %v", err)
	}
	if info.Index != 1 || info.Total != 1 {
		t.Errorf("branch info = {%d,%d}, want {1,1}", info.Index, info.Total)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestTree_Validate(t *testing.T) {
	tree := NewTree()
	buildLinear(t, tree, "q", "a")
	if err := tree.Validate(); err != nil {
		t.Fatalf("valid tree rejected: %v", err)
	}

	t.Run("dangling child", func(t *testing.T) {
		bad := NewTree()
		u, _ := buildLinear(t, bad, "q", "a")
		bad.Node(u.ID).ChildIDs = append(bad.Node(u.ID).ChildIDs, "msg_ghost")
		if err := bad.Validate(); err == nil {
			t.Error("expected error for dangling child reference")
		}
	})

	t.Run("dangling parent", func(t *testing.T) {
		bad := NewTree()
		_, a := buildLinear(t, bad, "q", "a")
		bad.Node(a.ID).ParentID = "msg_ghost"
		if err := bad.Validate(); err == nil {
			t.Error("expected error for dangling parent reference")
		}
	})

	t.Run("active child out of range", func(t *testing.T) {
		bad := NewTree()
		u, _ := buildLinear(t, bad, "q", "a")
		bad.Node(u.ID).ActiveChild = 7
		if err := bad.Validate(); err == nil {
			t.Error("expected error for out-of-range active child")
		}
	})
}

// =============================================================================
// SESSION
// =============================================================================

func TestSession_TitleFromFirstUserMessage(t *testing.T) {
	s := NewSession()
	buildLinear(t, s.Tree, "How do tides work?", "Gravity, mostly.")

	s.UpdateTitle()
	if s.Title != "How do tides work?" {
		t.Errorf("title = %q, want first user message", s.Title)
	}

	// A set title is not overwritten.
	buildLinear(t, s.Tree, "other question", "other answer")
	s.UpdateTitle()
	if s.Title != "How do tides work?" {
		t.Errorf("title changed to %q", s.Title)
	}
}

func TestSession_PendingSearch(t *testing.T) {
	s := NewSession()
	s.AddSearchResults([]SearchResult{{Title: "t", URL: "u", Snippet: "s"}})
	s.AddSearchResults([]SearchResult{{Title: "t2", URL: "u2", Snippet: "s2"}})

	if got := len(s.TakePendingSearch()); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	// Take does not clear; a failed send keeps the context.
	if got := len(s.TakePendingSearch()); got != 2 {
		t.Errorf("pending after take = %d, want 2", got)
	}
	s.ClearPendingSearch()
	if got := len(s.TakePendingSearch()); got != 0 {
		t.Errorf("pending after clear = %d, want 0", got)
	}
}

func TestMessage_FinalizeStream(t *testing.T) {
	m := NewAssistantMessage()
	m.AppendToken("hel")
	m.AppendToken("lo")

	stats := NewStatistics()
	stats.RecordFirstToken()
	stats.Finalize(2)
	m.FinalizeStream(FinishOK, stats)

	if m.Content != "hello" {
		t.Errorf("content = %q, want %q", m.Content, "hello")
	}
	if m.IsStreaming {
		t.Error("message should no longer be streaming")
	}
	if m.Finish != FinishOK {
		t.Errorf("finish = %q, want ok", m.Finish)
	}
	if m.CharCount != 5 {
		t.Errorf("char count = %d, want 5", m.CharCount)
	}
	if m.TokenCount != 2 {
		t.Errorf("token count = %d, want 2", m.TokenCount)
	}
}
