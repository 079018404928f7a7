// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNodeNotFound is returned when a message ID is not in the tree.
	ErrNodeNotFound = errors.New("message not found")

	// ErrNotEditable is returned when editing a non-user message.
	ErrNotEditable = errors.New("only user messages can be edited")
)

// =============================================================================
// CONVERSATION TREE
// =============================================================================

// Tree is a branching conversation history. Nodes live in a flat arena
// keyed by message ID; parent/child ID fields encode the structure. Nodes
// are only ever created as new children and never re-parented, which makes
// cycles structurally unreachable.
type Tree struct {
	RootID string              `json:"root_id"`
	Nodes  map[string]*Message `json:"nodes"`
}

// NewTree creates a tree with a synthetic system root node.
func NewTree() *Tree {
	root := NewSystemMessage("")
	return &Tree{
		RootID: root.ID,
		Nodes:  map[string]*Message{root.ID: root},
	}
}

// Root returns the root message.
func (t *Tree) Root() *Message {
	return t.Nodes[t.RootID]
}

// Node returns a message by ID, or nil if absent.
func (t *Tree) Node(id string) *Message {
	return t.Nodes[id]
}

// Len returns the number of nodes including the synthetic root.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// =============================================================================
// MUTATION
// =============================================================================

// AppendChild adds msg as the last child of parentID and makes it the
// active branch, so a fresh branch is shown immediately. Returns the new
// message ID.
func (t *Tree) AppendChild(parentID string, msg *Message) (string, error) {
	parent, ok := t.Nodes[parentID]
	if !ok {
		return "", fmt.Errorf("append child of %s: %w", parentID, ErrNodeNotFound)
	}

	msg.ParentID = parentID
	t.Nodes[msg.ID] = msg

	parent.ChildIDs = append(parent.ChildIDs, msg.ID)
	parent.ActiveChild = len(parent.ChildIDs) - 1

	return msg.ID, nil
}

// EditMessage replaces the content of a user message and detaches all of
// its descendants from the active path by clearing its child list. The
// orphaned subtree stays in the arena for audit; it is simply unreachable
// from the root. The caller is expected to append a regenerated assistant
// child right after.
func (t *Tree) EditMessage(id, newContent string) error {
	msg, ok := t.Nodes[id]
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrNodeNotFound)
	}
	if msg.Role != RoleUser {
		return fmt.Errorf("edit %s (%s): %w", id, msg.Role, ErrNotEditable)
	}

	msg.Content = newContent
	msg.ChildIDs = nil
	msg.ActiveChild = 0
	return nil
}

// Regenerate creates a fresh streaming assistant message as a sibling
// branch under parentID. Existing branches are kept; the new one becomes
// active.
func (t *Tree) Regenerate(parentID string) (*Message, error) {
	msg := NewAssistantMessage()
	if _, err := t.AppendChild(parentID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// =============================================================================
// BRANCH NAVIGATION
// =============================================================================

// Direction selects a sibling branch relative to the current one.
type Direction int

const (
	// DirPrev moves to the previous (older) branch.
	DirPrev Direction = -1
	// DirNext moves to the next (newer) branch.
	DirNext Direction = 1
)

// SelectBranch moves a node's active child index by one in the given
// direction. Movement past either end is a no-op, not an error; only an
// unknown node ID fails.
func (t *Tree) SelectBranch(nodeID string, dir Direction) error {
	node, ok := t.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("select branch of %s: %w", nodeID, ErrNodeNotFound)
	}
	if len(node.ChildIDs) == 0 {
		return nil
	}

	next := node.ActiveChild + int(dir)
	if next < 0 || next >= len(node.ChildIDs) {
		return nil
	}
	node.ActiveChild = next
	return nil
}

// BranchInfo describes a node's position among its siblings for display:
// Index is 1-based; Total == 1 means there is nothing to navigate.
type BranchInfo struct {
	Index int
	Total int
}

// BranchInfo returns branch position info for the children of nodeID's
// parent — i.e. how many sibling alternatives nodeID has and which one is
// active.
func (t *Tree) BranchInfo(nodeID string) (BranchInfo, error) {
	node, ok := t.Nodes[nodeID]
	if !ok {
		return BranchInfo{}, fmt.Errorf("branch info of %s: %w", nodeID, ErrNodeNotFound)
	}

	parent, ok := t.Nodes[node.ParentID]
	if !ok {
		// The root has no siblings.
		return BranchInfo{Index: 1, Total: 1}, nil
	}

	return BranchInfo{
		Index: parent.ActiveChild + 1,
		Total: len(parent.ChildIDs),
	}, nil
}

// =============================================================================
// ACTIVE PATH
// =============================================================================

// ActivePath returns the messages from the root down to a leaf, following
// each node's active child. The synthetic root is included only if it has
// content. The path is recomputed on every call, never cached.
func (t *Tree) ActivePath() []*Message {
	var path []*Message

	node := t.Root()
	if node == nil {
		return path
	}
	if !node.IsEmpty() {
		path = append(path, node)
	}

	for len(node.ChildIDs) > 0 {
		idx := node.ActiveChild
		if idx < 0 || idx >= len(node.ChildIDs) {
			break
		}
		child, ok := t.Nodes[node.ChildIDs[idx]]
		if !ok {
			break
		}
		path = append(path, child)
		node = child
	}

	return path
}

// ActiveLeaf returns the last message on the active path, or the root if
// the path is empty.
func (t *Tree) ActiveLeaf() *Message {
	node := t.Root()
	if node == nil {
		return nil
	}
	for len(node.ChildIDs) > 0 {
		idx := node.ActiveChild
		if idx < 0 || idx >= len(node.ChildIDs) {
			break
		}
		child, ok := t.Nodes[node.ChildIDs[idx]]
		if !ok {
			break
		}
		node = child
	}
	return node
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the structural invariants: the root exists, every child
// and parent reference resolves, active child indices are in range, and
// walking from the root never revisits a node. Persisted payloads that
// fail this check are rejected as corrupt rather than partially recovered.
func (t *Tree) Validate() error {
	if t.Nodes == nil {
		return errors.New("tree has no node map")
	}
	root, ok := t.Nodes[t.RootID]
	if !ok {
		return fmt.Errorf("root %s missing from node map", t.RootID)
	}
	if root.ParentID != "" {
		return fmt.Errorf("root %s has parent %s", t.RootID, root.ParentID)
	}

	for id, node := range t.Nodes {
		if node == nil {
			return fmt.Errorf("node %s is nil", id)
		}
		if node.ID != id {
			return fmt.Errorf("node keyed %s has ID %s", id, node.ID)
		}
		if id != t.RootID {
			if _, ok := t.Nodes[node.ParentID]; !ok {
				return fmt.Errorf("node %s has dangling parent %s", id, node.ParentID)
			}
		}
		for _, childID := range node.ChildIDs {
			child, ok := t.Nodes[childID]
			if !ok {
				return fmt.Errorf("node %s has dangling child %s", id, childID)
			}
			if child.ParentID != id {
				return fmt.Errorf("child %s of %s points back at %s", childID, id, child.ParentID)
			}
		}
		if len(node.ChildIDs) > 0 {
			if node.ActiveChild < 0 || node.ActiveChild >= len(node.ChildIDs) {
				return fmt.Errorf("node %s active child %d out of range [0,%d)",
					id, node.ActiveChild, len(node.ChildIDs))
			}
		}
	}

	// Walk from the root; a revisit means a cycle snuck into a persisted
	// payload.
	seen := make(map[string]bool, len(t.Nodes))
	var walk func(id string) error
	walk = func(id string) error {
		if seen[id] {
			return fmt.Errorf("cycle detected at node %s", id)
		}
		seen[id] = true
		for _, childID := range t.Nodes[id].ChildIDs {
			if err := walk(childID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.RootID)
}
