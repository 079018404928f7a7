// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"github.com/iris-desktop/iris-core/internal/model"
)

// =============================================================================
// V1.0 -> V2.0 MIGRATION
// =============================================================================

// migrateLinear converts a legacy linear transcript into a tree session.
// Each legacy pair becomes the single child of the previously created node,
// producing one strictly linear chain whose active path reproduces the
// original order exactly. The conversion is deterministic; migrating an
// already-migrated document never reaches this function (decodeDocument
// dispatches v2.0 documents straight to decodeV2).
func migrateLinear(doc *Document) (*model.Session, error) {
	s := model.NewSession()
	if doc.ID != "" {
		s.ID = doc.ID
	}
	s.Title = doc.Title
	if !doc.CreatedAt.IsZero() {
		s.CreatedAt = doc.CreatedAt
	}
	if !doc.UpdatedAt.IsZero() {
		s.UpdatedAt = doc.UpdatedAt
	} else {
		s.UpdatedAt = s.CreatedAt
	}

	parentID := s.Tree.RootID
	for _, legacy := range doc.Messages {
		role := model.Role(legacy.Role)
		if !role.Valid() {
			// v1.0 writers only ever produced user/assistant/system;
			// anything else is treated as user text rather than dropped.
			role = model.RoleUser
		}

		msg := model.NewMessage(role, legacy.Content)
		if _, err := s.Tree.AppendChild(parentID, msg); err != nil {
			return nil, err
		}
		parentID = msg.ID
	}

	s.UpdateTitle()
	return s, nil
}
