// Package tree stores the per-chat message trees and walks them in a
// deterministic order.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidParent = errors.New("parent belongs to another chat")
	ErrValidation    = errors.New("invalid argument")
)

// DefaultLimit applies when a walk is requested without a positive limit.
const DefaultLimit = 16

// Store is the conversation tree contract shared by every storage engine.
type Store interface {
	// CreateChat atomically creates a chat together with its root message.
	CreateChat(ctx context.Context, ownerID, agentID, title, rootText string) (chat.Chat, chat.Message, error)
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error)
	// Insert appends a child under parentID, assigns the chat's next sequence
	// number and advances the chat's last-touched id.
	Insert(ctx context.Context, chatID, parentID string, role chat.Role, text string) (chat.Message, error)
	Get(ctx context.Context, id string) (chat.Message, error)
	// Children returns the direct replies of id in insertion order.
	Children(ctx context.Context, id string) ([]chat.Message, error)
	Descendants(ctx context.Context, id, after string, limit int, dir chat.Direction) (Page, error)
	Ancestors(ctx context.Context, id string, limit int) (Page, error)
	// BranchAnchor returns the nearest proper ancestor of id with more than
	// one child, or the root.
	BranchAnchor(ctx context.Context, id string) (string, error)
	Close() error
}

// Page is one bounded window of a walk.
type Page struct {
	Messages []chat.Message
	// Cursor is the id to resume from: the last visited node for
	// descendants, the topmost node for ancestors.
	Cursor  string
	HasMore bool
}

func validateInsert(chatID, parentID string, role chat.Role, text string) error {
	switch {
	case chatID == "":
		return fmt.Errorf("%w: chat id is required", ErrValidation)
	case parentID == "":
		return fmt.Errorf("%w: parent id is required", ErrValidation)
	case !role.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	case text == "":
		return fmt.Errorf("%w: text is required", ErrValidation)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
