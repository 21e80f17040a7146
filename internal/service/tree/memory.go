package tree

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

// MemoryStore keeps every tree in process memory: an arena indexed by id
// plus a parent → ordered children index.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]chat.Chat
	messages map[string]chat.Message
	children map[string][]string
	seq      map[string]int64

	now   func() time.Time
	newID func() string
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]chat.Chat),
		messages: make(map[string]chat.Message),
		children: make(map[string][]string),
		seq:      make(map[string]int64),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// CreateChat provisions a chat and its root message.
func (s *MemoryStore) CreateChat(_ context.Context, ownerID, agentID, title, rootText string) (chat.Chat, chat.Message, error) {
	if ownerID == "" {
		return chat.Chat{}, chat.Message{}, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	now := s.now()
	c := chat.Chat{
		ID:        s.newID(),
		OwnerID:   ownerID,
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
	}
	root := chat.Message{
		ID:        s.newID(),
		ChatID:    c.ID,
		Role:      chat.RoleSystem,
		Text:      rootText,
		CreatedAt: now,
		Seq:       1,
	}
	c.RootID = root.ID
	c.LastTouchedID = root.ID

	s.mu.Lock()
	s.chats[c.ID] = c
	s.messages[root.ID] = root
	s.seq[c.ID] = 1
	s.mu.Unlock()

	return c, root, nil
}

// GetChat retrieves a chat by identifier.
func (s *MemoryStore) GetChat(_ context.Context, chatID string) (chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return c, nil
}

// ListChats returns the chats owned by ownerID, newest first.
func (s *MemoryStore) ListChats(_ context.Context, ownerID string) ([]chat.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Chat
	for _, c := range s.chats {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b chat.Chat) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Insert appends a message under parentID.
func (s *MemoryStore) Insert(_ context.Context, chatID, parentID string, role chat.Role, text string) (chat.Message, error) {
	if err := validateInsert(chatID, parentID, role, text); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.messages[parentID]
	if !ok {
		return chat.Message{}, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	if parent.ChatID != chatID {
		return chat.Message{}, fmt.Errorf("parent %s: %w", parentID, ErrInvalidParent)
	}
	c, ok := s.chats[chatID]
	if !ok {
		return chat.Message{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	s.seq[chatID]++
	msg := chat.Message{
		ID:        s.newID(),
		ChatID:    chatID,
		ParentID:  parentID,
		Role:      role,
		Text:      text,
		CreatedAt: s.now(),
		Seq:       s.seq[chatID],
	}
	s.messages[msg.ID] = msg
	s.children[parentID] = append(s.children[parentID], msg.ID)
	c.LastTouchedID = msg.ID
	s.chats[chatID] = c

	return msg, nil
}

// Get retrieves a message by identifier.
func (s *MemoryStore) Get(_ context.Context, id string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

// Children returns the replies to id in insertion order.
func (s *MemoryStore) Children(_ context.Context, id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.messages[id]; !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	ids := s.children[id]
	out := make([]chat.Message, 0, len(ids))
	for _, childID := range ids {
		out = append(out, s.messages[childID])
	}
	return out, nil
}

func (s *MemoryStore) childIDs(_ context.Context, id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// children are only ever appended, so a copy of the header is a stable snapshot
	ids := s.children[id]
	return ids[:len(ids):len(ids)], nil
}

// Descendants walks the subtree under id.
func (s *MemoryStore) Descendants(ctx context.Context, id, after string, limit int, dir chat.Direction) (Page, error) {
	return descendants(ctx, s, id, after, limit, dir)
}

// Ancestors walks from id toward the root.
func (s *MemoryStore) Ancestors(ctx context.Context, id string, limit int) (Page, error) {
	return ancestors(ctx, s, id, limit)
}

// BranchAnchor finds the nearest branching ancestor of id.
func (s *MemoryStore) BranchAnchor(ctx context.Context, id string) (string, error) {
	return branchAnchor(ctx, s, id)
}

// Close is a no-op for the in-memory engine.
func (s *MemoryStore) Close() error {
	return nil
}
