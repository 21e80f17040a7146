package chat

import "time"

// Chat is a conversation owning exactly one message tree.
type Chat struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	AgentID       string    `json:"agentId,omitempty"`
	Title         string    `json:"title,omitempty"`
	RootID        string    `json:"rootId"`
	LastTouchedID string    `json:"lastTouchedId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Direction biases which sibling branch a descendant walk visits first.
type Direction string

const (
	// Left visits the earliest inserted sibling first.
	Left Direction = "left"
	// Right visits the latest inserted sibling first.
	Right Direction = "right"
)

// Valid reports whether d is left or right.
func (d Direction) Valid() bool {
	return d == Left || d == Right
}
