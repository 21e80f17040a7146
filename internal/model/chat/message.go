package chat

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Message is a node of a chat's conversation tree.
type Message struct {
	ID        string
	ChatID    string
	ParentID  string // empty only for the chat root
	Role      Role
	Text      string
	CreatedAt time.Time
	Seq       int64
}

// IsRoot reports whether the message is its chat's root.
func (m Message) IsRoot() bool {
	return m.ParentID == ""
}

type messageJSON struct {
	ID        string  `json:"id"`
	ChatID    string  `json:"chatId"`
	ParentID  *string `json:"parentId"`
	Role      Role    `json:"role"`
	Text      string  `json:"text"`
	CreatedAt string  `json:"createdAt"`
	Seq       int64   `json:"seq"`
}

// MarshalJSON renders the root's parent as null and timestamps as RFC 3339 UTC.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Text:      m.Text,
		CreatedAt: FormatTime(m.CreatedAt),
		Seq:       m.Seq,
	}
	if m.ParentID != "" {
		parent := m.ParentID
		out.ParentID = &parent
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON; used by clients and tests.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	created, err := ParseTime(in.CreatedAt)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        in.ID,
		ChatID:    in.ChatID,
		Role:      in.Role,
		Text:      in.Text,
		CreatedAt: created,
		Seq:       in.Seq,
	}
	if in.ParentID != nil {
		m.ParentID = *in.ParentID
	}
	return nil
}

// TimeLayout is RFC 3339 in UTC with a fixed nine-digit fraction, so the
// text sorts in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in the sortable textual form used on the wire.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses the wire timestamp form; an empty string yields the zero
// time. Shorter fractions are accepted as well.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
