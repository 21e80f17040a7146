package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

// Outbound tags. The set is closed: nothing else is ever written to a session.
const (
	CmdAck           = "ack"
	CmdUserMessage   = "user_message"
	CmdAgentMessage  = "agent_message"
	CmdSystemMessage = "system_message"
	CmdHistory       = "history"
	CmdChatLocked    = "chat_locked"
	CmdChatUnlocked  = "chat_unlocked"
	CmdError         = "error"
	CmdPong          = "pong"
)

// Inbound command tags.
const (
	CmdSend            = "send"
	CmdSendMessage     = "send_message"
	CmdFetchFromTop    = "fetch_from_top"
	CmdFetchFromBottom = "fetch_from_bottom"
	CmdGet             = "get"
	CmdPing            = "ping"
	CmdClose           = "close"
	CmdDisconnect      = "disconnect"
)

// History kinds.
const (
	KindInit        = "init"
	KindDescendants = "descendants"
	KindAncestors   = "ancestors"
	KindGet         = "get"
)

// Error codes carried by error envelopes.
const (
	CodeValidation    = "validation"
	CodeNotFound      = "not_found"
	CodeAlreadyLocked = "already_locked"
	CodeInternal      = "internal"
	CodeMalformed     = "malformed"
	CodeIdleTimeout   = "idle_timeout"
)

// Envelope is a tagged outbound frame.
type Envelope struct {
	Cmd       string   `json:"cmd"`
	Message   any      `json:"message,omitempty"`
	History   *History `json:"history,omitempty"`
	Error     string   `json:"error,omitempty"`
	Code      string   `json:"code,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
}

// Ack names the id of a freshly persisted message.
type Ack struct {
	ID string `json:"id"`
}

// LockState is the payload of chat_locked and chat_unlocked.
type LockState struct {
	ChatID string `json:"chatId"`
	Locked bool   `json:"locked"`
	Holder string `json:"holder,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// History is a windowed slice of the tree delivered to one session.
type History struct {
	Kind           string         `json:"kind"`
	Anchor         string         `json:"anchor,omitempty"`
	Direction      chat.Direction `json:"direction,omitempty"`
	Messages       []chat.Message `json:"messages"`
	Cursor         string         `json:"cursor,omitempty"`
	HasMore        bool           `json:"hasMore"`
	LastTouchedID  string         `json:"lastTouchedId,omitempty"`
	BranchAnchorID string         `json:"branchAnchorId,omitempty"`
	Locked         *bool          `json:"locked,omitempty"`
}

// Inbound is a command frame sent by a session.
type Inbound struct {
	Cmd       string `json:"cmd"`
	ParentID  string `json:"parentId"`
	ID        string `json:"id"`
	After     string `json:"after"`
	Limit     Limit  `json:"limit"`
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

// Limit is a page size that clients may send as a number or a numeric
// string. null and "" mean unset.
type Limit int

func (l *Limit) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*l = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
		if raw == "" {
			*l = 0
			return nil
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("limit %s is not an integer", data)
	}
	*l = Limit(n)
	return nil
}

type inboundAliases struct {
	ParentIDSnake string `json:"parent_id"`
	Content       string `json:"content"`
}

// Decode parses a raw inbound frame, folding legacy field aliases into Inbound.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	var alias inboundAliases
	if err := json.Unmarshal(raw, &alias); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	if in.ParentID == "" {
		in.ParentID = alias.ParentIDSnake
	}
	if in.Text == "" {
		in.Text = alias.Content
	}
	if in.Cmd == "" {
		return Inbound{}, fmt.Errorf("decode envelope: missing cmd")
	}
	return in, nil
}

// ForMessage tags a persisted message by its role.
func ForMessage(m chat.Message) Envelope {
	cmd := CmdUserMessage
	switch m.Role {
	case chat.RoleAgent:
		cmd = CmdAgentMessage
	case chat.RoleSystem:
		cmd = CmdSystemMessage
	}
	return Envelope{Cmd: cmd, Message: m}
}

// NewAck acknowledges an insert to the session that requested it.
func NewAck(id string) Envelope {
	return Envelope{Cmd: CmdAck, Message: Ack{ID: id}}
}

// Locked announces that chatID now has a writer.
func Locked(chatID, holder string) Envelope {
	return Envelope{Cmd: CmdChatLocked, Message: LockState{ChatID: chatID, Locked: true, Holder: holder}}
}

// Unlocked announces that chatID accepts writes again.
func Unlocked(chatID, reason string) Envelope {
	return Envelope{Cmd: CmdChatUnlocked, Message: LockState{ChatID: chatID, Locked: false, Reason: reason}}
}

// NewHistory wraps a history payload.
func NewHistory(h History) Envelope {
	if h.Messages == nil {
		h.Messages = []chat.Message{}
	}
	return Envelope{Cmd: CmdHistory, History: &h}
}

// Pong answers a ping.
func Pong() Envelope {
	return Envelope{Cmd: CmdPong}
}

// Error builds an error envelope. already_locked and internal are retryable.
func Error(code, text string) Envelope {
	return Envelope{
		Cmd:       CmdError,
		Error:     text,
		Code:      code,
		Retryable: code == CodeAlreadyLocked || code == CodeInternal,
	}
}

// Encode renders the envelope as a text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Cmd, err)
	}
	return data, nil
}
