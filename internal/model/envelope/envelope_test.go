package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

func TestDecodeFoldsAliases(t *testing.T) {
	in, err := Decode([]byte(`{"cmd":"send_message","parent_id":"p1","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, CmdSendMessage, in.Cmd)
	assert.Equal(t, "p1", in.ParentID)
	assert.Equal(t, "hello", in.Text)

	in, err = Decode([]byte(`{"cmd":"send","parentId":"p2","parent_id":"ignored","text":"hi","content":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "p2", in.ParentID)
	assert.Equal(t, "hi", in.Text)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"cmd":""}`, `[1,2]`} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestDecodeLimitAcceptsNumericStrings(t *testing.T) {
	cases := map[string]Limit{
		`{"cmd":"fetch_from_top","limit":8}`:     8,
		`{"cmd":"fetch_from_top","limit":"16"}`:  16,
		`{"cmd":"fetch_from_top","limit":" 4 "}`: 4,
		`{"cmd":"fetch_from_top","limit":"-2"}`:  -2,
		`{"cmd":"fetch_from_top","limit":""}`:    0,
		`{"cmd":"fetch_from_top","limit":null}`:  0,
		`{"cmd":"fetch_from_top"}`:               0,
	}
	for raw, want := range cases {
		in, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, in.Limit, raw)
	}

	for _, raw := range []string{
		`{"cmd":"fetch_from_top","limit":"ten"}`,
		`{"cmd":"fetch_from_top","limit":1.5}`,
		`{"cmd":"fetch_from_top","limit":true}`,
	} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestForMessageTagsByRole(t *testing.T) {
	cases := map[chat.Role]string{
		chat.RoleUser:   CmdUserMessage,
		chat.RoleAgent:  CmdAgentMessage,
		chat.RoleSystem: CmdSystemMessage,
	}
	for role, want := range cases {
		assert.Equal(t, want, ForMessage(chat.Message{Role: role}).Cmd)
	}
}

func TestEncodeMessageShape(t *testing.T) {
	msg := chat.Message{
		ID:        "m1",
		ChatID:    "c1",
		ParentID:  "r1",
		Role:      chat.RoleUser,
		Text:      "hello",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Seq:       2,
	}
	data, err := Encode(ForMessage(msg))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"cmd":"user_message",
		"message":{"id":"m1","chatId":"c1","parentId":"r1","role":"user","text":"hello","createdAt":"2026-01-02T03:04:05.000000000Z","seq":2}
	}`, string(data))

	var back struct {
		Message chat.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, msg, back.Message)
}

func TestRootParentIsNull(t *testing.T) {
	data, err := json.Marshal(chat.Message{ID: "r", ChatID: "c", Role: chat.RoleSystem, Seq: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"parentId":null`)
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, Error(CodeAlreadyLocked, "busy").Retryable)
	assert.True(t, Error(CodeInternal, "boom").Retryable)
	assert.False(t, Error(CodeValidation, "bad").Retryable)
	assert.False(t, Error(CodeNotFound, "gone").Retryable)
}

func TestHistoryMessagesNeverNull(t *testing.T) {
	data, err := Encode(NewHistory(History{Kind: KindDescendants}))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messages":[]`)
}
