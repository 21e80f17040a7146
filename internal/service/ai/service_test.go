package ai

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

type fakeModel struct {
	mu    sync.Mutex
	input []*schema.Message
	reply string
	err   error
}

func (m *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.input = input
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *fakeModel) BindTools(_ []*schema.ToolInfo) error { return nil }

type chatsByID map[string]chat.Chat

func (c chatsByID) GetChat(_ context.Context, id string) (chat.Chat, error) {
	ch, ok := c[id]
	if !ok {
		return chat.Chat{}, errors.New("no chat")
	}
	return ch, nil
}

func branchPath() []chat.Message {
	return []chat.Message{
		{ID: "r", Role: chat.RoleSystem, Text: "We are planning a trip."},
		{ID: "u1", ParentID: "r", Role: chat.RoleUser, Text: "Where should we go?"},
		{ID: "a1", ParentID: "u1", Role: chat.RoleAgent, Text: "Kyoto."},
		{ID: "u2", ParentID: "a1", Role: chat.RoleUser, Text: "When?"},
	}
}

func newTestService(t *testing.T, fm *fakeModel, historyLimit int) *Service {
	t.Helper()
	chats := chatsByID{"c1": {ID: "c1", AgentID: "socrates"}, "c2": {ID: "c2", AgentID: "unknown"}}
	svc, err := newService(context.Background(), fm, chats, agent.NewMemoryStore(agent.Seed()), historyLimit, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestRespondBuildsPromptFromBranch(t *testing.T) {
	fm := &fakeModel{reply: "  In spring.  "}
	svc := newTestService(t, fm, 10)

	reply, err := svc.Respond(context.Background(), "c1", branchPath())
	require.NoError(t, err)
	assert.Equal(t, chat.RoleAgent, reply.Role)
	assert.Equal(t, "In spring.", reply.Text)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	require.Len(t, fm.input, 4)
	assert.Equal(t, schema.System, fm.input[0].Role)
	assert.Contains(t, fm.input[0].Content, "Socrates")
	assert.Contains(t, fm.input[0].Content, "We are planning a trip.")
	assert.Equal(t, schema.User, fm.input[1].Role)
	assert.Equal(t, "Where should we go?", fm.input[1].Content)
	assert.Equal(t, schema.Assistant, fm.input[2].Role)
	assert.Equal(t, schema.User, fm.input[3].Role)
	assert.Equal(t, "When?", fm.input[3].Content)
}

func TestRespondTrimsHistory(t *testing.T) {
	fm := &fakeModel{reply: "ok"}
	svc := newTestService(t, fm, 1)

	_, err := svc.Respond(context.Background(), "c2", branchPath())
	require.NoError(t, err)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	require.Len(t, fm.input, 3, "system, one history turn, query")
	assert.Equal(t, "Kyoto.", fm.input[1].Content)
	assert.Contains(t, fm.input[0].Content, "Arbor", "unknown agents fall back to the default profile")
}

func TestRespondRejectsBadPath(t *testing.T) {
	svc := newTestService(t, &fakeModel{reply: "x"}, 10)

	_, err := svc.Respond(context.Background(), "c1", nil)
	assert.ErrorIs(t, err, ErrNoUserTurn)

	path := branchPath()[:3]
	_, err = svc.Respond(context.Background(), "c1", path)
	assert.ErrorIs(t, err, ErrNoUserTurn)

	_, err = svc.Respond(context.Background(), "missing", branchPath())
	assert.Error(t, err)
}

func TestRespondModelError(t *testing.T) {
	boom := errors.New("ark down")
	svc := newTestService(t, &fakeModel{err: boom}, 10)
	_, err := svc.Respond(context.Background(), "c1", branchPath())
	assert.ErrorContains(t, err, boom.Error())
}

func TestScripted(t *testing.T) {
	reply, err := NewScripted("").Respond(context.Background(), "c", branchPath())
	require.NoError(t, err)
	assert.Equal(t, "You said: When?", reply.Text)

	reply, err = NewScripted("fixed").Respond(context.Background(), "c", branchPath())
	require.NoError(t, err)
	assert.Equal(t, "fixed", reply.Text)

	_, err = NewScripted("").Respond(context.Background(), "c", branchPath()[:1])
	assert.ErrorIs(t, err, ErrNoUserTurn)
}

func TestBuildSystemPromptFallsBackForCustomProfiles(t *testing.T) {
	pm := NewPromptManager()
	p := agent.Profile{ID: "reviewer", Name: "Reviewer", Title: "Critical reader", Tone: "direct", Rules: []string{"Be specific."}}
	got := pm.BuildSystemPrompt(p, "")
	assert.Contains(t, got, "Reviewer")
	assert.Contains(t, got, "Be specific.")
	assert.NotContains(t, got, "对话开场")
}
