package ai

import (
	"context"
	"strings"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
)

// Scripted answers without a model. It backs local development when Ark is
// not configured: a template containing %s receives the user's text.
type Scripted struct {
	template string
}

// NewScripted returns a scripted responder; an empty template echoes.
func NewScripted(template string) *Scripted {
	if strings.TrimSpace(template) == "" {
		template = "You said: %s"
	}
	return &Scripted{template: template}
}

// Respond implements session.Responder.
func (s *Scripted) Respond(_ context.Context, _ string, path []chat.Message) (session.Reply, error) {
	if len(path) == 0 || path[len(path)-1].Role != chat.RoleUser {
		return session.Reply{}, ErrNoUserTurn
	}
	text := strings.Replace(s.template, "%s", path[len(path)-1].Text, 1)
	return session.Reply{Role: chat.RoleAgent, Text: text}, nil
}
