package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
)

// ErrNoUserTurn is returned when the path does not end at a user message.
var ErrNoUserTurn = errors.New("path does not end with a user message")

// ChatLookup resolves the chat a path belongs to.
type ChatLookup interface {
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
}

// Service answers user turns with the configured chat model.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	chats        ChatLookup
	agents       agent.Store
	prompts      *PromptManager
	historyLimit int
	log          zerolog.Logger
}

// NewService creates a new AI service instance backed by Ark.
func NewService(ctx context.Context, chats ChatLookup, agents agent.Store, cfg config.AIConfig, log zerolog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newService(ctx, chatModel, chats, agents, cfg.HistoryLimit, log)
}

func newService(ctx context.Context, chatModel model.ChatModel, chats ChatLookup, agents agent.Store, historyLimit int, log zerolog.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	if historyLimit < 1 {
		historyLimit = 10
	}
	return &Service{
		chain:        runnable,
		chats:        chats,
		agents:       agents,
		prompts:      NewPromptManager(),
		historyLimit: historyLimit,
		log:          log.With().Str("component", "ai").Logger(),
	}, nil
}

// Respond generates the agent reply to the last message of path.
func (s *Service) Respond(ctx context.Context, chatID string, path []chat.Message) (session.Reply, error) {
	if len(path) == 0 || path[len(path)-1].Role != chat.RoleUser {
		return session.Reply{}, ErrNoUserTurn
	}

	c, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return session.Reply{}, fmt.Errorf("load chat: %w", err)
	}
	profile := s.profileFor(c.AgentID)

	response, err := s.chain.Invoke(ctx, s.buildChainInput(profile, path))
	if err != nil {
		return session.Reply{}, fmt.Errorf("failed to run AI chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	s.log.Debug().
		Str("chat_id", chatID).
		Str("agent", profile.ID).
		Int("path", len(path)).
		Int("length", len(text)).
		Msg("generated response")
	return session.Reply{Role: chat.RoleAgent, Text: text}, nil
}

func (s *Service) profileFor(id string) agent.Profile {
	if id == "" {
		id = agent.DefaultID
	}
	if p, ok := s.agents.FindByID(id); ok {
		return p
	}
	if p, ok := s.agents.FindByID(agent.DefaultID); ok {
		return p
	}
	return agent.Profile{ID: agent.DefaultID, Name: "Arbor", Title: "Conversation partner"}
}

// buildChainInput maps the branch path onto the prompt template.
func (s *Service) buildChainInput(profile agent.Profile, path []chat.Message) map[string]any {
	opening := ""
	if path[0].IsRoot() {
		opening = path[0].Text
	}
	last := path[len(path)-1]
	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(profile, opening),
		"history": s.buildHistoryMessages(path[:len(path)-1]),
		"query":   last.Text,
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > s.historyLimit {
		startIdx = len(messages) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.RoleAgent:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}

	return history
}
