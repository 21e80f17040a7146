package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/handler/access"
	"github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
	"github.com/zhouzirui/arbor/backend/pkg/utils"
)

// LockStates reports the current lock of a chat.
type LockStates interface {
	State(chatID string) lock.State
}

// ConnectionCounter reports how many sessions watch a chat.
type ConnectionCounter interface {
	Count(chatID string) int
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	store  tree.Store
	agents agent.Store
	locks  LockStates
	conns  ConnectionCounter
	log    zerolog.Logger
}

// New 创建聊天处理器
func New(store tree.Store, agents agent.Store, locks LockStates, conns ConnectionCounter, log zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		agents: agents,
		locks:  locks,
		conns:  conns,
		log:    log.With().Str("component", "chat_http").Logger(),
	}
}

// RegisterRoutes 注册聊天相关的路由，调用方负责挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chats", h.handleCreateChat)
	r.Get("/chats", h.handleListChats)
	r.Get("/chats/{chatID}", h.handleGetChat)
}

type createChatRequest struct {
	Title    string `json:"title"`
	AgentID  string `json:"agentId"`
	RootText string `json:"rootText"`
}

type createChatResponse struct {
	Chat chat.Chat    `json:"chat"`
	Root chat.Message `json:"root"`
}

// Snapshot is the REST view of a chat.
type Snapshot struct {
	Chat        chat.Chat `json:"chat"`
	Locked      bool      `json:"locked"`
	LockHolder  string    `json:"lockHolder,omitempty"`
	Connections int       `json:"connections"`
}

// handleCreateChat 创建对话及其根消息
func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var payload createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload.AgentID = strings.TrimSpace(payload.AgentID)
	if payload.AgentID == "" {
		payload.AgentID = agent.DefaultID
	}
	if _, ok := h.agents.FindByID(payload.AgentID); !ok {
		utils.RespondError(w, http.StatusBadRequest, "agent not found")
		return
	}

	c, root, err := h.store.CreateChat(r.Context(), userID, payload.AgentID, strings.TrimSpace(payload.Title), payload.RootText)
	if err != nil {
		if errors.Is(err, tree.ErrValidation) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Msg("create chat failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	h.log.Info().Str("chat_id", c.ID).Str("owner_id", userID).Str("agent_id", c.AgentID).Msg("chat created")
	utils.RespondJSON(w, http.StatusCreated, createChatResponse{Chat: c, Root: root})
}

// handleListChats 列出当前用户的对话
func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	chats, err := h.store.ListChats(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("list chats failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	utils.RespondJSON(w, http.StatusOK, chats)
}

// handleGetChat 返回对话快照，包括锁状态与在线连接数
func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, ok := access.OwnedChat(w, r, h.store)
	if !ok {
		return
	}

	st := h.locks.State(c.ID)
	utils.RespondJSON(w, http.StatusOK, Snapshot{
		Chat:        c,
		Locked:      st.Locked,
		LockHolder:  st.Holder,
		Connections: h.conns.Count(c.ID),
	})
}
