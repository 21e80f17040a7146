// Package stream lets read-only clients follow a chat over Server-Sent
// Events. Each envelope becomes one event named after its cmd.
package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/handler/access"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
	"github.com/zhouzirui/arbor/backend/pkg/utils"
)

// Handler manages chat observers via Server-Sent Events
type Handler struct {
	chats    access.ChatGetter
	sessions *session.Handler
	cfg      config.SessionConfig
	log      zerolog.Logger
}

// New creates a new stream handler
func New(chats access.ChatGetter, sessions *session.Handler, cfg config.SessionConfig, log zerolog.Logger) *Handler {
	return &Handler{
		chats:    chats,
		sessions: sessions,
		cfg:      cfg,
		log:      log.With().Str("component", "sse").Logger(),
	}
}

// RegisterRoutes 注册SSE路由，调用方负责挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/events", h.handleEvents)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := access.OwnedChat(w, r, h.chats)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	obs := newObserver("sse-"+uuid.NewString(), c.ID, h.cfg.SendQueue)
	log := h.log.With().Str("chat_id", c.ID).Str("conn_id", obs.ID()).Logger()

	sess, err := h.sessions.Open(r.Context(), obs)
	if err != nil {
		log.Error().Err(err).Msg("observer init failed")
		utils.RespondError(w, http.StatusInternalServerError, "failed to open stream")
		return
	}
	defer func() {
		sess.Close()
		_ = obs.Close()
		log.Debug().Msg("observer closed")
	}()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug().Msg("observer opened")

	keepalive := time.NewTicker(h.cfg.PingInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-obs.done:
			// dropped by the hub; flush what is queued
			h.drain(w, flusher, obs)
			return
		case frame := <-obs.frames:
			if err := utils.WriteSSEEvent(w, flusher, eventName(frame), frame); err != nil {
				log.Debug().Err(err).Msg("observer write failed")
				return
			}
		case <-keepalive.C:
			if err := utils.WriteSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) drain(w http.ResponseWriter, flusher http.Flusher, obs *observer) {
	for {
		select {
		case frame := <-obs.frames:
			if err := utils.WriteSSEEvent(w, flusher, eventName(frame), frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func eventName(frame []byte) string {
	var head struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Cmd == "" {
		return "message"
	}
	return head.Cmd
}
