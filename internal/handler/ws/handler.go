// Package ws serves chat sessions over WebSocket.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/handler/access"
	"github.com/zhouzirui/arbor/backend/internal/model/envelope"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
)

const maxFrameSize = 64 << 10

// Handler WebSocket会话处理器
type Handler struct {
	chats    access.ChatGetter
	sessions *session.Handler
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New 创建WebSocket处理器
func New(chats access.ChatGetter, sessions *session.Handler, cfg config.SessionConfig, log zerolog.Logger) *Handler {
	return &Handler{
		chats:    chats,
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// RegisterRoutes 注册WebSocket路由，调用方负责挂载鉴权中间件
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/ws", h.handleWebSocket)
}

// handleWebSocket 鉴权通过后升级连接并运行会话
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c, ok := access.OwnedChat(w, r, h.chats)
	if !ok {
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.log.Warn().Err(err).Str("chat_id", c.ID).Msg("websocket upgrade failed")
		return
	}
	wsConn.SetReadLimit(maxFrameSize)

	connID := uuid.NewString()
	log := h.log.With().Str("chat_id", c.ID).Str("conn_id", connID).Logger()
	conn := newConnection(connID, c.ID, wsConn, h.cfg.SendQueue, h.cfg.PingInterval, h.cfg.WriteTimeout, log)

	writerDone := make(chan struct{})
	go func() {
		conn.writeLoop()
		close(writerDone)
	}()

	ctx := r.Context()
	sess, err := h.sessions.Open(ctx, conn)
	if err != nil {
		log.Error().Err(err).Msg("session init failed")
		_ = conn.Close()
		<-writerDone
		return
	}
	log.Info().Msg("session opened")

	h.readLoop(ctx, wsConn, sess, log)

	sess.Close()
	_ = conn.Close()
	<-writerDone
	log.Info().Msg("session closed")
}

// readLoop feeds frames to the session one at a time, in arrival order.
func (h *Handler) readLoop(ctx context.Context, wsConn *websocket.Conn, sess *session.Session, log zerolog.Logger) {
	extend := func() {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	}
	extend()
	wsConn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		messageType, data, err := wsConn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info().Dur("idle", h.cfg.IdleTimeout).Msg("closing idle session")
				sess.Notify(envelope.CodeIdleTimeout, "connection idle for too long")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		extend()

		if messageType != websocket.TextMessage {
			sess.Notify(envelope.CodeMalformed, "only text frames are accepted")
			continue
		}
		if err := sess.Handle(ctx, data); errors.Is(err, session.ErrCloseRequested) {
			return
		}
	}
}
