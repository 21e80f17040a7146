// Package hub tracks the live connections of every chat and fans envelopes
// out to them.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/metrics"
	"github.com/zhouzirui/arbor/backend/internal/model/envelope"
)

// Conn is one subscriber of a chat. Send must not block: it enqueues the
// frame or fails.
type Conn interface {
	ID() string
	ChatID() string
	Send(frame []byte) error
	Close() error
}

// Hub 维护 chat → 连接 的订阅关系
type Hub struct {
	mu    sync.RWMutex
	chats map[string]map[string]Conn

	log zerolog.Logger
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		chats: make(map[string]map[string]Conn),
		log:   log.With().Str("component", "hub").Logger(),
	}
}

// Register subscribes conn to its chat.
func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.chats[conn.ChatID()]
	if !ok {
		conns = make(map[string]Conn)
		h.chats[conn.ChatID()] = conns
	}
	if _, exists := conns[conn.ID()]; !exists {
		metrics.ActiveConnections.Inc()
	}
	conns[conn.ID()] = conn
}

// Unregister removes conn. It is safe to call more than once.
func (h *Hub) Unregister(conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(conn.ChatID(), conn.ID())
}

func (h *Hub) unregisterLocked(chatID, connID string) bool {
	conns, ok := h.chats[chatID]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.chats, chatID)
	}
	metrics.ActiveConnections.Dec()
	return true
}

// Broadcast encodes env once and enqueues it on every connection of chatID.
// A connection whose enqueue fails is dropped and closed; the rest still
// receive the frame.
func (h *Hub) Broadcast(chatID string, env envelope.Envelope) {
	frame, err := envelope.Encode(env)
	if err != nil {
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("broadcast encode failed")
		return
	}

	var failed []Conn
	h.mu.RLock()
	for _, conn := range h.chats[chatID] {
		if err := conn.Send(frame); err != nil {
			h.log.Warn().Err(err).
				Str("chat_id", chatID).
				Str("conn_id", conn.ID()).
				Str("cmd", env.Cmd).
				Msg("dropping connection after failed send")
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.drop(conn)
	}
}

// Unicast sends env to conn alone. A failed enqueue drops the connection.
func (h *Hub) Unicast(conn Conn, env envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		h.log.Warn().Err(err).
			Str("chat_id", conn.ChatID()).
			Str("conn_id", conn.ID()).
			Str("cmd", env.Cmd).
			Msg("unicast failed")
		h.drop(conn)
		return err
	}
	return nil
}

func (h *Hub) drop(conn Conn) {
	if h.Unregister(conn) {
		metrics.DroppedConnections.Inc()
	}
	_ = conn.Close()
}

// Count returns the number of connections subscribed to chatID.
func (h *Hub) Count(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats[chatID])
}

// CloseAll closes and forgets every connection; used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []Conn
	for chatID, conns := range h.chats {
		for id, conn := range conns {
			all = append(all, conn)
			h.unregisterLocked(chatID, id)
		}
	}
	h.mu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}
	h.log.Info().Int("closed", len(all)).Msg("hub closed all connections")
}
