// Package session implements the per-connection protocol of a chat: the
// init snapshot, command dispatch, guarded sends and detached agent
// generations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/metrics"
	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/model/envelope"
	"github.com/zhouzirui/arbor/backend/internal/service/hub"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

// Reply is what a responder produces for one user turn.
type Reply struct {
	Role chat.Role
	Text string
}

// Responder generates the agent's answer to the last message of path,
// which runs from the chat root (or the oldest message kept) to the user
// message being answered.
type Responder interface {
	Respond(ctx context.Context, chatID string, path []chat.Message) (Reply, error)
}

// Options tunes windows and timeouts.
type Options struct {
	InitWindow        int
	MaxPage           int
	HistoryLimit      int
	GenerationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitWindow <= 0 {
		o.InitWindow = tree.DefaultLimit
	}
	if o.MaxPage <= 0 {
		o.MaxPage = 256
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 2 * time.Minute
	}
	return o
}

// persistTimeout bounds the reply insert once generation has finished.
const persistTimeout = 10 * time.Second

var errEmptyReply = errors.New("responder returned an empty reply")

// Handler owns the shared services every session uses.
type Handler struct {
	store     tree.Store
	hub       *hub.Hub
	locks     *lock.Manager
	responder Responder
	opts      Options
	log       zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHandler wires a session handler. responder may be nil, in which case
// sends are stored and the lock is released straight away.
func NewHandler(store tree.Store, h *hub.Hub, locks *lock.Manager, responder Responder, opts Options, log zerolog.Logger) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		store:     store,
		hub:       h,
		locks:     locks,
		responder: responder,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "session").Logger(),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Open initializes a session for conn: the init snapshot is unicast and the
// connection registered in one step, so every later broadcast follows init.
func (h *Handler) Open(ctx context.Context, conn hub.Conn) (*Session, error) {
	s := &Session{
		h:      h,
		conn:   conn,
		chatID: conn.ChatID(),
		state:  StateConnecting,
		log:    h.log.With().Str("chat_id", conn.ChatID()).Str("conn_id", conn.ID()).Logger(),
	}

	c, err := h.store.GetChat(ctx, s.chatID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	var initErr error
	h.locks.Observe(s.chatID, func(st lock.State) {
		hist, err := h.snapshot(ctx, c.ID, st.Locked)
		if err != nil {
			initErr = err
			return
		}
		s.setState(StateInitialized)
		if err := h.hub.Unicast(conn, envelope.NewHistory(hist)); err != nil {
			initErr = fmt.Errorf("send init: %w", err)
			return
		}
		h.hub.Register(conn)
	})
	if initErr != nil {
		s.setState(StateClosed)
		return nil, initErr
	}

	s.setState(StateActive)
	s.log.Debug().Msg("session active")
	return s, nil
}

// snapshot builds the init payload. It runs inside the chat's critical
// section, so the last-touched id cannot move underneath it.
func (h *Handler) snapshot(ctx context.Context, chatID string, locked bool) (envelope.History, error) {
	c, err := h.store.GetChat(ctx, chatID)
	if err != nil {
		return envelope.History{}, err
	}
	anchor, err := h.store.BranchAnchor(ctx, c.LastTouchedID)
	if err != nil {
		return envelope.History{}, fmt.Errorf("branch anchor: %w", err)
	}
	page, err := h.store.Ancestors(ctx, c.LastTouchedID, h.opts.InitWindow)
	if err != nil {
		return envelope.History{}, fmt.Errorf("init window: %w", err)
	}
	return envelope.History{
		Kind:           envelope.KindInit,
		Anchor:         c.LastTouchedID,
		Messages:       page.Messages,
		Cursor:         page.Cursor,
		HasMore:        page.HasMore,
		LastTouchedID:  c.LastTouchedID,
		BranchAnchorID: anchor,
		Locked:         &locked,
	}, nil
}

// generate produces the agent reply for userMsg while holding tok.
func (h *Handler) generate(tok lock.Token, origin *Session, userMsg chat.Message) {
	defer h.wg.Done()
	start := time.Now()
	log := h.log.With().Str("chat_id", tok.ChatID).Str("holder", tok.Holder).Logger()

	ctx, cancel := context.WithTimeout(h.baseCtx, h.opts.GenerationTimeout)
	defer cancel()

	reply, genErr := h.respond(ctx, tok.ChatID, userMsg)

	finishErr := h.locks.Finish(tok, func() error {
		if genErr != nil {
			return genErr
		}
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()

		msg, err := h.store.Insert(persistCtx, tok.ChatID, userMsg.ID, reply.Role, reply.Text)
		if err != nil {
			return fmt.Errorf("store reply: %w", err)
		}
		metrics.MessagesInserted.WithLabelValues(string(msg.Role)).Inc()
		h.hub.Broadcast(tok.ChatID, envelope.ForMessage(msg))
		return nil
	})

	elapsed := time.Since(start)
	switch {
	case errors.Is(finishErr, lock.ErrStaleToken):
		metrics.GenerationDuration.WithLabelValues("stale").Observe(elapsed.Seconds())
		log.Warn().Dur("elapsed", elapsed).Msg("lock was reclaimed before the reply finished, discarding it")
	case finishErr != nil:
		metrics.GenerationDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		log.Warn().Err(finishErr).Dur("elapsed", elapsed).Msg("agent generation failed")
		origin.sendError(envelope.CodeInternal, "agent reply failed")
	default:
		metrics.GenerationDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
		log.Debug().Dur("elapsed", elapsed).Msg("agent reply stored")
	}
}

func (h *Handler) respond(ctx context.Context, chatID string, userMsg chat.Message) (Reply, error) {
	path, err := h.store.Ancestors(ctx, userMsg.ID, h.opts.HistoryLimit)
	if err != nil {
		return Reply{}, fmt.Errorf("load path: %w", err)
	}
	reply, err := h.responder.Respond(ctx, chatID, path.Messages)
	if err != nil {
		return Reply{}, fmt.Errorf("respond: %w", err)
	}
	if reply.Text == "" {
		return Reply{}, errEmptyReply
	}
	if reply.Role == "" {
		reply.Role = chat.RoleAgent
	}
	return reply, nil
}

// Shutdown cancels pending generations and waits for them to post back.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every detached generation has completed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func newGenerationHolder() string {
	return "gen-" + uuid.NewString()
}
