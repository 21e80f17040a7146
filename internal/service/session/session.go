package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/metrics"
	"github.com/zhouzirui/arbor/backend/internal/model/chat"
	"github.com/zhouzirui/arbor/backend/internal/model/envelope"
	"github.com/zhouzirui/arbor/backend/internal/service/hub"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

// ErrCloseRequested is returned by Handle when the client asked to leave.
var ErrCloseRequested = errors.New("client requested close")

// State is the lifecycle of a session.
type State int

const (
	StateConnecting State = iota
	StateInitialized
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one connection's view of a chat.
type Session struct {
	h      *Handler
	conn   hub.Conn
	chatID string
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Handle processes one inbound frame. Failures are reported to the client
// as error envelopes; the only error returned is ErrCloseRequested.
func (s *Session) Handle(ctx context.Context, raw []byte) error {
	if s.State() != StateActive {
		return nil
	}

	in, err := envelope.Decode(raw)
	if err != nil {
		s.log.Debug().Err(err).Msg("malformed frame")
		s.reply("unknown", envelope.Error(envelope.CodeMalformed, "malformed frame"))
		return nil
	}
	s.log.Debug().Str("cmd", in.Cmd).Msg("command received")

	switch in.Cmd {
	case envelope.CmdSend, envelope.CmdSendMessage:
		s.result(in.Cmd, s.send(ctx, in))
	case envelope.CmdFetchFromTop:
		s.result(in.Cmd, s.fetchFromTop(ctx, in))
	case envelope.CmdFetchFromBottom:
		s.result(in.Cmd, s.fetchFromBottom(ctx, in))
	case envelope.CmdGet:
		s.result(in.Cmd, s.get(ctx, in))
	case envelope.CmdPing:
		s.result(in.Cmd, s.h.hub.Unicast(s.conn, envelope.Pong()))
	case envelope.CmdClose, envelope.CmdDisconnect:
		metrics.CommandsHandled.WithLabelValues(in.Cmd, "ok").Inc()
		return ErrCloseRequested
	default:
		s.reply("unknown", envelope.Error(envelope.CodeMalformed, fmt.Sprintf("unknown command %q", in.Cmd)))
	}
	return nil
}

// send stores a user message under the chat lock, then hands the lock to a
// detached generation.
func (s *Session) send(ctx context.Context, in envelope.Inbound) error {
	if in.ParentID == "" {
		return fmt.Errorf("%w: parentId is required", tree.ErrValidation)
	}
	if in.Text == "" {
		return fmt.Errorf("%w: text is required", tree.ErrValidation)
	}

	var msg chat.Message
	tok, err := s.h.locks.Acquire(s.chatID, s.conn.ID(), func() error {
		m, err := s.h.store.Insert(ctx, s.chatID, in.ParentID, chat.RoleUser, in.Text)
		if err != nil {
			return err
		}
		msg = m
		metrics.MessagesInserted.WithLabelValues(string(m.Role)).Inc()
		_ = s.h.hub.Unicast(s.conn, envelope.NewAck(m.ID))
		s.h.hub.Broadcast(s.chatID, envelope.ForMessage(m))
		return nil
	})
	if err != nil {
		return err
	}

	if s.h.responder == nil {
		return s.h.locks.Finish(tok, nil)
	}

	tok, err = s.h.locks.Handoff(tok, newGenerationHolder())
	if err != nil {
		// reclaimed already; the unlock has been announced
		s.log.Warn().Err(err).Msg("lock lost before generation started")
		return nil
	}
	s.h.wg.Add(1)
	go s.h.generate(tok, s, msg)
	return nil
}

func (s *Session) fetchFromTop(ctx context.Context, in envelope.Inbound) error {
	if err := s.checkMessage(ctx, in.ID); err != nil {
		return err
	}
	limit, err := s.limit(int(in.Limit))
	if err != nil {
		return err
	}
	dir := chat.Direction(in.Direction)
	if dir == "" {
		dir = chat.Right
	}
	page, err := s.h.store.Descendants(ctx, in.ID, in.After, limit, dir)
	if err != nil {
		return err
	}
	return s.h.hub.Unicast(s.conn, envelope.NewHistory(envelope.History{
		Kind:      envelope.KindDescendants,
		Anchor:    in.ID,
		Direction: dir,
		Messages:  page.Messages,
		Cursor:    page.Cursor,
		HasMore:   page.HasMore,
	}))
}

func (s *Session) fetchFromBottom(ctx context.Context, in envelope.Inbound) error {
	if err := s.checkMessage(ctx, in.ID); err != nil {
		return err
	}
	limit, err := s.limit(int(in.Limit))
	if err != nil {
		return err
	}
	page, err := s.h.store.Ancestors(ctx, in.ID, limit)
	if err != nil {
		return err
	}
	return s.h.hub.Unicast(s.conn, envelope.NewHistory(envelope.History{
		Kind:     envelope.KindAncestors,
		Anchor:   in.ID,
		Messages: page.Messages,
		Cursor:   page.Cursor,
		HasMore:  page.HasMore,
	}))
}

func (s *Session) get(ctx context.Context, in envelope.Inbound) error {
	if in.ID == "" {
		return fmt.Errorf("%w: id is required", tree.ErrValidation)
	}
	m, err := s.h.store.Get(ctx, in.ID)
	if err != nil {
		return err
	}
	if m.ChatID != s.chatID {
		return fmt.Errorf("message %s: %w", in.ID, tree.ErrNotFound)
	}
	return s.h.hub.Unicast(s.conn, envelope.NewHistory(envelope.History{
		Kind:     envelope.KindGet,
		Anchor:   m.ID,
		Messages: []chat.Message{m},
	}))
}

// checkMessage confirms id names a message of this session's chat.
func (s *Session) checkMessage(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", tree.ErrValidation)
	}
	m, err := s.h.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.ChatID != s.chatID {
		return fmt.Errorf("message %s: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (s *Session) limit(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: limit must not be negative", tree.ErrValidation)
	case requested == 0:
		return tree.DefaultLimit, nil
	case requested > s.h.opts.MaxPage:
		return s.h.opts.MaxPage, nil
	}
	return requested, nil
}

// result reports err to the client, if any, and records the outcome.
func (s *Session) result(cmd string, err error) {
	if err == nil {
		metrics.CommandsHandled.WithLabelValues(cmd, "ok").Inc()
		return
	}
	code, text := classify(err)
	if code == envelope.CodeInternal {
		s.log.Error().Err(err).Str("cmd", cmd).Msg("command failed")
	}
	s.reply(cmd, envelope.Error(code, text))
}

func (s *Session) reply(cmd string, env envelope.Envelope) {
	metrics.CommandsHandled.WithLabelValues(cmd, env.Code).Inc()
	_ = s.h.hub.Unicast(s.conn, env)
}

// sendError delivers an error to this session if it is still open.
func (s *Session) sendError(code, text string) {
	if s.State() == StateClosed {
		return
	}
	_ = s.h.hub.Unicast(s.conn, envelope.Error(code, text))
}

// Notify delivers an out-of-band error, e.g. the idle timeout notice.
func (s *Session) Notify(code, text string) {
	s.sendError(code, text)
}

// Close leaves the chat. In-flight generations keep running and still
// broadcast to the remaining connections.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.h.hub.Unregister(s.conn)
	if n := s.h.locks.ReleaseHeldBy(s.conn.ID()); n > 0 {
		s.log.Warn().Int("released", n).Msg("released locks held by closing session")
	}
	s.log.Debug().Msg("session closed")
}

func classify(err error) (code, text string) {
	switch {
	case errors.Is(err, tree.ErrValidation):
		return envelope.CodeValidation, err.Error()
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, tree.ErrInvalidParent):
		return envelope.CodeNotFound, "not found"
	case errors.Is(err, lock.ErrAlreadyLocked):
		return envelope.CodeAlreadyLocked, "chat is locked, retry after chat_unlocked"
	}
	return envelope.CodeInternal, "internal error"
}
