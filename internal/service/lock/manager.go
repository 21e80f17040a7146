// Package lock serializes writers per chat. A chat is either unlocked or
// held by exactly one holder; every transition is announced to the chat's
// connections from inside the chat's critical section.
package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/metrics"
	"github.com/zhouzirui/arbor/backend/internal/model/envelope"
)

var (
	ErrAlreadyLocked = errors.New("chat is locked")
	ErrStaleToken    = errors.New("lock token is no longer current")
)

// Reasons attached to chat_unlocked.
const (
	ReasonDone       = "done"
	ReasonTimeout    = "timeout"
	ReasonHolderGone = "holder_gone"
)

// Broadcaster delivers an envelope to every connection of a chat.
type Broadcaster interface {
	Broadcast(chatID string, env envelope.Envelope)
}

// Token proves ownership of one specific acquisition.
type Token struct {
	ChatID     string
	Holder     string
	Generation uint64
}

// State is a point-in-time view of a chat's lock.
type State struct {
	ChatID     string
	Locked     bool
	Holder     string
	AcquiredAt time.Time
	Generation uint64
}

type slot struct {
	mu         sync.Mutex
	dead       bool
	locked     bool
	holder     string
	acquiredAt time.Time
	generation uint64
}

// Manager owns the lock slots of every chat.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot
	// generations are global so that pruning a slot never reissues one
	gen atomic.Uint64

	bc      Broadcaster
	ceiling time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewManager creates a manager; locks older than ceiling are reclaimed by Sweep.
func NewManager(bc Broadcaster, ceiling time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		slots:   make(map[string]*slot),
		bc:      bc,
		ceiling: ceiling,
		now:     time.Now,
		log:     log.With().Str("component", "lock").Logger(),
	}
}

// withSlot runs fn holding the chat's slot mutex. Slots pruned by Sweep are
// marked dead, so a caller that raced with pruning retries on a fresh one.
func (m *Manager) withSlot(chatID string, fn func(s *slot)) {
	for {
		m.mu.Lock()
		s, ok := m.slots[chatID]
		if !ok {
			s = &slot{}
			m.slots[chatID] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		fn(s)
		s.mu.Unlock()
		return
	}
}

// Acquire locks chatID for holder. during runs first inside the critical
// section; if it fails the chat stays unlocked and nothing is announced.
func (m *Manager) Acquire(chatID, holder string, during func() error) (Token, error) {
	var (
		tok Token
		err error
	)
	m.withSlot(chatID, func(s *slot) {
		if s.locked {
			metrics.LockRejections.Inc()
			err = ErrAlreadyLocked
			return
		}
		if during != nil {
			if err = during(); err != nil {
				return
			}
		}
		s.generation = m.gen.Add(1)
		s.locked = true
		s.holder = holder
		s.acquiredAt = m.now()
		tok = Token{ChatID: chatID, Holder: holder, Generation: s.generation}

		metrics.LocksAcquired.Inc()
		m.bc.Broadcast(chatID, envelope.Locked(chatID, holder))
	})
	return tok, err
}

// Handoff transfers a current lock to a new holder without announcing it.
func (m *Manager) Handoff(tok Token, holder string) (Token, error) {
	var err error
	m.withSlot(tok.ChatID, func(s *slot) {
		if !s.current(tok) {
			err = ErrStaleToken
			return
		}
		s.holder = holder
		tok.Holder = holder
	})
	return tok, err
}

// Finish runs during and releases the lock, provided tok is still current.
// The lock is released even when during fails; its error is returned.
func (m *Manager) Finish(tok Token, during func() error) error {
	var err error
	m.withSlot(tok.ChatID, func(s *slot) {
		if !s.current(tok) {
			err = ErrStaleToken
			return
		}
		if during != nil {
			err = during()
		}
		m.release(tok.ChatID, s, ReasonDone)
	})
	return err
}

// Release unlocks chatID unconditionally. It reports whether a lock was held.
func (m *Manager) Release(chatID string) bool {
	released := false
	m.withSlot(chatID, func(s *slot) {
		if s.locked {
			m.release(chatID, s, ReasonDone)
			released = true
		}
	})
	return released
}

// ReleaseHeldBy unlocks every chat held by holder and returns how many.
func (m *Manager) ReleaseHeldBy(holder string) int {
	n := 0
	for _, chatID := range m.chatIDs() {
		m.withSlot(chatID, func(s *slot) {
			if s.locked && s.holder == holder {
				m.release(chatID, s, ReasonHolderGone)
				n++
			}
		})
	}
	return n
}

// State returns the current lock state of chatID.
func (m *Manager) State(chatID string) State {
	m.mu.Lock()
	s, ok := m.slots[chatID]
	m.mu.Unlock()
	if !ok {
		return State{ChatID: chatID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ChatID:     chatID,
		Locked:     s.locked && !s.dead,
		Holder:     s.holder,
		AcquiredAt: s.acquiredAt,
		Generation: s.generation,
	}
}

// Observe runs fn inside chatID's critical section with the current state.
// No transition or guarded write on the chat interleaves with fn, so a
// subscriber can snapshot and register without missing or duplicating
// events. fn must not call back into the manager.
func (m *Manager) Observe(chatID string, fn func(State)) {
	m.withSlot(chatID, func(s *slot) {
		fn(State{
			ChatID:     chatID,
			Locked:     s.locked,
			Holder:     s.holder,
			AcquiredAt: s.acquiredAt,
			Generation: s.generation,
		})
	})
}

func (m *Manager) chatIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	return ids
}

// release must be called with s.mu held.
func (m *Manager) release(chatID string, s *slot, reason string) {
	s.locked = false
	s.holder = ""
	s.acquiredAt = time.Time{}
	m.bc.Broadcast(chatID, envelope.Unlocked(chatID, reason))
}

func (s *slot) current(tok Token) bool {
	return s.locked && s.generation == tok.Generation && s.holder == tok.Holder
}
