package lock

import (
	"context"
	"time"

	"github.com/zhouzirui/arbor/backend/internal/metrics"
)

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Dur("ceiling", m.ceiling).Msg("lock watchdog started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("lock watchdog stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep force-releases locks held longer than the ceiling and prunes idle
// slots. It returns the number of locks released. Slots are visited one at a
// time without holding the slot map, so a busy chat only delays the sweep.
func (m *Manager) Sweep() int {
	now := m.now()
	released := 0

	for chatID, s := range m.snapshot() {
		s.mu.Lock()
		switch {
		case s.dead:
		case s.locked && m.ceiling > 0 && now.Sub(s.acquiredAt) >= m.ceiling:
			m.log.Warn().
				Str("chat_id", chatID).
				Str("holder", s.holder).
				Dur("held", now.Sub(s.acquiredAt)).
				Msg("lock exceeded ceiling, force releasing")
			m.release(chatID, s, ReasonTimeout)
			metrics.LocksForceReleased.Inc()
			released++
		case !s.locked:
			m.prune(chatID, s)
		}
		s.mu.Unlock()
	}
	return released
}

// snapshot copies the slot map so callers can visit slots without m.mu.
func (m *Manager) snapshot() map[string]*slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*slot, len(m.slots))
	for id, s := range m.slots {
		out[id] = s
	}
	return out
}

// prune removes s from the map if it is still the slot for chatID.
// Must be called with s.mu held; m.mu is only ever taken after s.mu here and
// never held while waiting on a slot elsewhere.
func (m *Manager) prune(chatID string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[chatID] == s {
		delete(m.slots, chatID)
	}
	s.dead = true
}
