package sessions

import (
	"time"

	"github.com/coderelay/relay/pkg/models"
)

// watch polls the provider for one session until it parks at
// awaiting_approval, reaches a terminal state, or exhausts the poll
// budget. Each poll is an independent upstream call subject to the
// client's retry and breaker rules.
func (m *Manager) watch(id string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= m.opts.MaxPolls; attempt++ {
		select {
		case <-m.rootCtx.Done():
			return
		case <-ticker.C:
		}

		entry, err := m.entry(id)
		if err != nil {
			// Deleted while monitoring.
			return
		}

		entry.mu.Lock()
		status := entry.s.Status
		stale := m.now().Sub(entry.lastChange)
		entry.mu.Unlock()

		if status.Terminal() || status == models.StatusAwaitingApproval {
			return
		}
		if stale >= m.opts.SoftDeadline {
			m.transition(m.rootCtx, entry, models.StatusFailed, "timeout")
			return
		}

		remote, err := m.api.GetSession(m.rootCtx, id)
		if err != nil {
			m.logger.Warn(m.rootCtx, "session poll failed", "session_id", id, "attempt", attempt, "error", err)
			continue
		}
		m.applyRemote(m.rootCtx, entry, remote)

		entry.mu.Lock()
		status = entry.s.Status
		entry.mu.Unlock()
		if status.Terminal() || status == models.StatusAwaitingApproval {
			return
		}
	}

	m.logger.Warn(m.rootCtx, "session poll budget exhausted", "session_id", id)
}

// SweepStuck fails active sessions that have seen no transition for
// maxAge. Sessions parked at awaiting_approval are exempt, since those
// wait on a human. Returns the number of sessions failed.
func (m *Manager) SweepStuck(maxAge time.Duration) int {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.byID))
	for _, entry := range m.byID {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	swept := 0
	for _, entry := range entries {
		entry.mu.Lock()
		status := entry.s.Status
		stale := m.now().Sub(entry.lastChange)
		entry.mu.Unlock()

		if status.Terminal() || status == models.StatusAwaitingApproval {
			continue
		}
		if stale >= maxAge {
			m.transition(m.rootCtx, entry, models.StatusFailed, "stuck: no progress observed")
			swept++
		}
	}
	return swept
}
