package monitor

import (
	"bandmonitor/internal/models"
)

// Subscribe registers a listener for monitor events. The returned
// cancel func must be called when the listener goes away; after that
// the channel is closed. Slow listeners miss events rather than
// blocking the polling tasks.
func (m *Manager) Subscribe() (<-chan models.MonitorEvent, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan models.MonitorEvent, subscriberBuffer)
	m.subs[id] = ch

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// RecentEvents returns up to maxRecentEvents past events, oldest first.
func (m *Manager) RecentEvents() []models.MonitorEvent {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if len(m.recent) == 0 {
		return nil
	}
	out := make([]models.MonitorEvent, len(m.recent))
	copy(out, m.recent)
	return out
}

func (m *Manager) publish(ev models.MonitorEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.recent = append(m.recent, ev)
	if len(m.recent) > maxRecentEvents {
		m.recent = m.recent[len(m.recent)-maxRecentEvents:]
	}

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
