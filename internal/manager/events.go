package manager

import (
	"context"
	"time"

	"github.com/nvake/sesh/internal/session"
)

// EventType discriminates manager change events.
type EventType string

const (
	EventCreated         EventType = "created"
	EventUpdated         EventType = "updated"
	EventDeleted         EventType = "deleted"
	EventActiveChanged   EventType = "active_changed"
	EventMessageAppended EventType = "message_appended"
)

// Event is one observable state change. Session and Message are
// snapshots owned by the receiver; the manager never mutates them
// after publishing.
type Event struct {
	Type      EventType
	SessionID string
	Session   *session.Session
	Message   *session.Message
	Timestamp time.Time
}

// Subscribe registers an observer for change events. The returned
// channel closes when ctx is done or the manager shuts down. Slow
// observers miss events instead of blocking the engine.
func (m *Manager) Subscribe(ctx context.Context) <-chan Event {
	return m.broker.Subscribe(ctx)
}

func (m *Manager) publish(t EventType, sessionID string, sess *session.Session, msg *session.Message) {
	m.broker.Publish(Event{
		Type:      t,
		SessionID: sessionID,
		Session:   sess,
		Message:   msg,
		Timestamp: m.clock.Now(),
	})
}

// SyncState places a session id in the local lifecycle. It reflects
// how far the local copy has travelled, not what the backend holds.
type SyncState string

const (
	// StateUnknown: never seen by this process.
	StateUnknown SyncState = "unknown"
	// StateCached: resident in memory only; a restart loses it.
	StateCached SyncState = "cached"
	// StatePersisted: on disk, not yet confirmed against the backend.
	StatePersisted SyncState = "persisted"
	// StateSynced: local copy matched the backend at last contact.
	StateSynced SyncState = "synced"
	// StateStale: local copy has diverged (local appends not yet
	// reconciled, or a remote call failed mid-write).
	StateStale SyncState = "stale"
	// StateDeleted: removed everywhere by an explicit delete.
	StateDeleted SyncState = "deleted"
)

// SyncState reports the lifecycle position of id.
func (m *Manager) SyncState(id string) SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	return StateUnknown
}

func (m *Manager) setState(id string, s SyncState) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}
