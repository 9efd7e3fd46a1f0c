// Package session defines the domain model shared by the cache, the
// durable store, the backend client, and the manager.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status describes the lifecycle of a conversation on the backend.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Session is a conversation snapshot. Messages holds the materialized
// history, which may be trimmed; MessageCount is the authoritative
// total and can exceed len(Messages).
type Session struct {
	ID           string
	UserID       string
	Name         string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	Context      map[string]any
	Messages     []Message
}

// New returns an active session with a fresh id and both timestamps
// set to the current time.
func New(userID, name string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch marks the session active at t. UpdatedAt doubles as the
// last-active time consulted by staleness sweeps.
func (s *Session) Touch(t time.Time) {
	s.UpdatedAt = t.UTC()
}

// Append adds m to the materialized history and keeps MessageCount
// consistent with the invariant that it never undercounts.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	if s.MessageCount < len(s.Messages) {
		s.MessageCount = len(s.Messages)
	}
}

// Clone returns a deep copy. The manager hands clones across its
// boundary so callers cannot mutate cached state through aliases.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = cloneMap(s.Context)
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return &out
}

// Message is a single conversation turn.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// NewMessage returns a message with a fresh id stamped at the current
// time.
func NewMessage(sessionID string, role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a copy with its own metadata map.
func (m Message) Clone() Message {
	m.Metadata = cloneMap(m.Metadata)
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
