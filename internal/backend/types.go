package backend

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvake/sesh/internal/session"
)

// apiTime accepts both RFC3339 and the backend's zone-less ISO-8601
// timestamps (Python datetime.isoformat of a naive UTC value).
type apiTime struct {
	time.Time
}

const naiveLayout = "2006-01-02T15:04:05.999999999"

func (t *apiTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	parsed, err := time.Parse(naiveLayout, s)
	if err != nil {
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	t.Time = parsed.UTC()
	return nil
}

func (t apiTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type messagePayload struct {
	ID        string         `json:"id,omitempty"`
	Content   string         `json:"content"`
	Role      string         `json:"role"`
	Timestamp apiTime        `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type sessionPayload struct {
	SessionID    string           `json:"session_id"`
	UserID       string           `json:"user_id"`
	SessionName  string           `json:"session_name,omitempty"`
	Status       string           `json:"status"`
	Messages     []messagePayload `json:"messages,omitempty"`
	CreatedAt    apiTime          `json:"created_at"`
	UpdatedAt    apiTime          `json:"updated_at"`
	MessageCount int              `json:"message_count"`
	Context      map[string]any   `json:"context,omitempty"`
}

type sessionListPayload struct {
	Sessions   []sessionPayload `json:"sessions"`
	TotalCount int              `json:"total_count"`
	HasMore    bool             `json:"has_more"`
	NextOffset *int             `json:"next_offset,omitempty"`
}

type createSessionPayload struct {
	UserID      string         `json:"user_id"`
	SessionName string         `json:"session_name,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type updateSessionPayload struct {
	SessionID   string         `json:"session_id"`
	UserID      string         `json:"user_id"`
	SessionName *string        `json:"session_name,omitempty"`
	Status      *string        `json:"status,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type queryResponsePayload struct {
	SessionID      string         `json:"session_id"`
	Message        messagePayload `json:"message"`
	Status         string         `json:"status"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
}

type chunkPayload struct {
	Content   string         `json:"content,omitempty"`
	ChunkType string         `json:"chunk_type"`
	MessageID string         `json:"message_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp apiTime        `json:"timestamp"`
}

type healthPayload struct {
	Status       string            `json:"status"`
	Timestamp    apiTime           `json:"timestamp"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// QueryOptions tunes a single query. Zero fields are omitted and the
// backend applies its defaults.
type QueryOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Timeout     int     `json:"timeout,omitempty"`
}

// QueryRequest asks the backend to run a query within a session.
type QueryRequest struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
	Options   *QueryOptions  `json:"options,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// QueryResult is the backend's complete (non-streamed) answer.
type QueryResult struct {
	SessionID      string
	Message        session.Message
	Status         string
	ProcessingTime float64
}

// UpdateRequest carries the mutable session fields. Nil pointers leave
// the field untouched on the backend.
type UpdateRequest struct {
	Name    *string
	Status  *session.Status
	Context map[string]any
}

// ListOptions page through a user's sessions.
type ListOptions struct {
	UserID string
	Limit  int
	Offset int
}

// SessionPage is one page of a session listing.
type SessionPage struct {
	Sessions   []*session.Session
	TotalCount int
	HasMore    bool
	NextOffset int
}

// Health describes the backend's own health report.
type Health struct {
	Status       string
	Timestamp    time.Time
	Version      string
	Dependencies map[string]string
}

func (p sessionPayload) toSession() *session.Session {
	sess := &session.Session{
		ID:           p.SessionID,
		UserID:       p.UserID,
		Name:         p.SessionName,
		Status:       session.Status(p.Status),
		CreatedAt:    p.CreatedAt.Time,
		UpdatedAt:    p.UpdatedAt.Time,
		MessageCount: p.MessageCount,
		Context:      p.Context,
	}
	if len(p.Messages) > 0 {
		sess.Messages = make([]session.Message, len(p.Messages))
		for i, m := range p.Messages {
			sess.Messages[i] = m.toMessage(p.SessionID)
		}
	}
	return sess
}

func (p messagePayload) toMessage(sessionID string) session.Message {
	if p.SessionID != "" {
		sessionID = p.SessionID
	}
	return session.Message{
		ID:        p.ID,
		SessionID: sessionID,
		Role:      session.Role(p.Role),
		Content:   p.Content,
		Timestamp: p.Timestamp.Time,
		Metadata:  p.Metadata,
	}
}

func (p chunkPayload) toChunk() session.Chunk {
	return session.Chunk{
		Type:      session.ChunkType(p.ChunkType),
		Content:   p.Content,
		MessageID: p.MessageID,
		SessionID: p.SessionID,
		Error:     p.Error,
		Metadata:  p.Metadata,
		Timestamp: p.Timestamp.Time,
	}
}
