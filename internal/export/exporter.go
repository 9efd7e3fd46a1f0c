// Package export renders session transcripts to portable formats.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/nvake/sesh/internal/session"
)

// Exporter defines the interface for all export formats.
type Exporter interface {
	Export(sess *session.Session, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "yaml":
		return &YAMLExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, md, yaml)", format)
	}
}

// sessionView is the serialized shape of a session. Field names follow
// the backend's wire protocol so exports line up with API payloads.
type sessionView struct {
	SessionID    string         `json:"session_id" yaml:"session_id"`
	UserID       string         `json:"user_id" yaml:"user_id"`
	SessionName  string         `json:"session_name,omitempty" yaml:"session_name,omitempty"`
	Status       string         `json:"status" yaml:"status"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
	MessageCount int            `json:"message_count" yaml:"message_count"`
	Context      map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Messages     []messageView  `json:"messages" yaml:"messages"`
}

type messageView struct {
	ID        string         `json:"id,omitempty" yaml:"id,omitempty"`
	Role      string         `json:"role" yaml:"role"`
	Content   string         `json:"content" yaml:"content"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func newSessionView(s *session.Session) sessionView {
	v := sessionView{
		SessionID:    s.ID,
		UserID:       s.UserID,
		SessionName:  s.Name,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		MessageCount: s.MessageCount,
		Context:      s.Context,
		Messages:     make([]messageView, len(s.Messages)),
	}
	for i, m := range s.Messages {
		v.Messages[i] = messageView{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Metadata:  m.Metadata,
		}
	}
	return v
}
