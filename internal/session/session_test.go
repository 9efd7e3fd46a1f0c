package session

import (
	"testing"
	"time"
)

func TestNewSessionDefaults(t *testing.T) {
	s := New("u1", "Research")

	if s.ID == "" {
		t.Error("ID not minted")
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %q, want %q", s.Status, StatusActive)
	}
	if !s.CreatedAt.Equal(s.UpdatedAt) {
		t.Errorf("CreatedAt %v != UpdatedAt %v on a fresh session", s.CreatedAt, s.UpdatedAt)
	}
	if s.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt zone = %v, want UTC", s.CreatedAt.Location())
	}
}

// TestAppendNeverUndercounts: MessageCount tracks the materialized
// history upward but a larger remote count survives local appends.
func TestAppendNeverUndercounts(t *testing.T) {
	s := New("u1", "")
	s.Append(NewMessage(s.ID, RoleUser, "one"))
	s.Append(NewMessage(s.ID, RoleAssistant, "two"))
	if s.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", s.MessageCount)
	}

	// A session holding only a trimmed tail of a longer remote history.
	s.MessageCount = 10
	s.Append(NewMessage(s.ID, RoleUser, "three"))
	if s.MessageCount != 10 {
		t.Errorf("MessageCount = %d, want the remote total kept", s.MessageCount)
	}
	if len(s.Messages) != 3 {
		t.Errorf("len(Messages) = %d, want 3", len(s.Messages))
	}
}

func TestTouchNormalizesToUTC(t *testing.T) {
	s := New("u1", "")
	local := time.Date(2025, 6, 15, 12, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	s.Touch(local)

	want := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	if !s.UpdatedAt.Equal(want) || s.UpdatedAt.Location() != time.UTC {
		t.Errorf("UpdatedAt = %v, want %v in UTC", s.UpdatedAt, want)
	}
}

func TestCloneIsolation(t *testing.T) {
	s := New("u1", "orig")
	s.Context = map[string]any{"project": "sesh"}
	m := NewMessage(s.ID, RoleUser, "hello")
	m.Metadata = map[string]any{"local_only": true}
	s.Append(m)

	c := s.Clone()
	c.Name = "copy"
	c.Context["project"] = "other"
	c.Messages[0].Content = "mutated"
	c.Messages[0].Metadata["local_only"] = false
	c.Append(NewMessage(c.ID, RoleAssistant, "extra"))

	if s.Name != "orig" {
		t.Errorf("Name = %q, clone mutation leaked", s.Name)
	}
	if s.Context["project"] != "sesh" {
		t.Errorf("Context = %v, clone mutation leaked", s.Context)
	}
	if s.Messages[0].Content != "hello" {
		t.Errorf("Messages[0].Content = %q, clone mutation leaked", s.Messages[0].Content)
	}
	if s.Messages[0].Metadata["local_only"] != true {
		t.Errorf("Metadata = %v, clone mutation leaked", s.Messages[0].Metadata)
	}
	if len(s.Messages) != 1 {
		t.Errorf("len(Messages) = %d, append to clone leaked", len(s.Messages))
	}
}

func TestCloneNil(t *testing.T) {
	var s *Session
	if got := s.Clone(); got != nil {
		t.Errorf("Clone of nil = %v, want nil", got)
	}
}

func TestChunkTypeClassification(t *testing.T) {
	tests := []struct {
		typ      ChunkType
		text     bool
		terminal bool
	}{
		{ChunkStart, false, false},
		{ChunkDelta, true, false},
		{ChunkContent, true, false},
		{ChunkAssistant, true, false},
		{ChunkThinking, false, false},
		{ChunkTool, false, false},
		{ChunkComplete, false, true},
		{ChunkError, false, true},
		{ChunkType("future_kind"), false, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Text(); got != tt.text {
			t.Errorf("%s.Text() = %v, want %v", tt.typ, got, tt.text)
		}
		if got := tt.typ.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.typ, got, tt.terminal)
		}
	}
}
