package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/session"
)

// Send runs one blocking conversation turn: the query goes to the
// backend, and on success both the user message and the reply are
// appended locally, persisted, and cached. Only one turn per session
// may be in flight; a second caller gets ErrSessionBusy.
func (m *Manager) Send(ctx context.Context, id, query string, opts *backend.QueryOptions) (*session.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("send: empty query")
	}
	release, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := m.remote.SendQuery(ctx, backend.QueryRequest{
		Query:     query,
		SessionID: id,
		UserID:    m.userID,
		Options:   opts,
	})
	if err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}

	userMsg := session.NewMessage(id, session.RoleUser, query)
	reply := result.Message
	if reply.SessionID == "" {
		reply.SessionID = id
	}
	m.recordTurn(ctx, sess, userMsg, reply)

	out := reply.Clone()
	return &out, nil
}

// Stream runs one streaming turn. Every chunk is handed to fn as it
// arrives; text chunks accumulate into the assistant reply, which is
// recorded locally once the stream ends cleanly. A terminal error
// chunk or a drop mid-stream surfaces as an error after everything
// received has been delivered, and the turn is not recorded; the next
// refresh reconciles with whatever the backend kept.
func (m *Manager) Stream(ctx context.Context, id, query string, opts *backend.QueryOptions, fn func(session.Chunk)) (*session.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("stream: empty query")
	}
	release, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	st, err := m.remote.StreamQuery(ctx, backend.QueryRequest{
		Query:     query,
		SessionID: id,
		UserID:    m.userID,
		Stream:    true,
		Options:   opts,
	})
	if err != nil {
		return nil, fmt.Errorf("stream query: %w", err)
	}
	defer st.Close()

	var text strings.Builder
	var messageID, chunkErr string
	for chunk := range st.Chunks() {
		if fn != nil {
			fn(chunk)
		}
		if chunk.MessageID != "" {
			messageID = chunk.MessageID
		}
		switch {
		case chunk.Type.Text():
			text.WriteString(chunk.Content)
		case chunk.Type == session.ChunkError:
			chunkErr = chunk.Error
			if chunkErr == "" {
				chunkErr = chunk.Content
			}
		}
	}
	if err := st.Err(); err != nil {
		m.setState(id, StateStale)
		return nil, fmt.Errorf("stream query: %w", err)
	}
	if chunkErr != "" {
		m.setState(id, StateStale)
		return nil, fmt.Errorf("stream query: backend reported: %s", chunkErr)
	}

	userMsg := session.NewMessage(id, session.RoleUser, query)
	reply := session.NewMessage(id, session.RoleAssistant, text.String())
	if messageID != "" {
		reply.ID = messageID
	}
	m.recordTurn(ctx, sess, userMsg, reply)

	out := reply.Clone()
	return &out, nil
}

// Append records a message locally without a backend round trip. The
// session diverges from the backend until the next refresh, which the
// sync state reflects.
func (m *Manager) Append(ctx context.Context, id string, role session.Role, content string, metadata map[string]any) (*session.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("append: empty content")
	}
	if role == "" {
		role = session.RoleUser
	}
	release, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	msg := session.NewMessage(id, role, content)
	msg.Metadata = metadata
	sess.Append(msg)
	sess.Touch(m.clock.Now())

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("session not persisted", "session_id", id, "error", err)
	} else if err := m.store.SaveMessage(ctx, msg); err != nil {
		m.logger.Warn("message not persisted", "session_id", id, "error", err)
	}
	m.sessions.Set(sess.Clone())
	m.history.Append(id, msg)
	m.setState(id, StateStale)

	ev := msg.Clone()
	m.publish(EventMessageAppended, id, nil, &ev)

	out := msg.Clone()
	return &out, nil
}

// recordTurn appends a completed user/assistant exchange to the
// snapshot and propagates it to store, caches and subscribers.
func (m *Manager) recordTurn(ctx context.Context, sess *session.Session, userMsg, reply session.Message) {
	sess.Append(userMsg)
	sess.Append(reply)
	sess.Touch(m.clock.Now())

	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("session not persisted", "session_id", sess.ID, "error", err)
	} else if err := m.store.SaveMessages(ctx, []session.Message{userMsg, reply}); err != nil {
		m.logger.Warn("turn not persisted", "session_id", sess.ID, "error", err)
	}
	m.sessions.Set(sess.Clone())
	m.history.Append(sess.ID, userMsg, reply)
	m.setState(sess.ID, StateSynced)

	um := userMsg.Clone()
	am := reply.Clone()
	m.publish(EventMessageAppended, sess.ID, nil, &um)
	m.publish(EventMessageAppended, sess.ID, nil, &am)
}
