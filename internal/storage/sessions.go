package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nvake/sesh/internal/session"
)

const sessionColumns = "id, user_id, name, status, created_at, updated_at, message_count, context_json, history_json"

// SaveSession upserts the session row keyed by id. Saving the same
// snapshot twice leaves exactly one row carrying the latest fields;
// created_at survives upserts.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkQuota(ctx, db); err != nil {
		return err
	}

	contextJSON, err := encodeContext(sess.Context)
	if err != nil {
		return invalidData(fmt.Errorf("encoding context for session %s: %w", sess.ID, err))
	}
	historyJSON, err := encodeHistory(sess.Messages)
	if err != nil {
		return invalidData(fmt.Errorf("encoding history for session %s: %w", sess.ID, err))
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id       = excluded.user_id,
			name          = excluded.name,
			status        = excluded.status,
			updated_at    = excluded.updated_at,
			message_count = excluded.message_count,
			context_json  = excluded.context_json,
			history_json  = excluded.history_json`,
		sess.ID, sess.UserID, sess.Name, string(sess.Status),
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
		sess.MessageCount, contextJSON, historyJSON)
	if err != nil {
		return saveFailure(fmt.Errorf("saving session %s: %w", sess.ID, err))
	}
	return nil
}

// LoadSession returns the stored session including its materialized
// history. Unknown ids return ErrNotFound; corrupt rows return
// ErrInvalidData.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidData) {
			return nil, err
		}
		return nil, loadFailure(fmt.Errorf("loading session %s: %w", id, err))
	}
	return sess, nil
}

// LoadRecent returns up to limit sessions ordered by last activity,
// newest first. Corrupt rows are skipped so one bad blob cannot take
// down listing.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]*session.Session, error) {
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY updated_at DESC LIMIT ?",
		normalizeLimit(limit))
}

// LoadForUser returns up to limit sessions for userID, newest first.
func (s *Store) LoadForUser(ctx context.Context, userID string, limit int) ([]*session.Session, error) {
	return s.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?",
		userID, normalizeLimit(limit))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*session.Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loadFailure(fmt.Errorf("querying sessions: %w", err))
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			if errors.Is(err, ErrInvalidData) {
				continue
			}
			return nil, loadFailure(err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, loadFailure(err)
	}
	return out, nil
}

// DeleteSession removes the session row; message rows go with it via
// the cascade. Unknown ids return ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return saveFailure(fmt.Errorf("deleting session %s: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return saveFailure(err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess        session.Session
		status      string
		createdAt   string
		updatedAt   string
		contextJSON string
		historyJSON string
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Name, &status,
		&createdAt, &updatedAt, &sess.MessageCount, &contextJSON, &historyJSON); err != nil {
		return nil, err
	}

	sess.Status = session.Status(status)
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if sess.Context, err = decodeContext(contextJSON); err != nil {
		return nil, invalidData(fmt.Errorf("decoding context for session %s: %w", sess.ID, err))
	}
	if sess.Messages, err = decodeHistory(sess.ID, historyJSON); err != nil {
		return nil, invalidData(fmt.Errorf("decoding history for session %s: %w", sess.ID, err))
	}
	return &sess, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return -1 // SQLite: no limit
	}
	return limit
}

// messageBlob is the serialized form used for the history column and
// the message metadata column.
type messageBlob struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func encodeContext(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeContext(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeHistory(msgs []session.Message) (string, error) {
	if len(msgs) == 0 {
		return "[]", nil
	}
	blobs := make([]messageBlob, len(msgs))
	for i, m := range msgs {
		blobs[i] = messageBlob{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: formatTime(m.Timestamp),
			Metadata:  m.Metadata,
		}
	}
	b, err := json.Marshal(blobs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHistory(sessionID, raw string) ([]session.Message, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var blobs []messageBlob
	if err := json.Unmarshal([]byte(raw), &blobs); err != nil {
		return nil, err
	}
	msgs := make([]session.Message, len(blobs))
	for i, b := range blobs {
		ts, err := parseTime(b.Timestamp)
		if err != nil {
			return nil, err
		}
		msgs[i] = session.Message{
			ID:        b.ID,
			SessionID: sessionID,
			Role:      session.Role(b.Role),
			Content:   b.Content,
			Timestamp: ts,
			Metadata:  b.Metadata,
		}
	}
	return msgs, nil
}
