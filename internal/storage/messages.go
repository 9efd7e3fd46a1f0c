package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nvake/sesh/internal/session"
)

// SaveMessage upserts a single message row.
func (s *Store) SaveMessage(ctx context.Context, msg session.Message) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkQuota(ctx, db); err != nil {
		return err
	}
	if err := execSaveMessage(ctx, db, msg); err != nil {
		return err
	}
	return nil
}

// SaveMessages upserts a batch of message rows in one transaction, so
// a user turn and its reply land together or not at all.
func (s *Store) SaveMessages(ctx context.Context, msgs []session.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkQuota(ctx, db); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return saveFailure(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if err := execSaveMessage(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return saveFailure(fmt.Errorf("committing messages: %w", err))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execSaveMessage(ctx context.Context, db execer, msg session.Message) error {
	metadataJSON, err := encodeContext(msg.Metadata)
	if err != nil {
		return invalidData(fmt.Errorf("encoding metadata for message %s: %w", msg.ID, err))
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content       = excluded.content,
			metadata_json = excluded.metadata_json`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		formatTime(msg.Timestamp), metadataJSON)
	if err != nil {
		return saveFailure(fmt.Errorf("saving message %s: %w", msg.ID, err))
	}
	return nil
}

// LoadHistory returns the newest limit messages for sessionID in
// ascending time order. A non-positive limit returns the whole
// history.
func (s *Store) LoadHistory(ctx context.Context, sessionID string, limit int) ([]session.Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at, metadata_json FROM (
			SELECT id, session_id, role, content, created_at, metadata_json
			FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, loadFailure(fmt.Errorf("querying history for session %s: %w", sessionID, err))
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var (
			msg          session.Message
			role         string
			createdAt    string
			metadataJSON string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAt, &metadataJSON); err != nil {
			return nil, loadFailure(err)
		}
		msg.Role = session.Role(role)
		if msg.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if msg.Metadata, err = decodeContext(metadataJSON); err != nil {
			return nil, invalidData(fmt.Errorf("decoding metadata for message %s: %w", msg.ID, err))
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, loadFailure(err)
	}
	return out, nil
}

// MessageCount returns how many message rows exist for sessionID.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0, loadFailure(fmt.Errorf("counting messages for session %s: %w", sessionID, err))
	}
	return n, nil
}
