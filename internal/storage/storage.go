// Package storage persists sessions and messages in SQLite so reads
// keep working offline and survive restarts.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nvake/sesh/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose registers dialect and base FS globally.
var migrateMu sync.Mutex

const dbFileName = "sesh.db"

// Store wraps a SQLite database holding session and message rows.
// Operations fail fast with ErrNotInitialized until initialization
// has completed.
type Store struct {
	ready   chan struct{}
	db      *sql.DB
	path    string // empty for in-memory databases
	quota   int64
	initErr error
}

// Option tweaks Open behavior.
type Option func(*Store)

// WithQuota rejects writes once the database file exceeds maxBytes.
// Zero disables the check.
func WithQuota(maxBytes int64) Option {
	return func(s *Store) { s.quota = maxBytes }
}

// Open opens (or creates) the database in dataDir, runs pending
// migrations, and returns a ready store. Pass ":memory:" as dataDir
// for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	s := newStore(opts...)
	s.initErr = s.open(dataDir)
	close(s.ready)
	if s.initErr != nil {
		return nil, s.initErr
	}
	return s, nil
}

// OpenAsync returns a store handle immediately and initializes it in
// the background. Operations issued before initialization completes
// fail fast with ErrNotInitialized instead of blocking; WaitReady
// blocks until the store is usable or initialization failed.
func OpenAsync(dataDir string, opts ...Option) *Store {
	s := newStore(opts...)
	go func() {
		s.initErr = s.open(dataDir)
		close(s.ready)
	}()
	return s
}

func newStore(opts ...Option) *Store {
	s := &Store{ready: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) open(dataDir string) error {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		s.path = filepath.Join(dataDir, dbFileName)
		dsn = s.path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrency.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return fmt.Errorf("running migrations: %w", err)
	}

	s.db = db
	return nil
}

func migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// WaitReady blocks until initialization finishes or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conn gates every operation on initialization without blocking.
func (s *Store) conn() (*sql.DB, error) {
	select {
	case <-s.ready:
	default:
		return nil, ErrNotInitialized
	}
	if s.initErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, s.initErr)
	}
	return s.db, nil
}

// Close closes the underlying database. It waits for an in-flight
// OpenAsync to settle first.
func (s *Store) Close() error {
	<-s.ready
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	migrateMu.Lock()
	defer migrateMu.Unlock()
	return goose.GetDBVersion(db)
}

// Stats reports row counts and the database size in bytes.
func (s *Store) Stats(ctx context.Context) (session.StoreStats, error) {
	var stats session.StoreStats
	db, err := s.conn()
	if err != nil {
		return stats, err
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&stats.Sessions); err != nil {
		return stats, loadFailure(fmt.Errorf("counting sessions: %w", err))
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&stats.Messages); err != nil {
		return stats, loadFailure(fmt.Errorf("counting messages: %w", err))
	}

	size, err := s.sizeBytes(ctx, db)
	if err != nil {
		return stats, err
	}
	stats.DiskBytes = size
	return stats, nil
}

func (s *Store) sizeBytes(ctx context.Context, db *sql.DB) (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, loadFailure(fmt.Errorf("reading page_count: %w", err))
	}
	if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, loadFailure(fmt.Errorf("reading page_size: %w", err))
	}
	return pageCount * pageSize, nil
}

// checkQuota rejects writes once the database has outgrown the
// configured quota.
func (s *Store) checkQuota(ctx context.Context, db *sql.DB) error {
	if s.quota <= 0 {
		return nil
	}
	size, err := s.sizeBytes(ctx, db)
	if err != nil {
		return err
	}
	if size > s.quota {
		return fmt.Errorf("%w: %d bytes used, quota %d", ErrQuotaExceeded, size, s.quota)
	}
	return nil
}

// PurgeOlderThan deletes sessions last active before cutoff, cascading
// to their messages. It returns the number of sessions removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM sessions WHERE updated_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, saveFailure(fmt.Errorf("purging sessions: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, saveFailure(err)
	}
	return n, nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, invalidData(fmt.Errorf("parsing timestamp %q: %w", s, err))
	}
	return t, nil
}
