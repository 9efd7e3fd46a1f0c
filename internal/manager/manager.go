// Package manager coordinates the three homes of a session: the
// in-memory cache, the on-disk store, and the remote backend. Reads
// prefer the nearest copy and fall outward; writes land remotely
// first and are then persisted and cached, so the backend stays the
// single source of truth while the local copies absorb repeat reads.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nvake/sesh/internal/backend"
	"github.com/nvake/sesh/internal/cache"
	"github.com/nvake/sesh/internal/pubsub"
	"github.com/nvake/sesh/internal/session"
	"github.com/nvake/sesh/internal/storage"
)

var (
	// ErrSessionBusy reports a second network operation on a session
	// that already has one in flight.
	ErrSessionBusy = errors.New("session busy")

	// ErrNoSession reports a session id known nowhere: not cached,
	// not on disk, not on the backend.
	ErrNoSession = errors.New("session not found")

	// ErrNoActive reports an operation that needs an active session
	// when none is selected.
	ErrNoActive = errors.New("no active session")
)

// Remote is the backend surface the manager depends on. *backend.Client
// satisfies it through BackendRemote.
type Remote interface {
	Health(ctx context.Context) (*backend.Health, error)
	CreateSession(ctx context.Context, userID, name string, sessionContext map[string]any) (*session.Session, error)
	GetSession(ctx context.Context, id, userID string) (*session.Session, error)
	ListSessions(ctx context.Context, opts backend.ListOptions) (*backend.SessionPage, error)
	UpdateSession(ctx context.Context, id, userID string, upd backend.UpdateRequest) (*session.Session, error)
	DeleteSession(ctx context.Context, id, userID string) error
	SendQuery(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error)
	StreamQuery(ctx context.Context, req backend.QueryRequest) (ChunkStream, error)
}

// ChunkStream is a live response stream. *backend.Stream satisfies it.
type ChunkStream interface {
	Chunks() <-chan session.Chunk
	Err() error
	Close()
}

// Store is the durable layer the manager depends on. *storage.Store
// satisfies it.
type Store interface {
	WaitReady(ctx context.Context) error
	SaveSession(ctx context.Context, sess *session.Session) error
	LoadSession(ctx context.Context, id string) (*session.Session, error)
	LoadRecent(ctx context.Context, limit int) ([]*session.Session, error)
	LoadForUser(ctx context.Context, userID string, limit int) ([]*session.Session, error)
	DeleteSession(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, msg session.Message) error
	SaveMessages(ctx context.Context, msgs []session.Message) error
	LoadHistory(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (session.StoreStats, error)
}

type backendRemote struct {
	*backend.Client
}

func (r backendRemote) StreamQuery(ctx context.Context, req backend.QueryRequest) (ChunkStream, error) {
	return r.Client.StreamQuery(ctx, req)
}

// BackendRemote adapts a backend client to the Remote interface.
func BackendRemote(c *backend.Client) Remote {
	return backendRemote{Client: c}
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options tunes a Manager. Zero values pick the defaults.
type Options struct {
	UserID        string        // backend user scope, default "default_user"
	MaxSessions   int           // session cache capacity
	EvictionSlack int           // extra cache headroom before eviction
	HistoryLimit  int           // messages kept per session in memory
	StaleAfter    time.Duration // cache age evicted by Maintain, default 7 days
	Retention     time.Duration // store age purged by Maintain, default 30 days
	EventBuffer   int           // per-subscriber event queue, default 16
	Logger        *slog.Logger
	Clock         Clock
}

const (
	defaultStaleAfter  = 7 * 24 * time.Hour
	defaultRetention   = 30 * 24 * time.Hour
	defaultEventBuffer = 16

	refreshPageSize = 50
	warmConcurrency = 4
)

// Manager owns the session caches and mediates every read and write
// across cache, store and backend.
type Manager struct {
	remote Remote
	store  Store
	logger *slog.Logger
	clock  Clock
	userID string

	sessions *cache.SessionCache
	history  *cache.HistoryCache
	broker   *pubsub.Broker[Event]
	flight   singleflight.Group

	staleAfter time.Duration
	retention  time.Duration

	mu       sync.Mutex
	active   string
	inflight map[string]struct{}
	states   map[string]SyncState
}

// New builds a Manager over the given backend and store. The store may
// still be initializing; operations that need it wait via WaitReady.
func New(remote Remote, store Store, opts Options) *Manager {
	if opts.UserID == "" {
		opts.UserID = backend.DefaultUserID
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Manager{
		remote:     remote,
		store:      store,
		logger:     opts.Logger,
		clock:      opts.Clock,
		userID:     opts.UserID,
		sessions:   cache.NewSessionCache(opts.MaxSessions, opts.EvictionSlack),
		history:    cache.NewHistoryCache(opts.HistoryLimit),
		broker:     pubsub.New[Event](opts.EventBuffer),
		staleAfter: opts.StaleAfter,
		retention:  opts.Retention,
		inflight:   make(map[string]struct{}),
		states:     make(map[string]SyncState),
	}
}

// Close releases the event broker. In-flight operations finish on
// their own contexts.
func (m *Manager) Close() {
	m.broker.Shutdown()
}

// acquire claims the per-session network slot. Callers must release
// with the returned func. A held slot makes concurrent sends fail
// fast instead of interleaving conversation turns.
func (m *Manager) acquire(id string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionBusy)
	}
	m.inflight[id] = struct{}{}
	return func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}, nil
}

// Get returns the session by id, trying cache, then store, then the
// backend. A backend hit is written back to store and cache so the
// next read is local. Concurrent misses on the same id share one
// backend call.
func (m *Manager) Get(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("get session: empty id")
	}
	if sess, ok := m.sessions.Get(id); ok {
		return sess.Clone(), nil
	}
	if sess := m.loadStored(ctx, id); sess != nil {
		m.admit(sess)
		m.setState(id, StatePersisted)
		return sess.Clone(), nil
	}
	v, err, _ := m.flight.Do(id, func() (any, error) {
		return m.fetchRemote(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session).Clone(), nil
}

// loadStored reads id from the store, tolerating a store that is not
// ready or a corrupt row. Both fall through to the backend.
func (m *Manager) loadStored(ctx context.Context, id string) *session.Session {
	sess, err := m.store.LoadSession(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("store read failed, falling through to backend", "session_id", id, "error", err)
		}
		return nil
	}
	return sess
}

// fetchRemote pulls id from the backend and backfills store and cache.
func (m *Manager) fetchRemote(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.remote.GetSession(ctx, id, m.userID)
	if err != nil {
		if isRemoteNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNoSession)
		}
		return nil, fmt.Errorf("fetch session %s: %w", id, err)
	}
	m.persist(ctx, sess)
	m.admit(sess)
	m.setState(id, StateSynced)
	return sess, nil
}

func isRemoteNotFound(err error) bool {
	var be *backend.Error
	return errors.As(err, &be) && be.Status == http.StatusNotFound
}

// admit installs a snapshot in the caches. The cached copy is never
// handed out directly; readers get clones.
func (m *Manager) admit(sess *session.Session) {
	m.sessions.Set(sess.Clone())
	if len(sess.Messages) > 0 {
		m.history.Replace(sess.ID, sess.Messages)
	}
}

// persist writes a session and its materialized messages to the store.
// Failures degrade to cache-only operation and are logged, not fatal:
// the backend still holds the truth.
func (m *Manager) persist(ctx context.Context, sess *session.Session) {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("session not persisted", "session_id", sess.ID, "error", err)
		return
	}
	if len(sess.Messages) > 0 {
		if err := m.store.SaveMessages(ctx, sess.Messages); err != nil {
			m.logger.Warn("messages not persisted", "session_id", sess.ID, "error", err)
		}
	}
}

// Create starts a session on the backend, persists and caches it, and
// makes it the active session.
func (m *Manager) Create(ctx context.Context, name string) (*session.Session, error) {
	sess, err := m.remote.CreateSession(ctx, m.userID, name, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.persist(ctx, sess)
	m.admit(sess)
	m.setState(sess.ID, StateSynced)
	m.publish(EventCreated, sess.ID, sess.Clone(), nil)
	m.activate(sess.ID)
	return sess, nil
}

// Rename changes the display name of a session on the backend and
// propagates the result locally.
func (m *Manager) Rename(ctx context.Context, id, name string) (*session.Session, error) {
	return m.Update(ctx, id, backend.UpdateRequest{Name: &name})
}

// Update applies a partial update remotely and reconciles the local
// copies with the returned session.
func (m *Manager) Update(ctx context.Context, id string, upd backend.UpdateRequest) (*session.Session, error) {
	release, err := m.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.remote.UpdateSession(ctx, id, m.userID, upd)
	if err != nil {
		if isRemoteNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNoSession)
		}
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	// Update responses carry no history; keep whatever we already have.
	if len(sess.Messages) == 0 {
		if local, ok := m.sessions.Get(id); ok && len(local.Messages) > 0 {
			sess.Messages = local.Messages
			if local.MessageCount > sess.MessageCount {
				sess.MessageCount = local.MessageCount
			}
		}
	}
	m.persist(ctx, sess)
	m.admit(sess)
	m.setState(id, StateSynced)
	m.publish(EventUpdated, id, sess.Clone(), nil)
	return sess, nil
}

// Delete removes a session everywhere: backend first, then store, then
// the caches. A backend 404 is treated as already deleted and local
// cleanup proceeds. If the backend delete succeeds but local cleanup
// fails, the error is returned after cleanup so callers know the local
// copies may linger; the deleted event still fires.
func (m *Manager) Delete(ctx context.Context, id string) error {
	release, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if err := m.remote.DeleteSession(ctx, id, m.userID); err != nil && !isRemoteNotFound(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	var cleanup error
	if err := m.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		cleanup = fmt.Errorf("delete session %s: backend removal succeeded, local store cleanup failed: %w", id, err)
	}
	m.sessions.Delete(id)
	m.history.Delete(id)
	m.setState(id, StateDeleted)

	m.mu.Lock()
	wasActive := m.active == id
	if wasActive {
		m.active = ""
	}
	m.mu.Unlock()

	m.publish(EventDeleted, id, nil, nil)
	if wasActive {
		m.publish(EventActiveChanged, "", nil, nil)
	}
	return cleanup
}

// List returns up to limit sessions for the manager's user, newest
// first. The backend is authoritative; on backend failure the store
// serves what it has and the degradation is logged.
func (m *Manager) List(ctx context.Context, limit int) ([]*session.Session, error) {
	page, err := m.remote.ListSessions(ctx, backend.ListOptions{UserID: m.userID, Limit: limit})
	if err != nil {
		m.logger.Warn("backend list failed, serving stored sessions", "error", err)
		sessions, serr := m.store.LoadForUser(ctx, m.userID, limit)
		if serr != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		return sessions, nil
	}
	out := make([]*session.Session, len(page.Sessions))
	for i, sess := range page.Sessions {
		m.persist(ctx, sess)
		m.admit(sess)
		m.setState(sess.ID, StateSynced)
		out[i] = sess.Clone()
	}
	return out, nil
}

// History returns up to limit recent messages of a session in
// chronological order, from the history cache when possible.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]session.Message, error) {
	if msgs, ok := m.history.Get(id); ok {
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		return msgs, nil
	}
	msgs, err := m.store.LoadHistory(ctx, id, limit)
	if err == nil && len(msgs) > 0 {
		m.history.Replace(id, msgs)
		return msgs, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotInitialized) {
		m.logger.Warn("store history read failed", "session_id", id, "error", err)
	}
	sess, gerr := m.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	msgs = sess.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Refresh reconciles local state with the backend's full session list,
// paging through it and upserting every row. Sessions only present
// locally are left alone; the backend may be behind or the row may be
// local-only by design. Returns the number of sessions reconciled.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	total := 0
	offset := 0
	for {
		page, err := m.remote.ListSessions(ctx, backend.ListOptions{
			UserID: m.userID,
			Limit:  refreshPageSize,
			Offset: offset,
		})
		if err != nil {
			return total, fmt.Errorf("refresh sessions: %w", err)
		}
		for _, remote := range page.Sessions {
			m.reconcile(ctx, remote)
			total++
		}
		if !page.HasMore || len(page.Sessions) == 0 {
			break
		}
		offset = page.NextOffset
	}
	return total, nil
}

// reconcile merges one remote session row into store and cache. A
// local copy with more messages than the remote row keeps its count:
// local appends may not have reached the backend yet.
func (m *Manager) reconcile(ctx context.Context, remote *session.Session) {
	if local, ok := m.sessions.Get(remote.ID); ok {
		if len(remote.Messages) == 0 && len(local.Messages) > 0 {
			remote.Messages = local.Messages
		}
		if local.MessageCount > remote.MessageCount {
			remote.MessageCount = local.MessageCount
		}
	}
	m.persist(ctx, remote)
	m.admit(remote)
	m.setState(remote.ID, StateSynced)
	m.publish(EventUpdated, remote.ID, remote.Clone(), nil)
}

// Warm pre-faults the given session ids into the caches with bounded
// concurrency. Individual failures abort the batch.
func (m *Manager) Warm(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Get(ctx, id); err != nil {
				return fmt.Errorf("warm %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SetActive selects the session subsequent sends target. The id must
// resolve through Get.
func (m *Manager) SetActive(ctx context.Context, id string) (*session.Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.activate(sess.ID)
	return sess, nil
}

func (m *Manager) activate(id string) {
	m.mu.Lock()
	changed := m.active != id
	m.active = id
	m.mu.Unlock()
	if changed {
		m.publish(EventActiveChanged, id, nil, nil)
	}
}

// Active returns the currently selected session id, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

// ClearActive deselects the active session.
func (m *Manager) ClearActive() {
	m.mu.Lock()
	changed := m.active != ""
	m.active = ""
	m.mu.Unlock()
	if changed {
		m.publish(EventActiveChanged, "", nil, nil)
	}
}

// Health probes the backend.
func (m *Manager) Health(ctx context.Context) (*backend.Health, error) {
	return m.remote.Health(ctx)
}

// CacheStats reports cache occupancy and hit rates.
func (m *Manager) CacheStats() session.CacheStats {
	stats := m.sessions.Stats()
	stats.HistorySessions, stats.HistoryMessages = m.history.Counts()
	return stats
}

// StoreStats reports durable row counts and database size.
func (m *Manager) StoreStats(ctx context.Context) (session.StoreStats, error) {
	return m.store.Stats(ctx)
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	StaleEvicted int   // cache entries dropped for age
	PurgedRows   int64 // store sessions removed past retention
}

// Maintain evicts cache entries older than the stale threshold and
// purges store rows past the retention window.
func (m *Manager) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	now := m.clock.Now()
	report.StaleEvicted = m.sessions.RemoveStale(m.staleAfter, now)

	purged, err := m.store.PurgeOlderThan(ctx, now.Add(-m.retention))
	if err != nil {
		return report, fmt.Errorf("purge store: %w", err)
	}
	report.PurgedRows = purged

	m.mu.Lock()
	for id, s := range m.states {
		if s == StateDeleted {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
	return report, nil
}
