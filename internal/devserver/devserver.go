// Package devserver is an in-memory stand-in for the chat backend. It
// speaks the same wire surface the client does, holds sessions in a
// map, and can be told to misbehave (dropped connections, 429s, empty
// streams) so resilience paths get exercised without a real backend.
package devserver

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nvake/sesh/internal/session"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Server holds the stub backend's state. All methods are safe for
// concurrent use.
type Server struct {
	token       string
	logger      *slog.Logger
	streamDelay time.Duration
	reply       func(query string) string

	mu       sync.Mutex
	sessions map[string]*session.Session
	scripted []string
	faults   faults
}

type faults struct {
	failConnects int
	rateLimits   int
	emptyStreams int
}

// Option tweaks server construction.
type Option func(*Server)

// WithToken requires the given bearer token on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger replaces the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReply replaces the fallback reply generator consulted when no
// scripted replies remain.
func WithReply(fn func(query string) string) Option {
	return func(s *Server) { s.reply = fn }
}

// WithStreamDelay paces streamed frames, which makes `sesh devserver`
// demos feel like a live backend. Zero streams as fast as the wire
// allows.
func WithStreamDelay(d time.Duration) Option {
	return func(s *Server) { s.streamDelay = d }
}

// New returns an empty stub backend.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   slog.Default(),
		reply:    defaultReply,
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultReply(query string) string {
	return "Echo: " + query
}

// Handler returns the HTTP surface. Fault injection runs before auth
// so armed failures look like network trouble, not rejections.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.faultMiddleware)
	if s.token != "" {
		r.Use(bearerAuth(s.token))
	}

	r.Get("/claude/health", s.handleHealth)
	r.Post("/claude/sessions", s.handleCreateSession)
	r.Get("/claude/sessions", s.handleListSessions)
	r.Get("/claude/sessions/{id}", s.handleGetSession)
	r.Put("/claude/sessions/{id}", s.handleUpdateSession)
	r.Delete("/claude/sessions/{id}", s.handleDeleteSession)
	r.Post("/claude/query", s.handleQuery)
	r.Post("/claude/stream", s.handleStream)

	return r
}

// FailConnects arms the next n requests to drop their connection
// before writing a byte, as a crashed or unreachable backend would.
func (s *Server) FailConnects(n int) {
	s.mu.Lock()
	s.faults.failConnects = n
	s.mu.Unlock()
}

// RateLimitFirst arms the next n requests to answer 429.
func (s *Server) RateLimitFirst(n int) {
	s.mu.Lock()
	s.faults.rateLimits = n
	s.mu.Unlock()
}

// EmptyStreamFirst arms the next n stream requests to end after the
// response headers, before any frame is written.
func (s *Server) EmptyStreamFirst(n int) {
	s.mu.Lock()
	s.faults.emptyStreams = n
	s.mu.Unlock()
}

// ScriptReplies queues canned reply texts consumed in order by query
// and stream requests. Once drained, the fallback generator takes
// over.
func (s *Server) ScriptReplies(replies ...string) {
	s.mu.Lock()
	s.scripted = append(s.scripted, replies...)
	s.mu.Unlock()
}

// Seed installs a session directly into the stub's state.
func (s *Server) Seed(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()
}

// Session returns a copy of the stub's record for id, for test
// assertions against server-side state.
func (s *Server) Session(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// SessionCount reports how many sessions the stub holds.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) takeFailConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.failConnects > 0 {
		s.faults.failConnects--
		return true
	}
	return false
}

func (s *Server) takeRateLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.rateLimits > 0 {
		s.faults.rateLimits--
		return true
	}
	return false
}

func (s *Server) takeEmptyStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.faults.emptyStreams > 0 {
		s.faults.emptyStreams--
		return true
	}
	return false
}

func (s *Server) nextReply(query string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scripted) > 0 {
		reply := s.scripted[0]
		s.scripted = s.scripted[1:]
		return reply
	}
	return s.reply(query)
}

func (s *Server) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.takeFailConnect() {
			s.logger.Debug("dropping connection", "method", r.Method, "path", r.URL.Path)
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			// Not hijackable (HTTP/2 or a recording writer): the
			// closest approximation is an empty 500.
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if s.takeRateLimit() {
			s.logger.Debug("rate limiting", "method", r.Method, "path", r.URL.Path)
			httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userSessions returns clones of the user's sessions, most recently
// updated first.
func (s *Server) userSessions(userID string) []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
