package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nvake/sesh/internal/backend"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CredentialSource resolves backend credentials from configuration at
// call time, so a rotated token or a changed base URL is picked up
// without rebuilding the client. Results are cached briefly; config
// reads may shell out to the platform backend and are too slow for the
// request path.
type CredentialSource struct {
	load  func() (Config, error)
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   backend.Credentials
	cachedAt time.Time
	valid    bool
}

// NewCredentialSource creates a source over Load with a 30-second
// cache TTL.
func NewCredentialSource() *CredentialSource {
	return newCredentialSource(Load, realClock{}, 30*time.Second)
}

func newCredentialSource(load func() (Config, error), clock Clock, ttl time.Duration) *CredentialSource {
	return &CredentialSource{
		load:  load,
		clock: clock,
		ttl:   ttl,
	}
}

// Credentials implements backend.CredentialSource.
func (s *CredentialSource) Credentials(context.Context) (backend.Credentials, error) {
	// Fast path: read lock for cache hit.
	s.mu.RLock()
	if s.valid && s.clock.Now().Before(s.cachedAt.Add(s.ttl)) {
		creds := s.cached
		s.mu.RUnlock()
		return creds, nil
	}
	s.mu.RUnlock()

	// Slow path: write lock for cache miss.
	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if s.valid && s.clock.Now().Before(s.cachedAt.Add(s.ttl)) {
		return s.cached, nil
	}

	cfg, err := s.load()
	if err != nil {
		return backend.Credentials{}, fmt.Errorf("loading credentials: %w", err)
	}

	s.cached = backend.Credentials{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.APIToken,
	}
	s.cachedAt = s.clock.Now()
	s.valid = true
	return s.cached, nil
}

// Invalidate drops the cached credentials so the next lookup re-reads
// configuration.
func (s *CredentialSource) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}
