// Package cache holds the in-memory working set: an LRU of session
// snapshots and a bounded per-session history cache.
package cache

import (
	"sync"
	"time"

	"github.com/nvake/sesh/internal/session"
)

const (
	// DefaultMaxEntries bounds the session LRU.
	DefaultMaxEntries = 20
	// DefaultEvictionSlack is how far below the bound an eviction pass
	// trims, so evictions run in batches instead of on every insert.
	DefaultEvictionSlack = 5
	// DefaultStaleAfter is the age at which a sweep drops an entry
	// regardless of its recency rank.
	DefaultStaleAfter = 7 * 24 * time.Hour
)

// SessionCache is a strict LRU over session snapshots. Inserts may
// overfill up to MaxEntries; the next insert beyond that triggers one
// amortized pass that evicts least-recently-used entries until only
// MaxEntries-Slack remain.
type SessionCache struct {
	mu      sync.Mutex
	entries map[string]*node
	head    *node // most recently used
	tail    *node // least recently used

	maxEntries int
	slack      int

	hits         uint64
	misses       uint64
	evictions    uint64
	lastEviction time.Time
}

type node struct {
	key  string
	sess *session.Session
	prev *node
	next *node
}

// NewSessionCache returns a cache bounded to maxEntries with the given
// eviction slack. Non-positive arguments fall back to the defaults;
// slack is clamped below maxEntries so a pass always retains entries.
func NewSessionCache(maxEntries, slack int) *SessionCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if slack <= 0 {
		slack = DefaultEvictionSlack
	}
	if slack >= maxEntries {
		slack = maxEntries - 1
	}
	return &SessionCache{
		entries:    make(map[string]*node),
		maxEntries: maxEntries,
		slack:      slack,
	}
}

// Get returns the snapshot for id and marks it most recently used.
func (c *SessionCache) Get(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToFront(n)
	return n.sess, true
}

// GetBatch returns the cached snapshots for ids, bumping recency for
// each hit. Absent ids are simply missing from the result.
func (c *SessionCache) GetBatch(ids []string) map[string]*session.Session {
	out := make(map[string]*session.Session, len(ids))
	for _, id := range ids {
		if s, ok := c.Get(id); ok {
			out[id] = s
		}
	}
	return out
}

// Set inserts or refreshes the snapshot and marks it most recently
// used. Inserting beyond MaxEntries triggers the amortized eviction
// pass.
func (c *SessionCache) Set(sess *session.Session) {
	if sess == nil || sess.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[sess.ID]; ok {
		n.sess = sess
		c.moveToFront(n)
		return
	}

	n := &node{key: sess.ID, sess: sess}
	c.entries[sess.ID] = n
	c.addToFront(n)

	if len(c.entries) > c.maxEntries {
		c.evictLocked(c.maxEntries - c.slack)
	}
}

// SetBatch inserts the snapshots in order, so the last element ends up
// most recently used.
func (c *SessionCache) SetBatch(list []*session.Session) {
	for _, s := range list {
		c.Set(s)
	}
}

// Delete removes id from the cache. It reports whether an entry was
// present and does not count as an eviction.
func (c *SessionCache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.entries[id]
	if !ok {
		return false
	}
	c.removeNode(n)
	delete(c.entries, id)
	return true
}

// Contains reports membership without touching recency, so probes do
// not distort the eviction order.
func (c *SessionCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of cached snapshots.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries. Counters survive; Clear is a reset of
// contents, not of history.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*node)
	c.head = nil
	c.tail = nil
}

// RemoveStale drops every entry whose session was last active before
// now minus maxAge, regardless of recency rank. It returns the number
// removed; removals count as evictions.
func (c *SessionCache) RemoveStale(maxAge time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-maxAge)
	removed := 0
	for n := c.head; n != nil; {
		next := n.next
		if n.sess.UpdatedAt.Before(cutoff) {
			c.removeNode(n)
			delete(c.entries, n.key)
			removed++
		}
		n = next
	}
	if removed > 0 {
		c.evictions += uint64(removed)
		c.lastEviction = now
	}
	return removed
}

// Stats reports counters and an estimate of resident bytes. The
// estimate sums string payloads plus a fixed per-record overhead; it
// is a planning figure, not an accounting one.
func (c *SessionCache) Stats() session.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bytes int64
	for n := c.head; n != nil; n = n.next {
		bytes += estimateSession(n.sess)
	}
	return session.CacheStats{
		Entries:        len(c.entries),
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		LastEviction:   c.lastEviction,
		EstimatedBytes: bytes,
	}
}

// evictLocked trims least-recently-used entries until target remain.
func (c *SessionCache) evictLocked(target int) {
	if target < 0 {
		target = 0
	}
	for len(c.entries) > target && c.tail != nil {
		victim := c.tail
		c.removeNode(victim)
		delete(c.entries, victim.key)
		c.evictions++
	}
	c.lastEviction = time.Now().UTC()
}

func (c *SessionCache) moveToFront(n *node) {
	if c.head == n {
		return
	}
	c.removeNode(n)
	c.addToFront(n)
}

func (c *SessionCache) addToFront(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *SessionCache) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

const (
	sessionOverhead = 256
	messageOverhead = 128
)

func estimateSession(s *session.Session) int64 {
	if s == nil {
		return 0
	}
	n := int64(sessionOverhead + len(s.ID) + len(s.UserID) + len(s.Name))
	for k, v := range s.Context {
		n += int64(len(k)) + 16
		if sv, ok := v.(string); ok {
			n += int64(len(sv))
		}
	}
	for i := range s.Messages {
		n += estimateMessage(&s.Messages[i])
	}
	return n
}

func estimateMessage(m *session.Message) int64 {
	n := int64(messageOverhead + len(m.ID) + len(m.Content))
	for k, v := range m.Metadata {
		n += int64(len(k)) + 16
		if sv, ok := v.(string); ok {
			n += int64(len(sv))
		}
	}
	return n
}
