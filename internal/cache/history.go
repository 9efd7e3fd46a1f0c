package cache

import (
	"sync"

	"github.com/nvake/sesh/internal/session"
)

// DefaultHistoryLimit bounds the per-session history cache.
const DefaultHistoryLimit = 100

// HistoryCache keeps the newest messages of each session in memory.
// It is independent of the session LRU: evicting a snapshot does not
// drop its history and vice versa.
type HistoryCache struct {
	mu        sync.Mutex
	limit     int
	histories map[string][]session.Message
}

// NewHistoryCache returns a history cache keeping at most limit
// messages per session. A non-positive limit falls back to the
// default.
func NewHistoryCache(limit int) *HistoryCache {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryCache{
		limit:     limit,
		histories: make(map[string][]session.Message),
	}
}

// Get returns a copy of the cached history, oldest first.
func (h *HistoryCache) Get(sessionID string) ([]session.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs, ok := h.histories[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	return out, true
}

// Replace installs msgs as the history, keeping only the newest limit
// entries. Messages are expected oldest first.
func (h *HistoryCache) Replace(sessionID string, msgs []session.Message) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	trimmed := trimOldest(msgs, h.limit)
	stored := make([]session.Message, len(trimmed))
	copy(stored, trimmed)
	h.histories[sessionID] = stored
}

// Append adds messages to the cached history, trimming the oldest
// entries beyond the limit.
func (h *HistoryCache) Append(sessionID string, msgs ...session.Message) {
	if sessionID == "" || len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	combined := append(h.histories[sessionID], msgs...)
	h.histories[sessionID] = trimOldest(combined, h.limit)
}

// Delete drops the history for sessionID.
func (h *HistoryCache) Delete(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.histories, sessionID)
}

// Clear drops all histories.
func (h *HistoryCache) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.histories = make(map[string][]session.Message)
}

// Counts returns how many sessions have cached history and the total
// cached message count.
func (h *HistoryCache) Counts() (sessions, messages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, msgs := range h.histories {
		messages += len(msgs)
	}
	return len(h.histories), messages
}

func trimOldest(msgs []session.Message, limit int) []session.Message {
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
