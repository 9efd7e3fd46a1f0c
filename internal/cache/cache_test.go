package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/nvake/sesh/internal/session"
)

func snap(id string) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:        id,
		UserID:    "u1",
		Name:      "session " + id,
		Status:    session.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestEvictionKeepsMostRecent verifies the amortized pass: overfilling
// past the bound trims down to maxEntries-slack, dropping strictly the
// least recently used entries.
func TestEvictionKeepsMostRecent(t *testing.T) {
	c := NewSessionCache(4, 2)

	for i := 1; i <= 5; i++ {
		c.Set(snap(fmt.Sprintf("s%d", i)))
	}

	if got := c.Len(); got != 2 {
		t.Fatalf("Len() = %d after eviction pass, want 2", got)
	}
	for _, id := range []string{"s4", "s5"} {
		if !c.Contains(id) {
			t.Errorf("expected %s to survive eviction", id)
		}
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		if c.Contains(id) {
			t.Errorf("expected %s to be evicted", id)
		}
	}
	if got := c.Stats().Evictions; got != 3 {
		t.Errorf("Evictions = %d, want 3", got)
	}
}

// TestGetBumpsRecency verifies that a lookup protects an entry from
// the next eviction pass.
func TestGetBumpsRecency(t *testing.T) {
	c := NewSessionCache(3, 1)
	c.Set(snap("a"))
	c.Set(snap("b"))
	c.Set(snap("c"))

	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) missed unexpectedly")
	}
	c.Set(snap("d")) // overfill: trims to 2, keeping d and a

	for _, id := range []string{"d", "a"} {
		if !c.Contains(id) {
			t.Errorf("expected %s to survive", id)
		}
	}
	for _, id := range []string{"b", "c"} {
		if c.Contains(id) {
			t.Errorf("expected %s to be evicted", id)
		}
	}
}

// TestContainsDoesNotBumpRecency verifies that membership probes leave
// the eviction order untouched.
func TestContainsDoesNotBumpRecency(t *testing.T) {
	c := NewSessionCache(3, 1)
	c.Set(snap("a"))
	c.Set(snap("b"))
	c.Set(snap("c"))

	c.Contains("a")
	c.Set(snap("d")) // trims to 2: a is still the oldest and must go

	if c.Contains("a") {
		t.Error("Contains bumped recency: a survived eviction")
	}
	for _, id := range []string{"d", "c"} {
		if !c.Contains(id) {
			t.Errorf("expected %s to survive", id)
		}
	}
}

func TestHitMissAccounting(t *testing.T) {
	c := NewSessionCache(4, 1)

	c.Get("missing")
	c.Get("missing")
	c.Set(snap("a"))
	for range 3 {
		if _, ok := c.Get("a"); !ok {
			t.Fatal("Get(a) missed unexpectedly")
		}
	}

	stats := c.Stats()
	if stats.Hits != 3 {
		t.Errorf("Hits = %d, want 3", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Errorf("Misses = %d, want 2", stats.Misses)
	}
	if got, want := stats.HitRate(), 0.6; got != want {
		t.Errorf("HitRate() = %v, want %v", got, want)
	}
}

func TestSetSameIDUpdatesInPlace(t *testing.T) {
	c := NewSessionCache(4, 1)

	c.Set(snap("a"))
	updated := snap("a")
	updated.Name = "renamed"
	c.Set(updated)

	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	got, ok := c.Get("a")
	if !ok {
		t.Fatal("Get(a) missed after update")
	}
	if got.Name != "renamed" {
		t.Errorf("Name = %q, want %q", got.Name, "renamed")
	}
	if ev := c.Stats().Evictions; ev != 0 {
		t.Errorf("Evictions = %d, want 0", ev)
	}
}

// TestRemoveStale verifies the age sweep ignores recency rank.
func TestRemoveStale(t *testing.T) {
	c := NewSessionCache(10, 2)
	now := time.Now().UTC()

	old := snap("old")
	old.UpdatedAt = now.Add(-8 * 24 * time.Hour)
	c.Set(old)
	c.Set(snap("fresh"))

	// Bump recency of the stale entry; the sweep must still drop it.
	if _, ok := c.Get("old"); !ok {
		t.Fatal("Get(old) missed unexpectedly")
	}

	removed := c.RemoveStale(DefaultStaleAfter, now)
	if removed != 1 {
		t.Fatalf("RemoveStale() = %d, want 1", removed)
	}
	if c.Contains("old") {
		t.Error("stale entry survived the sweep")
	}
	if !c.Contains("fresh") {
		t.Error("fresh entry was swept")
	}
	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", stats.Evictions)
	}
	if stats.LastEviction.IsZero() {
		t.Error("LastEviction not recorded")
	}
}

func TestBatchOperations(t *testing.T) {
	c := NewSessionCache(10, 2)
	c.SetBatch([]*session.Session{snap("a"), snap("b"), snap("c")})

	got := c.GetBatch([]string{"a", "b", "c", "nope"})
	if len(got) != 3 {
		t.Fatalf("GetBatch returned %d entries, want 3", len(got))
	}
	if _, ok := got["nope"]; ok {
		t.Error("GetBatch returned an entry for an absent id")
	}
}

func TestClearKeepsCounters(t *testing.T) {
	c := NewSessionCache(4, 1)
	c.Set(snap("a"))
	c.Get("a")

	c.Clear()

	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d after Clear, want 0", got)
	}
	if got := c.Stats().Hits; got != 1 {
		t.Errorf("Hits = %d after Clear, want 1", got)
	}
	// The list must be reusable after a clear.
	c.Set(snap("b"))
	if !c.Contains("b") {
		t.Error("Set after Clear did not stick")
	}
}

func TestStatsEstimatesBytes(t *testing.T) {
	c := NewSessionCache(4, 1)
	s := snap("a")
	s.Messages = []session.Message{session.NewMessage("a", session.RoleUser, "hello world")}
	c.Set(s)

	if got := c.Stats().EstimatedBytes; got <= 0 {
		t.Errorf("EstimatedBytes = %d, want > 0", got)
	}
}

func msg(sessionID string, i int) session.Message {
	return session.Message{
		ID:        fmt.Sprintf("m%d", i),
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   fmt.Sprintf("message %d", i),
		Timestamp: time.Now().UTC(),
	}
}

// TestHistoryAppendTrimsOldest verifies the per-session bound keeps the
// newest messages.
func TestHistoryAppendTrimsOldest(t *testing.T) {
	h := NewHistoryCache(5)
	for i := 1; i <= 7; i++ {
		h.Append("s1", msg("s1", i))
	}

	got, ok := h.Get("s1")
	if !ok {
		t.Fatal("Get(s1) missed")
	}
	if len(got) != 5 {
		t.Fatalf("history length = %d, want 5", len(got))
	}
	if got[0].ID != "m3" || got[4].ID != "m7" {
		t.Errorf("kept window [%s..%s], want [m3..m7]", got[0].ID, got[4].ID)
	}
}

func TestHistoryReplaceTrims(t *testing.T) {
	h := NewHistoryCache(3)
	var msgs []session.Message
	for i := 1; i <= 6; i++ {
		msgs = append(msgs, msg("s1", i))
	}
	h.Replace("s1", msgs)

	got, _ := h.Get("s1")
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	if got[0].ID != "m4" {
		t.Errorf("oldest kept = %s, want m4", got[0].ID)
	}
}

// TestHistoryGetReturnsCopy verifies callers cannot mutate cached
// history through the returned slice.
func TestHistoryGetReturnsCopy(t *testing.T) {
	h := NewHistoryCache(10)
	h.Append("s1", msg("s1", 1))

	got, _ := h.Get("s1")
	got[0].Content = "tampered"
	_ = append(got, msg("s1", 2))

	again, _ := h.Get("s1")
	if len(again) != 1 {
		t.Fatalf("history length = %d, want 1", len(again))
	}
	if again[0].Content == "tampered" {
		t.Error("cached history mutated through returned slice")
	}
}

func TestHistoryCountsAndDelete(t *testing.T) {
	h := NewHistoryCache(10)
	h.Append("s1", msg("s1", 1), msg("s1", 2))
	h.Append("s2", msg("s2", 3))

	sessions, messages := h.Counts()
	if sessions != 2 || messages != 3 {
		t.Errorf("Counts() = (%d, %d), want (2, 3)", sessions, messages)
	}

	h.Delete("s1")
	if _, ok := h.Get("s1"); ok {
		t.Error("history survived Delete")
	}
	sessions, messages = h.Counts()
	if sessions != 1 || messages != 1 {
		t.Errorf("Counts() after delete = (%d, %d), want (1, 1)", sessions, messages)
	}
}
