package session

import "time"

// CacheStats reports in-memory cache behavior since process start.
type CacheStats struct {
	Entries         int
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	LastEviction    time.Time
	HistorySessions int
	HistoryMessages int
	EstimatedBytes  int64
}

// HitRate returns the fraction of lookups served from the cache, or 0
// before any lookup happened.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StoreStats reports durable storage volume.
type StoreStats struct {
	Sessions  int64
	Messages  int64
	DiskBytes int64
}
