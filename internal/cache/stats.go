package cache

import (
	"sync/atomic"
	"time"
)

// Stats holds the cache's atomic counters. All fields are safe for
// concurrent use; snapshots are taken field by field and may be
// momentarily inconsistent with each other.
type Stats struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	validations atomic.Uint64
	bytesStored atomic.Int64
	entries     atomic.Int64
	createdAt   time.Time
}

func newStats() *Stats {
	return &Stats{createdAt: time.Now()}
}

func (s *Stats) Hits() uint64        { return s.hits.Load() }
func (s *Stats) Misses() uint64      { return s.misses.Load() }
func (s *Stats) Evictions() uint64   { return s.evictions.Load() }
func (s *Stats) Validations() uint64 { return s.validations.Load() }
func (s *Stats) BytesStored() int64  { return s.bytesStored.Load() }
func (s *Stats) Entries() int64      { return s.entries.Load() }

// HitRatio is hits / (hits + misses), or 0 before any lookup.
func (s *Stats) HitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Age is the time since the cache was created.
func (s *Stats) Age() time.Duration {
	return time.Since(s.createdAt)
}

// RecordValidation counts one conditional-request revalidation.
func (s *Stats) RecordValidation() {
	s.validations.Add(1)
}
