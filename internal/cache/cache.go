// Package cache implements the in-memory HTTP response cache: TTL
// expiry, LRU eviction under entry and byte caps, atomic statistics, and
// HTTP-date-aware validators. Reads are lock-free; eviction and expiry
// cleanup are single-flighted.
package cache

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config sizes a cache. The zero value disables caching entirely.
type Config struct {
	MaxEntries      int
	MaxMemoryBytes  int64
	DefaultTTL      time.Duration
	AutoCleanup     bool
	CleanupInterval time.Duration
}

// DefaultConfig is the general-purpose preset.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		MaxMemoryBytes:  100 << 20,
		DefaultTTL:      5 * time.Minute,
		AutoCleanup:     true,
		CleanupInterval: 60 * time.Second,
	}
}

// AggressiveConfig trades memory for hit rate.
func AggressiveConfig() Config {
	return Config{
		MaxEntries:      5000,
		MaxMemoryBytes:  500 << 20,
		DefaultTTL:      time.Hour,
		AutoCleanup:     true,
		CleanupInterval: 30 * time.Second,
	}
}

// ConservativeConfig keeps the footprint small.
func ConservativeConfig() Config {
	return Config{
		MaxEntries:      200,
		MaxMemoryBytes:  20 << 20,
		DefaultTTL:      60 * time.Second,
		AutoCleanup:     true,
		CleanupInterval: 120 * time.Second,
	}
}

// NoCacheConfig disables storage; every lookup misses.
func NoCacheConfig() Config {
	return Config{}
}

// Enabled reports whether the config admits any entry.
func (c Config) Enabled() bool {
	return c.MaxEntries > 0 && c.MaxMemoryBytes > 0
}

// evictionFraction is the share of live entries removed per eviction
// pass when caps are exceeded, oldest access first.
const evictionFraction = 0.25

// Cache is a concurrent response cache. All methods are safe for
// concurrent use.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	entries sync.Map // Key -> *Entry
	stats   *Stats

	// cleanupRunning single-flights eviction and expiry passes.
	cleanupRunning atomic.Bool
	lastCleanup    atomic.Int64

	// clock is monotonic nanoseconds for LRU stamps.
	start time.Time
}

// New creates a cache with the given config.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:    cfg,
		logger: logger,
		stats:  newStats(),
		start:  time.Now(),
	}
}

// Stats exposes the cache's counters.
func (c *Cache) Stats() *Stats { return c.stats }

func (c *Cache) now() int64 { return int64(time.Since(c.start)) }

// Get returns the live entry for key, or nil. Expired entries count as
// misses; those without validators are removed lazily here, those with
// validators stay resident.
func (c *Cache) Get(key Key) *Entry {
	if !c.cfg.Enabled() {
		c.stats.misses.Add(1)
		return nil
	}
	v, ok := c.entries.Load(key)
	if !ok {
		c.stats.misses.Add(1)
		c.maybeCleanup()
		return nil
	}
	entry := v.(*Entry)
	if entry.Expired(time.Now()) {
		// Expired entries with validators stay resident for the
		// conditional-refresh path; they remain logically absent here.
		if !entry.HasValidators() {
			c.remove(key, entry)
		}
		c.stats.misses.Add(1)
		return nil
	}
	entry.touch(c.now())
	c.stats.hits.Add(1)
	return entry
}

// Put stores an entry, replacing any previous value for the key, and
// evicts if the caps are now exceeded. A nil entry is ignored.
func (c *Cache) Put(key Key, entry *Entry) {
	if entry == nil || !c.cfg.Enabled() {
		return
	}
	entry.touch(c.now())
	prev, loaded := c.entries.Swap(key, entry)
	if loaded {
		c.stats.bytesStored.Add(-prev.(*Entry).SizeBytes)
	} else {
		c.stats.entries.Add(1)
	}
	c.stats.bytesStored.Add(entry.SizeBytes)

	if c.overCaps() {
		c.evict()
	}
}

// Stale returns an expired entry that still carries validators, for
// driving a conditional request. Counters are untouched.
func (c *Cache) Stale(key Key) *Entry {
	if !c.cfg.Enabled() {
		return nil
	}
	v, ok := c.entries.Load(key)
	if !ok {
		return nil
	}
	entry := v.(*Entry)
	if !entry.Expired(time.Now()) || !entry.HasValidators() {
		return nil
	}
	return entry
}

// Revalidate refreshes a stale entry after a 304: expiry is rederived
// from the new response headers (falling back to the default TTL) and
// the validation is counted. Returns the refreshed entry.
func (c *Cache) Revalidate(key Key, entry *Entry, header map[string][]string) *Entry {
	refreshed := NewEntry(entry.Status, mergeHeaders(entry.Header, header), entry.Body, c.cfg.DefaultTTL)
	if refreshed == nil {
		// The revalidation response forbade storage; drop the entry.
		c.remove(key, entry)
		c.stats.validations.Add(1)
		return entry
	}
	c.stats.validations.Add(1)
	c.Put(key, refreshed)
	return refreshed
}

// mergeHeaders overlays the 304 response's headers on the stored ones.
func mergeHeaders(stored, fresh map[string][]string) map[string][]string {
	out := make(map[string][]string, len(stored))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range fresh {
		if len(v) > 0 {
			out[k] = v
		}
	}
	return out
}

// Clear drops all entries and resets the entry and byte counters.
func (c *Cache) Clear() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
	c.stats.entries.Store(0)
	c.stats.bytesStored.Store(0)
}

// remove deletes a specific entry, adjusting counters only if the
// stored value is still the one observed.
func (c *Cache) remove(key Key, entry *Entry) {
	if c.entries.CompareAndDelete(key, entry) {
		c.stats.entries.Add(-1)
		c.stats.bytesStored.Add(-entry.SizeBytes)
	}
}

func (c *Cache) overCaps() bool {
	return c.stats.entries.Load() > int64(c.cfg.MaxEntries) ||
		c.stats.bytesStored.Load() > c.cfg.MaxMemoryBytes
}

// evict removes expired entries, then the least recently accessed live
// entries until the caps hold or a quarter of the cache is gone,
// whichever stops first. The pass is single-flighted; concurrent
// callers return immediately rather than blocking.
func (c *Cache) evict() {
	if !c.cleanupRunning.CompareAndSwap(false, true) {
		return
	}
	defer c.cleanupRunning.Store(false)

	now := time.Now()
	type keyed struct {
		key   Key
		entry *Entry
	}
	var live []keyed
	c.entries.Range(func(k, v any) bool {
		entry := v.(*Entry)
		if entry.Expired(now) {
			c.remove(k.(Key), entry)
			c.stats.evictions.Add(1)
			return true
		}
		live = append(live, keyed{key: k.(Key), entry: entry})
		return true
	})

	sort.Slice(live, func(i, j int) bool {
		return live[i].entry.LastAccessed() < live[j].entry.LastAccessed()
	})

	budget := int(float64(len(live)) * evictionFraction)
	if budget < 1 {
		budget = 1
	}
	removed := 0
	for _, kv := range live {
		if !c.overCaps() || removed >= budget {
			break
		}
		c.remove(kv.key, kv.entry)
		c.stats.evictions.Add(1)
		removed++
	}
	if removed > 0 {
		c.logger.Debug("cache_eviction",
			"removed", removed,
			"entries", c.stats.entries.Load(),
			"bytes_stored", c.stats.bytesStored.Load())
	}
}

// maybeCleanup runs an expiry pass when auto-cleanup is enabled and the
// interval has elapsed. Never blocks the caller beyond the pass itself;
// concurrent callers skip.
func (c *Cache) maybeCleanup() {
	if !c.cfg.AutoCleanup || c.cfg.CleanupInterval <= 0 {
		return
	}
	nowNanos := c.now()
	last := c.lastCleanup.Load()
	if nowNanos-last < int64(c.cfg.CleanupInterval) {
		return
	}
	if !c.lastCleanup.CompareAndSwap(last, nowNanos) {
		return
	}
	c.CleanupExpired()
}

// CleanupExpired eagerly removes expired entries. Single-flighted with
// eviction via the same flag.
func (c *Cache) CleanupExpired() int {
	if !c.cleanupRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer c.cleanupRunning.Store(false)

	now := time.Now()
	removed := 0
	c.entries.Range(func(k, v any) bool {
		entry := v.(*Entry)
		if entry.Expired(now) {
			c.remove(k.(Key), entry)
			removed++
		}
		return true
	})
	return removed
}
