// Package cache implements the node's local in-memory store: a concurrent,
// memory-bounded map of keys to compressed entries with per-entry expiry
// and frequency-based eviction.
//
// Values are lz4-compressed on insert and decompressed on every read; the
// uncompressed form is never retained. The memory budget is enforced
// against the compressed sizes: before an insert would push usage past the
// budget, the engine evicts minimum-frequency entries until it fits. A
// single entry larger than the whole budget is admitted once the map is
// empty; clients enforce their own upper bound on value size.
//
// Expiry is absolute and reaped lazily: a read that observes a dead entry
// removes it and emits an Expire event. An optional janitor can sweep
// proactively, but nothing depends on it.
//
// Concurrency model:
//   - The key space is split across shards, each with its own mutex, so
//     reads and writes on distinct keys proceed in parallel.
//   - Admission (budget check, eviction loop, insert accounting) serializes
//     on a dedicated mutex so current memory never overshoots the budget at
//     the instant a Put returns. Reads never touch that mutex.
//   - After Put(k, v) returns, any Get(k) observes v or a later write.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pothiq1/distributed-cache-sidecar/internal/event"
)

// shardCount fixes the number of lock shards. Must be a power of two so
// the shard pick reduces to a mask of the key hash.
const shardCount = 256

// entry is the stored form of one key's value.
type entry struct {
	// data holds the framed, compressed value bytes.
	data []byte

	// expiresAt is the absolute expiry instant; zero means no expiry.
	// Reads never extend it.
	expiresAt time.Time

	// frequency counts successful reads, starting at 1 on insert.
	frequency uint64
}

// expired reports whether the entry is dead at instant now.
func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// shard is one lock domain of the key space.
type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Cache is the concurrent, memory-bounded store. Create with New.
type Cache struct {
	shards [shardCount]*shard

	// currentMemory accumulates the compressed sizes of live entries.
	currentMemory *atomic.Int64
	maxMemory     int64

	// admitMu serializes budget enforcement plus insert accounting.
	admitMu sync.Mutex

	defaultTTL time.Duration
	bus        *event.Bus
	logger     *zap.Logger
}

// New creates a cache bounded at maxMemory bytes of compressed values.
// defaultTTL is the TTL the node applies when warming peers from the
// fallback store; it is not applied to entries inserted without a TTL.
func New(maxMemory int64, defaultTTL time.Duration, bus *event.Bus, logger *zap.Logger) *Cache {
	c := &Cache{
		currentMemory: atomic.NewInt64(0),
		maxMemory:     maxMemory,
		defaultTTL:    defaultTTL,
		bus:           bus,
		logger:        logger,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

// shardFor picks the lock shard owning key.
func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&(shardCount-1)]
}

// Get returns the decompressed value for key, or ok=false when the key is
// absent or its expiry has passed. A hit increments the entry's frequency.
// An expired entry is removed as a side effect and emits an Expire event.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		c.currentMemory.Sub(int64(len(e.data)))
		s.mu.Unlock()
		c.bus.Publish(event.Event{Type: event.TypeExpire, Key: key})
		return nil, false
	}
	e.frequency++
	stored := e.data
	s.mu.Unlock()

	// Decompression runs outside the shard lock; the stored slice is
	// immutable once published.
	value, err := decompress(stored)
	if err != nil {
		c.logger.Error("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, true
}

// Peek returns the decompressed value and remaining TTL for key without
// bumping the frequency or reaping expiry. The transaction layer uses it
// to capture the state an evict must restore on rollback. ttl is zero when
// the entry has no expiry.
func (c *Cache) Peek(key string) (value []byte, ttl time.Duration, ok bool) {
	s := c.shardFor(key)

	s.mu.Lock()
	e, found := s.entries[key]
	if !found || e.expired(time.Now()) {
		s.mu.Unlock()
		return nil, 0, false
	}
	stored := e.data
	if !e.expiresAt.IsZero() {
		ttl = time.Until(e.expiresAt)
	}
	s.mu.Unlock()

	value, err := decompress(stored)
	if err != nil {
		return nil, 0, false
	}
	return value, ttl, true
}

// Put compresses value and inserts it under key, overwriting any prior
// mapping. A ttl of zero stores the entry without expiry. The memory
// budget is enforced before the insert: minimum-frequency entries are
// evicted (each emitting an Evict event) until the new entry fits, or the
// map is empty, in which case a single oversize entry is admitted.
//
// The only error surfaced is a compression failure, which inserts nothing.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) error {
	stored, err := compress(value)
	if err != nil {
		return err
	}
	size := int64(len(stored))

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.admitMu.Lock()
	for c.currentMemory.Load()+size > c.maxMemory {
		if !c.evictMinFrequency() {
			// Map is empty and the entry still does not fit: admit it
			// anyway. Clients bound their own value sizes.
			break
		}
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		c.currentMemory.Sub(int64(len(old.data)))
	}
	s.entries[key] = &entry{data: stored, expiresAt: expiresAt, frequency: 1}
	c.currentMemory.Add(size)
	s.mu.Unlock()
	c.admitMu.Unlock()

	c.bus.Publish(event.Event{Type: event.TypePut, Key: key})
	return nil
}

// Evict removes key if present, emitting an Evict event and releasing the
// entry's accounted size. Evicting an absent key is a no-op.
func (c *Cache) Evict(key string) {
	s := c.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	c.currentMemory.Sub(int64(len(e.data)))
	s.mu.Unlock()

	c.bus.Publish(event.Event{Type: event.TypeEvict, Key: key})
}

// CurrentMemory returns a snapshot of the compressed bytes accounted to
// live entries.
func (c *Cache) CurrentMemory() int64 {
	return c.currentMemory.Load()
}

// MaxMemory returns the configured budget.
func (c *Cache) MaxMemory() int64 {
	return c.maxMemory
}

// DefaultTTL returns the TTL applied when replicating fallback results.
func (c *Cache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Len reports the number of live entries across all shards. Entries past
// their expiry but not yet reaped are counted; the figure is advisory.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// evictMinFrequency removes the entry with the lowest frequency, breaking
// ties by the lexicographically smallest key so the choice is deterministic
// regardless of map iteration order. Returns false when the cache is empty.
// Caller must hold admitMu.
func (c *Cache) evictMinFrequency() bool {
	var (
		victimKey   string
		victimShard *shard
		minFreq     uint64
		found       bool
	)

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !found || e.frequency < minFreq || (e.frequency == minFreq && k < victimKey) {
				found = true
				minFreq = e.frequency
				victimKey = k
				victimShard = s
			}
		}
		s.mu.Unlock()
	}
	if !found {
		return false
	}

	victimShard.mu.Lock()
	e, ok := victimShard.entries[victimKey]
	if ok {
		delete(victimShard.entries, victimKey)
		c.currentMemory.Sub(int64(len(e.data)))
	}
	victimShard.mu.Unlock()

	if ok {
		c.bus.Publish(event.Event{Type: event.TypeEvict, Key: victimKey})
	}
	return ok
}

// SweepExpired removes every entry whose expiry has passed, emitting an
// Expire event per removal, and returns the number reaped. The janitor
// calls this on a timer; correctness does not depend on it because reads
// reap lazily.
func (c *Cache) SweepExpired() int {
	now := time.Now()
	reaped := 0
	var keys []string

	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, k)
				c.currentMemory.Sub(int64(len(e.data)))
				keys = append(keys, k)
				reaped++
			}
		}
		s.mu.Unlock()
	}

	for _, k := range keys {
		c.bus.Publish(event.Event{Type: event.TypeExpire, Key: k})
	}
	return reaped
}

// Janitor periodically sweeps expired entries until the stop channel
// closes. Run it in its own goroutine.
func (c *Cache) Janitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.SweepExpired(); n > 0 {
				c.logger.Debug("janitor reaped expired entries", zap.Int("count", n))
			}
		case <-stop:
			return
		}
	}
}
