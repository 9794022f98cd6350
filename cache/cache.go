// Package cache provides a bounded-memory cache of compiled artifacts
// keyed by a fingerprint of the source text, with LRU-K eviction so a
// reused artifact is protected against one-off submissions thrashing
// the cache.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Artifact is a compiled/prepared representation of source text.
type Artifact struct {
	Key  uint64
	Data []byte
}

// Size returns the resident size charged against the memory budget.
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// CompileFunc produces an artifact from raw source. A failure is
// surfaced to the caller and never cached.
type CompileFunc func(source string) ([]byte, error)

type entry struct {
	artifact *Artifact
	// history holds access times, most recent first, capped at K.
	history []time.Time
}

// kDistance returns the time of the Kth most recent access. Entries
// with fewer than K accesses report the zero time, making them the
// weakest candidates under LRU-K.
func (e *entry) kDistance(k int) time.Time {
	if len(e.history) < k {
		return time.Time{}
	}
	return e.history[k-1]
}

func (e *entry) lastAccess() time.Time {
	if len(e.history) == 0 {
		return time.Time{}
	}
	return e.history[0]
}

// Cache is an LRU-K artifact cache. Lookups are concurrent; insertion
// and eviction are serialized.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	used    int64

	budget int64
	k      int
	logger *zap.Logger
	now    func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
}

// Option configures the cache.
type Option func(*Cache)

// WithBudget sets the resident-memory budget in bytes.
func WithBudget(bytes int64) Option {
	return func(c *Cache) { c.budget = bytes }
}

// WithHistoryDepth sets K, the number of tracked accesses per entry.
// Values below 2 are raised to 2.
func WithHistoryDepth(k int) Option {
	return func(c *Cache) {
		if k < 2 {
			k = 2
		}
		c.k = k
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l.With(zap.String("component", "cache")) }
}

const (
	defaultBudget = 32 << 20 // 32 MiB
	defaultDepth  = 2
)

// New creates a cache with the given options.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[uint64]*entry),
		budget:  defaultBudget,
		k:       defaultDepth,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint derives the cache key for source text.
func Fingerprint(source string) uint64 {
	return xxhash.Sum64String(source)
}

// GetOrCreate returns the cached artifact for source, compiling and
// inserting it on a miss. Compile failures are returned unwrapped and
// never cached.
func (c *Cache) GetOrCreate(source string, compile CompileFunc) (*Artifact, error) {
	key := Fingerprint(source)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.touch(e)
		c.hits++
		c.mu.Unlock()
		return e.artifact, nil
	}

	data, err := compile(source)
	if err != nil {
		return nil, err
	}
	artifact := &Artifact{Key: key, Data: data}

	// An artifact that can never fit is handed back uncached: the
	// compile succeeded and the caller's job must not fail over a cache
	// capacity limit.
	if artifact.Size() > c.budget {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		c.logger.Debug("artifact exceeds budget, returned uncached",
			zap.Uint64("key", key), zap.Int64("size", artifact.Size()))
		return artifact, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have compiled the same source meanwhile.
	if e, ok := c.entries[key]; ok {
		c.touch(e)
		c.hits++
		return e.artifact, nil
	}
	c.misses++

	for c.used+artifact.Size() > c.budget {
		if !c.evictWeakest() {
			break
		}
	}

	e = &entry{artifact: artifact, history: []time.Time{c.now()}}
	c.entries[key] = e
	c.used += artifact.Size()
	return artifact, nil
}

// Contains reports whether source is resident without touching its
// access history.
func (c *Cache) Contains(source string) bool {
	key := Fingerprint(source)
	c.mu.RLock()
	_, ok := c.entries[key]
	c.mu.RUnlock()
	return ok
}

// Remove drops the entry for source if resident.
func (c *Cache) Remove(source string) {
	key := Fingerprint(source)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.used -= e.artifact.Size()
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[uint64]*entry)
	c.used = 0
	c.mu.Unlock()
}

func (c *Cache) touch(e *entry) {
	e.history = append([]time.Time{c.now()}, e.history...)
	if len(e.history) > c.k {
		e.history = e.history[:c.k]
	}
}

// evictWeakest removes the entry with the weakest combined
// recency+frequency signal: smallest Kth-access time first (entries
// accessed fewer than K times sort before any fully-backed entry),
// ties broken by least recent access. Returns false when the cache is
// empty.
func (c *Cache) evictWeakest() bool {
	var victim uint64
	var victimEntry *entry
	found := false

	for key, e := range c.entries {
		if !found {
			victim, victimEntry, found = key, e, true
			continue
		}
		vd, ed := victimEntry.kDistance(c.k), e.kDistance(c.k)
		if ed.Before(vd) || (ed.Equal(vd) && e.lastAccess().Before(victimEntry.lastAccess())) {
			victim, victimEntry = key, e
		}
	}

	if !found {
		return false
	}

	c.used -= victimEntry.artifact.Size()
	delete(c.entries, victim)
	c.evictions++
	c.logger.Debug("evicted artifact",
		zap.Uint64("key", victim),
		zap.Int64("size", victimEntry.artifact.Size()),
	)
	return true
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Entries   int
	UsedBytes int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:   len(c.entries),
		UsedBytes: c.used,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
