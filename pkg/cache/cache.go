// Package cache memoizes results of cacheable tasks by input fingerprint.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Policy selects the eviction victim
type Policy string

const (
	PolicyLRU  Policy = "lru"
	PolicyLFU  Policy = "lfu"
	PolicyFIFO Policy = "fifo"
)

// Config holds cache bounds
type Config struct {
	MaxEntries   int           `yaml:"max_entries" validate:"min=1"`
	MaxSizeBytes int64         `yaml:"max_size_bytes" validate:"min=1"`
	DefaultTTL   time.Duration `yaml:"default_ttl" validate:"gt=0"`
	Policy       Policy        `yaml:"policy" validate:"oneof=lru lfu fifo"`
}

// DefaultConfig returns the default cache bounds
func DefaultConfig() Config {
	return Config{
		MaxEntries:   10000,
		MaxSizeBytes: 256 << 20,
		DefaultTTL:   time.Hour,
		Policy:       PolicyLRU,
	}
}

// Entry is one cached result. SizeBytes is the JSON-encoded size of the value
// plus the key; the value itself is kept as stored.
type Entry struct {
	Key            string
	SizeBytes      int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64

	value interface{}
	elem  *list.Element
}

// Stats is a snapshot of cache counters
type Stats struct {
	Entries     int     `json:"entries"`
	SizeBytes   int64   `json:"size_bytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Policy      string  `json:"policy"`
}

// Cache is a bounded, TTL-aware result cache. Writers of the same key race with
// last-writer-wins semantics. Values are shared with callers as is, so neither
// the writer nor readers may mutate a value once it was Put.
type Cache struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*Entry
	order     *list.List // front is the next victim for lru and fifo
	sizeBytes int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Option customizes a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache
func New(cfg Config, opts ...Option) (*Cache, error) {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = def.MaxSizeBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	switch cfg.Policy {
	case PolicyLRU, PolicyLFU, PolicyFIFO:
	case "":
		cfg.Policy = def.Policy
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", cfg.Policy)
	}

	c := &Cache{
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]*Entry),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value stored under key, with its original Go types. Expired
// entries are misses even before they are physically removed.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	now := c.now()
	if !now.Before(e.ExpiresAt) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		return nil, false
	}

	e.AccessCount++
	e.LastAccessedAt = now
	if c.cfg.Policy != PolicyFIFO {
		c.order.MoveToBack(e.elem)
	}
	c.hits++
	return e.value, true
}

// Put stores value under key for ttl (DefaultTTL when ttl <= 0), evicting as
// needed. Values that cannot be JSON-encoded are rejected.
func (c *Cache) Put(key string, value interface{}, ttl time.Duration) error {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	size := int64(len(raw) + len(key))
	if size > c.cfg.MaxSizeBytes {
		return fmt.Errorf("cache value for %s is %d bytes, larger than the cache", key, size)
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.makeRoomLocked(1, size)

	e := &Entry{
		Key:            key,
		SizeBytes:      size,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		value:          value,
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	c.sizeBytes += size
	return nil
}

// Invalidate removes key
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// EvictIfNeeded purges expired entries and evicts until the bounds hold.
// It returns the number of entries removed.
func (c *Cache) EvictIfNeeded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked() + c.makeRoomLocked(0, 0)
}

// EvictToRatio shrinks the cache to ratio of its current entry count and size,
// expired entries first. Used under memory pressure.
func (c *Cache) EvictToRatio(ratio float64) int {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	targetEntries := int(float64(len(c.entries)) * ratio)
	targetBytes := int64(float64(c.sizeBytes) * ratio)

	removed := c.purgeExpiredLocked()
	for len(c.entries) > 0 && (len(c.entries) > targetEntries || c.sizeBytes > targetBytes) {
		c.removeLocked(c.victimLocked())
		c.evictions++
		removed++
	}
	if removed > 0 {
		c.logger.Info("Evicted cache entries under memory pressure",
			zap.Int("removed", removed),
			zap.Float64("ratio", ratio))
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet purged
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     len(c.entries),
		SizeBytes:   c.sizeBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Policy:      string(c.cfg.Policy),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close drops every entry. The cache stays usable.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.order.Init()
	c.sizeBytes = 0
}

// makeRoomLocked evicts until extraEntries more entries of extraBytes total fit
func (c *Cache) makeRoomLocked(extraEntries int, extraBytes int64) int {
	removed := 0
	for len(c.entries)+extraEntries > c.cfg.MaxEntries || c.sizeBytes+extraBytes > c.cfg.MaxSizeBytes {
		if removed == 0 {
			if n := c.purgeExpiredLocked(); n > 0 {
				removed += n
				continue
			}
		}
		victim := c.victimLocked()
		if victim == nil {
			break
		}
		c.removeLocked(victim)
		c.evictions++
		removed++
	}
	return removed
}

func (c *Cache) purgeExpiredLocked() int {
	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if !now.Before(e.ExpiresAt) {
			c.removeLocked(e)
			c.expirations++
			removed++
		}
		el = next
	}
	return removed
}

// victimLocked picks the entry to evict under the configured policy
func (c *Cache) victimLocked() *Entry {
	front := c.order.Front()
	if front == nil {
		return nil
	}
	if c.cfg.Policy != PolicyLFU {
		return front.Value.(*Entry)
	}

	// Least frequently used; ties go to the least recently used
	victim := front.Value.(*Entry)
	for el := front.Next(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.AccessCount < victim.AccessCount {
			victim = e
		}
	}
	return victim
}

func (c *Cache) removeLocked(e *Entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.Key)
	c.sizeBytes -= e.SizeBytes
}
