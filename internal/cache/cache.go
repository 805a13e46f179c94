package cache

import (
	"container/list"
	"sync"
	"time"

	"relaybot/internal/metrics"
)

// Policy selects the eviction order when the cache is over capacity.
type Policy int

const (
	// EvictLRU evicts by last access time; Get promotes an entry.
	EvictLRU Policy = iota
	// EvictFIFO evicts by insertion order; Get never promotes.
	EvictFIFO
)

func (p Policy) String() string {
	switch p {
	case EvictLRU:
		return "lru"
	case EvictFIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

const (
	defaultMaxMemoryBytes = 8 << 20
	defaultMaxItems       = 5000

	// Fixed accounting overhead per entry (maps, list element, struct).
	entryOverheadBytes = 96

	// After a capacity eviction pass, usage is brought down to this
	// fraction of the memory bound so consecutive inserts do not evict
	// one entry at a time.
	evictTargetRatio = 0.8
)

type Config struct {
	MaxMemoryBytes int64
	MaxItems       int
	DefaultTTL     time.Duration
	Policy         Policy
}

func (c Config) withDefaults() Config {
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	if c.MaxItems <= 0 {
		c.MaxItems = defaultMaxItems
	}
	return c
}

// Stats is a point-in-time counter snapshot. Hits, Misses and Evictions
// are monotonic until ResetStats; Evictions counts capacity evictions
// only, not TTL removals.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	ItemCount   int
	MemoryBytes int64
}

type entry struct {
	key       string
	value     any
	size      int64
	createdAt time.Time
	expiresAt time.Time
}

// Option mutates cache construction.
type Option func(*Cache)

// WithClock injects the time source. Tests use this to step TTLs
// without sleeping.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMetrics mirrors hit/miss/eviction counts and size gauges into the
// given sink under "prefix.hits", "prefix.misses", etc.
func WithMetrics(sink metrics.Sink, prefix string) Option {
	return func(c *Cache) {
		if sink == nil || prefix == "" {
			return
		}
		c.mHits = sink.Counter(prefix + ".hits")
		c.mMisses = sink.Counter(prefix + ".misses")
		c.mEvictions = sink.Counter(prefix + ".evictions")
		c.mItems = sink.Gauge(prefix + ".items")
		c.mBytes = sink.Gauge(prefix + ".bytes")
	}
}

// Cache is a bounded TTL store. All methods are safe for concurrent use.
type Cache struct {
	cfg   Config
	clock func() time.Time

	mu       sync.Mutex
	entries  map[string]*list.Element // element value is *entry
	order    *list.List               // front = most recent (LRU) / newest insert (FIFO)
	memBytes int64

	hits      int64
	misses    int64
	evictions int64

	mHits      *metrics.Counter
	mMisses    *metrics.Counter
	mEvictions *metrics.Counter
	mItems     *metrics.Gauge
	mBytes     *metrics.Gauge
}

// New creates a cache with the given bounds and eviction policy.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key with the given TTL. ttl <= 0 falls back to
// the configured default; a zero default means no expiry. A value whose
// estimated size alone exceeds the memory bound is not stored.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()
	size := entryOverheadBytes + int64(len(key)) + valueSize(value)
	if size > c.cfg.MaxMemoryBytes {
		return
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		c.memBytes += size - ent.size
		ent.value = value
		ent.size = size
		ent.createdAt = now
		ent.expiresAt = expiresAt
		if c.cfg.Policy == EvictLRU {
			c.order.MoveToFront(el)
		}
		c.evictToFitLocked(0)
		c.publishSizeLocked()
		return
	}

	c.evictToFitLocked(size)
	el := c.order.PushFront(&entry{
		key:       key,
		value:     value,
		size:      size,
		createdAt: now,
		expiresAt: expiresAt,
	})
	c.entries[key] = el
	c.memBytes += size
	c.publishSizeLocked()
}

// Get returns the value for key. An expired entry counts as a miss and
// is removed. On the LRU policy a hit refreshes the entry's position.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.missLocked()
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.expired(ent, now) {
		c.removeLocked(el)
		c.publishSizeLocked()
		c.missLocked()
		return nil, false
	}
	if c.cfg.Policy == EvictLRU {
		c.order.MoveToFront(el)
	}
	c.hits++
	if c.mHits != nil {
		c.mHits.Inc()
	}
	return ent.value, true
}

// Has reports whether key is present and unexpired. It does not count a
// hit or miss and never promotes the entry.
func (c *Cache) Has(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*entry), now) {
		c.removeLocked(el)
		c.publishSizeLocked()
		return false
	}
	return true
}

// Delete removes key. It reports whether an entry was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	c.publishSizeLocked()
	return true
}

// Clear drops every entry. Counters are kept (they reset only via
// ResetStats).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.memBytes = 0
	c.publishSizeLocked()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Resize installs new capacity bounds, evicting in policy order if the
// current contents exceed them. Zero or negative values keep defaults.
func (c *Cache) Resize(maxMemoryBytes int64, maxItems int) {
	next := Config{
		MaxMemoryBytes: maxMemoryBytes,
		MaxItems:       maxItems,
		DefaultTTL:     c.cfg.DefaultTTL,
		Policy:         c.cfg.Policy,
	}.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxMemoryBytes = next.MaxMemoryBytes
	c.cfg.MaxItems = next.MaxItems
	for c.order.Len() > 0 &&
		(c.memBytes > c.cfg.MaxMemoryBytes || len(c.entries) > c.cfg.MaxItems) {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.evictions++
		if c.mEvictions != nil {
			c.mEvictions.Inc()
		}
	}
	c.publishSizeLocked()
}

// Sweep removes expired entries regardless of access and returns how
// many were removed. Meant to run periodically from a scheduler.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry), now) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		c.publishSizeLocked()
	}
	return removed
}

// Stats returns current counters and usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		ItemCount:   len(c.entries),
		MemoryBytes: c.memBytes,
	}
}

// ResetStats zeroes the hit/miss/eviction counters. Usage numbers are
// unaffected.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Close drops all entries. The cache has no background work of its own;
// periodic sweeps are owned by the caller's scheduler.
func (c *Cache) Close() {
	c.Clear()
}

func (c *Cache) now() time.Time { return c.clock().UTC() }

func (c *Cache) expired(ent *entry, now time.Time) bool {
	return !ent.expiresAt.IsZero() && !now.Before(ent.expiresAt)
}

func (c *Cache) missLocked() {
	c.misses++
	if c.mMisses != nil {
		c.mMisses.Inc()
	}
}

// evictToFitLocked evicts in policy order until the incoming entry fits
// both bounds. Once triggered, it keeps going until usage drops to the
// eviction target so bursts of inserts do not thrash.
func (c *Cache) evictToFitLocked(incoming int64) {
	overMem := c.memBytes+incoming > c.cfg.MaxMemoryBytes
	overCount := incoming > 0 && len(c.entries)+1 > c.cfg.MaxItems
	if !overMem && !overCount {
		return
	}

	target := int64(float64(c.cfg.MaxMemoryBytes) * evictTargetRatio)
	for c.order.Len() > 0 {
		fitsTarget := c.memBytes <= target
		fitsMax := c.memBytes+incoming <= c.cfg.MaxMemoryBytes
		fitsCount := incoming <= 0 || len(c.entries)+1 <= c.cfg.MaxItems
		if fitsTarget && fitsMax && fitsCount {
			break
		}
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.evictions++
		if c.mEvictions != nil {
			c.mEvictions.Inc()
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	c.memBytes -= ent.size
}

func (c *Cache) publishSizeLocked() {
	if c.mItems != nil {
		c.mItems.Set(int64(len(c.entries)))
	}
	if c.mBytes != nil {
		c.mBytes.Set(c.memBytes)
	}
}
