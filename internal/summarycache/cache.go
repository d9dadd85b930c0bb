// Package summarycache is a delta-triggered, TTL-bounded, per-session
// memoization of history summaries, built on a guarded LRU+TTL map with
// hit/miss counters, extended with a delta-acceptance law and an
// in-flight marker for background-refresh stampede prevention.
package summarycache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a per-session summary record.
type Entry struct {
	Summary       string
	MessageCount  int
	CharCount     int
	GeneratedAt   time.Time
}

type element struct {
	key   string
	entry Entry
}

// Config controls acceptance-law thresholds and eviction bounds.
type Config struct {
	MinDeltaMessages int
	MinDeltaChars    int
	MaxAge           time.Duration
	MaxEntries       int
}

// Cache is a process-local, lock-guarded LRU+TTL map keyed by session key.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	inFlight sync.Map // session key -> chan struct{}, for stampede prevention

	hits   atomic.Int64
	misses atomic.Int64
}

func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 2000
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the entry for key if present and not stale (age <= MaxAge).
// A stale entry counts as a miss and is left in place for ShouldAccept's
// delta comparison. A MaxAge of zero disables the staleness check.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	e := el.Value.(*element).entry
	if c.cfg.MaxAge > 0 && time.Since(e.GeneratedAt) > c.cfg.MaxAge {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	c.hits.Add(1)
	return e, true
}

// ShouldAccept implements the acceptance law: a write is accepted
// iff at least one of delta-messages, delta-chars, age, or no-prior-entry
// fires.
func (c *Cache) ShouldAccept(key string, messageCount, charCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return true
	}
	prev := el.Value.(*element).entry

	deltaMessages := messageCount - prev.MessageCount
	if deltaMessages < 0 {
		deltaMessages = -deltaMessages
	}
	deltaChars := charCount - prev.CharCount
	if deltaChars < 0 {
		deltaChars = -deltaChars
	}

	if deltaMessages >= c.cfg.MinDeltaMessages {
		return true
	}
	if deltaChars >= c.cfg.MinDeltaChars {
		return true
	}
	if c.cfg.MaxAge > 0 && time.Since(prev.GeneratedAt) >= c.cfg.MaxAge {
		return true
	}
	return false
}

// Put writes an entry unconditionally; callers must consult ShouldAccept
// first (kept as separate calls so callers can decide whether to invoke the
// summarizer at all before writing its result).
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*element).entry = e
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&element{key: key, entry: e})
	c.entries[key] = el

	for c.order.Len() > c.cfg.MaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*element).key)
	}
}

// HitMiss returns cumulative hit/miss counters for observability.
func (c *Cache) HitMiss() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// ClaimRefresh registers this goroutine as the one refreshing key's summary
// in the background, returning false if another refresh is already
// in-flight (stampede prevention). The caller must call the returned done
// func when the refresh completes.
func (c *Cache) ClaimRefresh(key string) (done func(), claimed bool) {
	ch := make(chan struct{})
	actual, loaded := c.inFlight.LoadOrStore(key, ch)
	if loaded {
		return nil, false
	}
	_ = actual
	return func() {
		c.inFlight.Delete(key)
		close(ch)
	}, true
}
