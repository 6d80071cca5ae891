package cache

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/tierflow-go/flow/model"
)

// HitKind labels how a lookup was satisfied.
type HitKind string

const (
	// HitNone means the entry was computed upstream.
	HitNone HitKind = ""

	// HitExact means the fingerprint matched a stored entry.
	HitExact HitKind = "exact"

	// HitSemantic means an embedding neighbor satisfied the lookup.
	HitSemantic HitKind = "semantic"

	// HitCoalesced means the caller piggybacked on a concurrent
	// identical miss and shared its single upstream call.
	HitCoalesced HitKind = "coalesced"
)

// Entry is one cached response.
type Entry struct {
	Fingerprint Fingerprint

	// Prompt is the normalized prompt text, retained for the semantic
	// index.
	Prompt string

	// Response is the stored model output.
	Response string

	// Usage holds the token counts of the original call, replayed on
	// hits for baseline cost comparison.
	Usage model.Usage

	// ModelID and Tier identify the dispatch that produced the entry.
	// Semantic hits only match within the same (ModelID, Tier).
	ModelID string
	Tier    model.Tier

	CreatedAt time.Time
	HitCount  int64
}

// size approximates the entry's memory footprint for LRU accounting.
func (e *Entry) size() int64 {
	const entryOverhead = 160
	return int64(len(e.Prompt)+len(e.Response)+len(e.ModelID)+len(e.Fingerprint)) + entryOverhead
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries      int
	Bytes        int64
	MaxBytes     int64
	Hits         int64
	SemanticHits int64
	Misses       int64
	Evictions    int64
}

// Options configures a Cache.
type Options struct {
	// MaxBytes caps total entry bytes; LRU eviction keeps the cache
	// under it. Default 256 MB.
	MaxBytes int64

	// Embedder enables semantic mode when non-nil.
	Embedder Embedder

	// SemanticThreshold is the minimum cosine similarity for a semantic
	// hit. Default 0.92.
	SemanticThreshold float64

	// SemanticAgeLimit bounds how old an entry may be and still serve a
	// semantic hit. Default 7 days.
	SemanticAgeLimit time.Duration

	// Store, when non-nil, is a write-through persistent backend.
	// Failures are logged once and bypassed; they never fail a call.
	Store Store

	// Warn receives degradation messages (embedder down, store errors).
	// Defaults to log.Printf. Each degradation logs once per process.
	Warn func(format string, args ...any)
}

// Cache maps a prompt fingerprint to a previously computed response and
// guarantees at-most-one concurrent build per fingerprint.
//
// Lookup order: exact fingerprint, then (when enabled) semantic neighbor,
// then a coalesced upstream build. Eviction is LRU by total bytes; evicting
// an entry also drops its embedding. The cache never fails a call: backend
// and embedder errors degrade to a plain miss.
type Cache struct {
	mu      sync.Mutex
	entries map[Fingerprint]*list.Element
	lru     *list.List // front = most recent
	bytes   int64
	max     int64
	stats   Stats

	group    singleflight.Group
	semantic *semanticIndex
	store    Store
	warn     func(format string, args ...any)

	embedWarnOnce sync.Once
	storeWarnOnce sync.Once
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 256 << 20
	}
	if opts.Warn == nil {
		opts.Warn = log.Printf
	}

	c := &Cache{
		entries: make(map[Fingerprint]*list.Element),
		lru:     list.New(),
		max:     opts.MaxBytes,
		store:   opts.Store,
		warn:    opts.Warn,
	}
	if opts.Embedder != nil {
		c.semantic = newSemanticIndex(opts.Embedder, opts.SemanticThreshold, opts.SemanticAgeLimit)
	}
	if c.store != nil {
		c.warmFromStore()
	}
	return c
}

// warmFromStore loads persisted entries into the in-process LRU at startup.
func (c *Cache) warmFromStore() {
	entries, err := c.store.LoadAll(context.Background())
	if err != nil {
		c.storeWarnOnce.Do(func() {
			c.warn("cache: persistent store unavailable, continuing in-memory only: %v", err)
		})
		return
	}
	for _, e := range entries {
		c.admit(e, false)
	}
}

// GetOrCompute returns the cached entry for key, or computes it via compute
// with at-most-one concurrent build per fingerprint.
//
// The returned HitKind distinguishes exact hits, semantic hits, coalesced
// waits, and real upstream builds. compute errors propagate unchanged; the
// failed fingerprint's build slot is released so a later call may retry.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(ctx context.Context) (*Entry, error)) (*Entry, HitKind, error) {
	fp := key.Fingerprint()

	if e, ok := c.lookupExact(fp); ok {
		return e, HitExact, nil
	}

	if e, ok := c.lookupSemantic(ctx, key, fp); ok {
		return e, HitSemantic, nil
	}

	built := false
	v, err, shared := c.group.Do(string(fp), func() (interface{}, error) {
		// Double-check: another goroutine may have stored the entry
		// between our miss and acquiring the build slot.
		if e, ok := c.lookupExact(fp); ok {
			return e, nil
		}

		e, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		built = true
		e.Fingerprint = fp
		e.Prompt = Normalize(key.Prompt)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		c.admit(e, true)
		return e, nil
	})
	if err != nil {
		return nil, HitNone, err
	}

	entry := v.(*Entry)
	if shared && !built {
		return entry, HitCoalesced, nil
	}
	if !built {
		// The double-check inside the build slot found the entry.
		return entry, HitExact, nil
	}
	return entry, HitNone, nil
}

// lookupExact checks the fingerprint index, refreshing LRU order on hit.
func (c *Cache) lookupExact(fp Fingerprint) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fp]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*Entry)
	e.HitCount++
	c.stats.Hits++
	return e, true
}

// lookupSemantic searches the embedding index for a close-enough neighbor
// with the same model and tier. Disabled silently when no embedder is
// configured; degrades silently (one warning) when the embedder fails.
func (c *Cache) lookupSemantic(ctx context.Context, key Key, fp Fingerprint) (*Entry, bool) {
	if c.semantic == nil {
		return nil, false
	}

	vec, err := c.semantic.embed(ctx, Normalize(key.Prompt))
	if err != nil {
		c.embedWarnOnce.Do(func() {
			c.warn("cache: embedding model unavailable, degrading to hash-only: %v", err)
		})
		return nil, false
	}

	match, ok := c.semantic.nearest(vec, key.ModelID, key.Tier)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	el, present := c.entries[match]
	if !present {
		return nil, false
	}
	c.lru.MoveToFront(el)
	e := el.Value.(*Entry)
	e.HitCount++
	c.stats.Hits++
	c.stats.SemanticHits++
	return e, true
}

// admit inserts an entry, evicting LRU tail entries until the byte budget
// holds, and optionally writes through to the persistent store.
func (c *Cache) admit(e *Entry, persist bool) {
	c.mu.Lock()
	if old, ok := c.entries[e.Fingerprint]; ok {
		c.bytes -= old.Value.(*Entry).size()
		c.lru.Remove(old)
		delete(c.entries, e.Fingerprint)
	}

	sz := e.size()
	for c.bytes+sz > c.max && c.lru.Len() > 0 {
		c.evictOldestLocked()
	}
	el := c.lru.PushFront(e)
	c.entries[e.Fingerprint] = el
	c.bytes += sz
	c.mu.Unlock()

	if c.semantic != nil {
		c.semantic.indexEntry(e)
	}
	if persist && c.store != nil {
		if err := c.store.Put(context.Background(), e); err != nil {
			c.storeWarnOnce.Do(func() {
				c.warn("cache: persistent store write failed, continuing in-memory only: %v", err)
			})
		}
	}
}

// evictOldestLocked removes the LRU tail entry and its embedding.
// Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*Entry)
	c.lru.Remove(el)
	delete(c.entries, e.Fingerprint)
	c.bytes -= e.size()
	c.stats.Evictions++
	if c.semantic != nil {
		c.semantic.remove(e.Fingerprint)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.bytes
	s.MaxBytes = c.max
	return s
}

// Reset drops every entry, embedding, and persisted record.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[Fingerprint]*list.Element)
	c.lru.Init()
	c.bytes = 0
	c.stats = Stats{}
	c.mu.Unlock()

	if c.semantic != nil {
		c.semantic.reset()
	}
	if c.store != nil {
		if err := c.store.Reset(context.Background()); err != nil {
			c.storeWarnOnce.Do(func() {
				c.warn("cache: persistent store reset failed: %v", err)
			})
		}
	}
}
