// Package libcache keeps dynamically loaded function libraries warm
// across invocations. Loading a shared object is multi-millisecond and
// whatever state a plugin keeps in its own globals (open connections,
// compiled regexes) is only useful if the library stays mapped between
// calls, so the cache's job is to amortise the load and evict entries
// that have gone unused for longer than an idle TTL.
//
// TTL eviction is used instead of an LRU bound because the expected
// working set (distinct function/version pairs actually receiving
// traffic) is small; the dominant failure mode worth guarding against is
// memory growth from abandoned versions, not working-set pressure.
package libcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/hhrf/internal/abi"
	"github.com/oriys/hhrf/internal/logging"
	"github.com/oriys/hhrf/internal/metrics"
	"github.com/oriys/hhrf/internal/observability"
)

const (
	// DefaultIdleTTL is how long an entry may sit unused before cleanup
	// evicts it.
	DefaultIdleTTL = 5 * time.Minute
	// DefaultCleanupInterval is how often the eviction sweep runs.
	DefaultCleanupInterval = 1 * time.Minute
)

// Handle is a shared-ownership reference to a loaded library. Callers
// obtained it from Acquire and must call Release exactly once when done
// using it; the library is only unmapped once the cache has evicted the
// entry and every outstanding Handle has been released.
type Handle struct {
	entry *entry
}

// Library returns the underlying loaded shared object. It remains valid
// until Release is called.
func (h *Handle) Library() *abi.Library { return h.entry.lib }

// Release gives up this reference. It must be called exactly once per
// Handle returned by Acquire.
func (h *Handle) Release() {
	h.entry.release()
}

type entry struct {
	key      string
	lib      *abi.Library
	mu       sync.Mutex
	lastUsed time.Time
	refs     int
	evicted  bool
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.refs++
	e.mu.Unlock()
}

func (e *entry) release() {
	e.mu.Lock()
	shouldClose := false
	e.refs--
	if e.refs <= 0 && e.evicted {
		shouldClose = true
	}
	e.mu.Unlock()
	if shouldClose {
		e.lib.Close()
	}
}

func (e *entry) idleFor(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs > 0 {
		return 0
	}
	return now.Sub(e.lastUsed)
}

// markEvicted flags the entry as removed from the cache; the backing
// library is closed immediately if no Handle currently references it,
// or deferred to the last Release otherwise.
func (e *entry) markEvicted() (closeNow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	return e.refs <= 0
}

// Cache maps a function key (typically "{id}@{version}") to its loaded
// library, evicting entries idle longer than IdleTTL on a periodic sweep.
//
// Cache is safe for concurrent use. The zero value is not usable; build
// one with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	idleTTL         time.Duration
	cleanupInterval time.Duration

	evictions uint64
	loads     uint64
	hits      uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Cache.
type Options struct {
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// New constructs a Cache and starts its background eviction sweep. The
// caller must call Close to stop that goroutine.
func New(opts Options) *Cache {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:         make(map[string]*entry),
		idleTTL:         opts.IdleTTL,
		cleanupInterval: opts.CleanupInterval,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Acquire returns the cached handle for key, loading path if it is not
// already cached. Two concurrent Acquire calls for the same missing key
// result in exactly one library load; the loser of the race discards its
// freshly loaded library and returns the winner's.
// The call is wrapped in an internal span so a warm hit and a cold load
// are distinguishable in a trace of the enclosing invocation.
func (c *Cache) Acquire(ctx context.Context, key, path string) (*Handle, error) {
	_, span := observability.StartCacheSpan(ctx, key)
	defer span.End()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.touch()
		c.hits++
		c.mu.Unlock()
		metrics.Global().RecordCacheHit()
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		return &Handle{entry: e}, nil
	}
	c.mu.Unlock()
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		lib, err := abi.Open(path)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			lib.Close()
			return e, nil
		}
		e := &entry{key: key, lib: lib, lastUsed: time.Now()}
		c.entries[key] = e
		c.loads++
		c.mu.Unlock()
		metrics.Global().RecordCacheLoad()
		return e, nil
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, err
	}

	e := v.(*entry)
	e.touch()
	return &Handle{entry: e}, nil
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Loads     uint64
	Hits      uint64
	Evictions uint64
}

// Stats returns a snapshot of the cache's counters, for component K.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Loads:     c.loads,
		Hits:      c.hits,
		Evictions: c.evictions,
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *Cache) cleanupExpired() {
	now := time.Now()
	var toClose []*entry

	c.mu.Lock()
	evicted := 0
	for key, e := range c.entries {
		if e.idleFor(now) <= c.idleTTL {
			continue
		}
		delete(c.entries, key)
		evicted++
		if e.markEvicted() {
			toClose = append(toClose, e)
		}
	}
	if evicted > 0 {
		c.evictions += uint64(evicted)
	}
	c.mu.Unlock()

	for _, e := range toClose {
		e.lib.Close()
	}
	if evicted > 0 {
		for i := 0; i < evicted; i++ {
			metrics.Global().RecordCacheEviction()
		}
		logging.Op().Info("library cache eviction swept idle entries", "count", evicted)
	}
}

// Close stops the background eviction sweep and closes every cached
// library whose reference count has already dropped to zero. Entries
// still referenced by an outstanding Handle are closed when that Handle
// is released.
func (c *Cache) Close() {
	c.cancel()
	<-c.done

	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		if e.markEvicted() {
			e.lib.Close()
		}
	}
}
