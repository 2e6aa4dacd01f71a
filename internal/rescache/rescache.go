// Package rescache implements a keyed, time-bounded resource cache.
//
// Each entry is described by an Entry[V] implementation supplying the same
// four lifecycle hooks as the daemon's Java ancestor's CacheKey contract:
// Generate builds the resource the first time it is requested, Validate
// checks whether a previously generated resource is still usable, Expiry
// says how long an idle resource survives before it is closed, and Close
// releases it. Callers never see the underlying resource's own Close
// method directly — Handle.Close only drops the cache's reference count,
// so one caller closing its handle can never tear down a resource another
// caller is still using.
package rescache

import (
	"sync"
	"time"

	"saker.build/daemon/internal/clock"
)

// Entry describes how to produce, validate, and retire the resource cached
// under a single key.
type Entry[V any] interface {
	// Generate constructs the resource. Called at most once per cache slot,
	// the first time that key is requested after creation or invalidation.
	Generate() (V, error)
	// Validate reports whether a previously generated resource is still
	// usable. Returning false causes the cache to close it and regenerate.
	Validate(V) bool
	// Expiry is how long an idle (zero-reference) resource is kept before
	// Sweep closes it.
	Expiry() time.Duration
	// Close releases the resource. Called by the cache only, never by a
	// Handle held by a caller.
	Close(V) error
}

type slot[V any] struct {
	entry     Entry[V]
	resource  V
	generated bool
	refs      int
	expiresAt time.Time
	hasExpiry bool
}

// Cache maps keys of type K to lazily generated, reference-counted
// resources of type V.
type Cache[K comparable, V any] struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[K]*slot[V]
	closed  bool
}

// New constructs an empty cache. A nil clock uses clock.Real{}.
func New[K comparable, V any](c clock.Clock) *Cache[K, V] {
	if c == nil {
		c = clock.Real{}
	}
	return &Cache[K, V]{clock: c, entries: make(map[K]*slot[V])}
}

// Handle is a close-protected reference to a cached resource. Close must be
// called exactly once, when the caller is done with the resource; it never
// blocks and never invokes the resource's own Close.
type Handle[V any] struct {
	resource V
	once     sync.Once
	release  func()
}

// Resource returns the handle's underlying resource.
func (h *Handle[V]) Resource() V {
	return h.resource
}

// Close drops this handle's reference. Safe to call more than once; only
// the first call has any effect.
func (h *Handle[V]) Close() error {
	h.once.Do(h.release)
	return nil
}

// ErrClosed is returned by Get once the cache has been shut down.
type closedError struct{}

func (closedError) Error() string { return "rescache: cache is closed" }

// ErrClosed is the sentinel returned by Get after Close.
var ErrClosed error = closedError{}

// Get returns a Handle to the resource cached under key, generating it with
// entry if this is the first request for that key, or if the previously
// generated resource no longer validates.
func (c *Cache[K, V]) Get(key K, entry Entry[V]) (*Handle[V], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := c.entries[key]
	if ok && s.generated && !entry.Validate(s.resource) {
		delete(c.entries, key)
		stale := s
		c.mu.Unlock()
		stale.entry.Close(stale.resource)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		ok = false
	}
	if !ok {
		s = &slot[V]{entry: entry}
		c.entries[key] = s
	}
	needsGenerate := !s.generated
	c.mu.Unlock()

	if needsGenerate {
		res, err := entry.Generate()
		c.mu.Lock()
		if err != nil {
			if cur := c.entries[key]; cur == s {
				delete(c.entries, key)
			}
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			c.mu.Unlock()
			entry.Close(res)
			return nil, ErrClosed
		}
		s.resource = res
		s.generated = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	s.refs++
	s.hasExpiry = false
	c.mu.Unlock()

	return &Handle[V]{
		resource: s.resource,
		release:  func() { c.release(key, s) },
	}, nil
}

func (c *Cache[K, V]) release(key K, s *slot[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 && c.entries[key] == s {
		s.expiresAt = c.clock.Now().Add(s.entry.Expiry())
		s.hasExpiry = true
	}
}

// Sweep closes every entry whose reference count is zero and whose expiry
// has elapsed. Callers drive this on their own schedule (typically a
// ticker built on the same clock.Clock passed to New) — the cache never
// starts a background goroutine of its own.
func (c *Cache[K, V]) Sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	var expired []*slot[V]
	for key, s := range c.entries {
		if s.refs == 0 && s.hasExpiry && !now.Before(s.expiresAt) {
			delete(c.entries, key)
			expired = append(expired, s)
		}
	}
	c.mu.Unlock()

	for _, s := range expired {
		if s.generated {
			s.entry.Close(s.resource)
		}
	}
}

// Close evicts and closes every entry regardless of reference count or
// expiry, and causes future Get calls to fail with ErrClosed. It does not
// wait for outstanding Handles to be released first — callers must ensure
// all handles are closed before or shortly after calling Close.
func (c *Cache[K, V]) Close() error {
	c.mu.Lock()
	c.closed = true
	entries := c.entries
	c.entries = make(map[K]*slot[V])
	c.mu.Unlock()

	var firstErr error
	for _, s := range entries {
		if s.generated {
			if err := s.entry.Close(s.resource); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Len reports the number of entries currently tracked, including ones with
// zero references that have not yet been swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
