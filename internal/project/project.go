// Package project provides the daemon's per-working-directory build state:
// the thing every RPC client sharing a working directory ultimately shares
// so that repeated builds against the same directory reuse warm caches
// instead of re-scanning the filesystem from nothing every time.
//
// This is a deliberately small stand-in for a real build engine's project
// cache. It keeps the four operations every caller of internal/rescache and
// internal/cluster actually drives — Clean, Reset, Close, and the cluster
// start/finish bracket — and the state machine around them, without
// pretending to own script parsing, task execution, or a content database.
package project

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by every operation once the project has been
// closed.
var ErrClosed = errors.New("project: closed")

// Cache is one working directory's cached build state.
type Cache struct {
	workingDirectory string

	mu        sync.Mutex
	closed    bool
	clusters  map[string]struct{}
	generation int
}

// New constructs a Cache for workingDirectory. Callers normally obtain one
// through internal/rescache rather than calling this directly, so that
// repeated lookups for the same directory share a single instance.
func New(workingDirectory string) *Cache {
	return &Cache{
		workingDirectory: workingDirectory,
		clusters:         make(map[string]struct{}),
	}
}

// WorkingDirectory returns the directory this cache was created for.
func (c *Cache) WorkingDirectory() string {
	return c.workingDirectory
}

// IsClosed reports whether Close has been called. This backs the
// resource-cache validation hook: a closed project is never handed out
// again, forcing a fresh one to be generated on the next lookup.
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Clean discards derived state (as opposed to Close, which also releases
// the slot entirely). Safe to call repeatedly.
func (c *Cache) Clean() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.generation++
	return nil
}

// Reset is Clean plus dropping any registered cluster executions, used
// when a working directory's configuration has changed enough that
// in-flight cluster work against the old generation must not continue.
func (c *Cache) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.generation++
	c.clusters = make(map[string]struct{})
	return nil
}

// ClusterStarting brackets the beginning of a cluster task invoker's use of
// this project. executionKey identifies the invocation so a matching
// ClusterFinished can be correlated to it.
func (c *Cache) ClusterStarting(executionKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.clusters[executionKey] = struct{}{}
	return nil
}

// ClusterFinished closes out the bracket opened by ClusterStarting. Calling
// it for an executionKey that was never started, or already finished, is a
// no-op — connection teardown races mean this can happen legitimately.
func (c *Cache) ClusterFinished(executionKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clusters, executionKey)
	return nil
}

// ActiveClusterExecutions reports how many ClusterStarting brackets are
// currently open, mainly for tests and introspection.
func (c *Cache) ActiveClusterExecutions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clusters)
}

// Close tears the project down. Outstanding cluster brackets are dropped
// without error; callers racing a close mid-execution should treat their
// ClusterFinished call as a no-op afterward, which it is.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.clusters = nil
	return nil
}

func (c *Cache) String() string {
	return fmt.Sprintf("project.Cache[%s]", c.workingDirectory)
}
