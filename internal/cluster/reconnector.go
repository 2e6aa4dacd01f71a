// Package cluster implements the daemon's outbound side of clustering: for
// every coordinator address a daemon is configured to dial, a Reconnector
// keeps a connection alive, re-registering this daemon as a task invoker
// each time it (re)connects, and falling back to bounded exponential
// backoff whenever the dial or the registration handshake fails.
//
// The retry shape below is deliberately exact to its Java ancestor rather
// than a generic backoff/v2 policy: a fresh connection attempt starts its
// backoff at 5 seconds, adds 5 seconds per consecutive failure up to a 30
// second ceiling, and collapses back to a 1 second backoff the moment a
// TCP connection succeeds (even if the handshake immediately afterward
// fails) so that a transient RPC hiccup right after a cold network
// failure doesn't also pay the full cold-failure penalty.
package cluster

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"saker.build/daemon/internal/clock"
	"saker.build/daemon/internal/rpcconn"
	"saker.build/daemon/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	initialBackoff = 5 * time.Second
	backoffStep    = 5 * time.Second
	maxBackoff     = 30 * time.Second
	postDialBackoff = 1 * time.Second
)

// Dialer opens a connection to the coordinator. Returning an error
// classified as transient (connection refused, timeout) only logs at
// debug level; anything else is logged as a warning before backing off.
type Dialer func(ctx context.Context) (*rpcconn.Conn, error)

// Registrar performs the post-connect handshake: registering this daemon
// as a task invoker over the freshly dialed connection. A non-nil error
// here causes the connection to be closed and the backoff loop to
// continue, exactly like a failed dial.
type Registrar func(ctx context.Context, conn *rpcconn.Conn) error

// Reconnector owns the retry loop for one coordinator address.
type Reconnector struct {
	addr      string
	dial      Dialer
	register  Registrar
	isRunning func() bool
	clock     clock.Clock
	logger    pslog.Logger

	// OnAttempt, if set, is called after every dial or registration outcome
	// with one of "connect_failed", "register_failed", or "connected", so a
	// caller can feed connection-attempt metrics without this package
	// needing to know anything about how those metrics are reported.
	OnAttempt func(outcome string)
}

// NewReconnector constructs a Reconnector for addr. isRunning is polled
// before every attempt and after every disconnect; once it returns false
// the reconnector stops scheduling further attempts.
func NewReconnector(addr string, dial Dialer, register Registrar, isRunning func() bool, clk clock.Clock, logger pslog.Logger) *Reconnector {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Reconnector{
		addr:      addr,
		dial:      dial,
		register:  register,
		isRunning: isRunning,
		clock:     clk,
		logger:    svcfields.WithSubsystem(logger, "daemon.cluster.reconnector"),
	}
}

// Start runs the reconnect loop until ctx is cancelled or isRunning starts
// reporting false. It blocks until the loop exits; callers wanting
// fire-and-forget behavior should run it in its own goroutine.
func (r *Reconnector) Start(ctx context.Context) {
	for r.isRunning() && ctx.Err() == nil {
		conn, connected := r.attempt(ctx)
		if !connected {
			continue
		}
		// Block this attempt until the connection drops, then loop back
		// into a fresh attempt (backoff resets to the initial value) as
		// long as the daemon is still meant to be running.
		r.awaitClose(ctx, conn)
	}
}

// attempt makes one connect-then-register cycle, running the backoff sleep
// on failure. It returns (conn, true) once a connection is both dialed and
// registered successfully.
func (r *Reconnector) attempt(ctx context.Context) (*rpcconn.Conn, bool) {
	backoff := initialBackoff
	for r.isRunning() && ctx.Err() == nil {
		r.logger.Debug("daemon.cluster.connecting", "addr", r.addr)
		conn, err := r.dial(ctx)
		if err != nil {
			r.logConnectFailure(err)
			r.reportAttempt("connect_failed")
			if errors.Is(err, context.Canceled) {
				return nil, false
			}
			if !r.sleep(ctx, backoff) {
				return nil, false
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = postDialBackoff
		if err := r.register(ctx, conn); err != nil {
			r.logger.Warn("daemon.cluster.register_failed", "addr", r.addr, "error", err)
			r.reportAttempt("register_failed")
			conn.Close()
			if !r.sleep(ctx, backoff) {
				return nil, false
			}
			backoff = nextBackoff(backoff)
			continue
		}
		r.logger.Info("daemon.cluster.connected", "addr", r.addr)
		r.reportAttempt("connected")
		return conn, true
	}
	return nil, false
}

func (r *Reconnector) reportAttempt(outcome string) {
	if r.OnAttempt != nil {
		r.OnAttempt(outcome)
	}
}

// awaitClose blocks until conn closes on its own, or ctx is cancelled — in
// which case it closes conn itself and waits for that close to be observed,
// so Start always returns promptly once ctx ends instead of staying parked
// on a connection nothing else will ever close.
func (r *Reconnector) awaitClose(ctx context.Context, conn *rpcconn.Conn) {
	done := make(chan struct{})
	conn.OnClose(func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		conn.Close()
		<-done
	}
}

func (r *Reconnector) sleep(ctx context.Context, d time.Duration) bool {
	r.logger.Info("daemon.cluster.backoff", "addr", r.addr, "seconds", int(d/time.Second))
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

func (r *Reconnector) logConnectFailure(err error) {
	if isTransientConnectError(err) {
		r.logger.Debug("daemon.cluster.connect_failed", "addr", r.addr, "error", err)
		return
	}
	r.logger.Warn("daemon.cluster.connect_failed", "addr", r.addr, "error", err)
}

func nextBackoff(d time.Duration) time.Duration {
	d += backoffStep
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// isTransientConnectError reports whether err is the unremarkable kind of
// dial failure (connection refused, timeout) that doesn't deserve more than
// a debug-level log line — the coordinator may simply not be up yet.
func isTransientConnectError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
