package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"saker.build/daemon/internal/clock"
	"saker.build/daemon/internal/cluster"
	"saker.build/daemon/internal/connreg"
	"saker.build/daemon/internal/loggingutil"
	"saker.build/daemon/internal/project"
	"saker.build/daemon/internal/rescache"
	"saker.build/daemon/internal/rpcconn"
	"saker.build/daemon/internal/slotlock"
	"saker.build/daemon/internal/svcfields"
	"saker.build/daemon/internal/uuidv7"
	"pkt.systems/pslog"

	"github.com/prometheus/client_golang/prometheus"
)

// state is the daemon's lifecycle. It only moves forward:
// unstarted -> started -> closed.
type state int32

const (
	stateUnstarted state = iota
	stateStarted
	stateClosed
)

const (
	projectExpiry    = 15 * time.Minute
	remoteConnExpiry = 5 * time.Minute

	// sweepInterval is how often idle project and remote-connection cache
	// entries are checked against their expiry. It is shorter than either
	// expiry so an idle entry is closed within one interval of going stale,
	// not just eventually.
	sweepInterval = 1 * time.Minute
)

// Environment is a running (or not-yet-started, or closed) build daemon. It
// owns the slot lock, the RPC listener when one is configured, the project
// and remote-connection caches, and every outbound cluster reconnector.
type Environment struct {
	params LaunchParameters
	logger pslog.Logger
	clock  clock.Clock

	environmentID string

	mu    sync.Mutex
	state state

	slot     *slotlock.Slot
	listener net.Listener
	connReg  *connreg.Registry
	rpc      *rpcconn.Server
	handlers rpcconn.HandlerTable

	projects    *rescache.Cache[string, *project.Cache]
	remoteConns *rescache.Cache[string, *rpcconn.Conn]

	coordinator     *cluster.Coordinator
	reconnectors    []*cluster.Reconnector
	cancelReconnect context.CancelFunc
	reconnectWG     sync.WaitGroup

	sweepStop chan struct{}
	sweepDone sync.WaitGroup

	metrics *daemonMetrics
}

// AttachMetrics wires a Prometheus registry's daemon-specific counters and
// gauges into this environment. Called before Start by the caller (normally
// cmd/sakerd, once it has set up telemetry); if never called, every metric
// update is a no-op.
func (e *Environment) AttachMetrics(registry *prometheus.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if registry != nil {
		e.metrics = newDaemonMetrics(registry)
	}
}

// New constructs an Environment for the given parameters. Start must be
// called before it does anything useful.
func New(params LaunchParameters) *Environment {
	return NewWithOptions(params, nil, nil)
}

// NewWithOptions is New with explicit logger and clock injection, for
// tests and for callers (cmd/sakerd) that want the daemon's logs folded
// into their own structured logging setup.
func NewWithOptions(params LaunchParameters, logger pslog.Logger, clk clock.Clock) *Environment {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Environment{
		params:        params,
		logger:        svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "daemon"),
		clock:         clk,
		environmentID: uuidv7.NewString(),
	}
}

// EnvironmentID returns the daemon's identity, generated once at
// construction and stable for the process lifetime.
func (e *Environment) EnvironmentID() string {
	return e.environmentID
}

// Params returns the (possibly normalized, if Start has run) launch
// parameters this environment was constructed with.
func (e *Environment) Params() LaunchParameters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Running reports whether the environment is in the started state. Cluster
// reconnectors poll this to know when to stop scheduling new attempts.
func (e *Environment) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateStarted
}

// Port returns the bound RPC port and true, or (0, false) if no server was
// configured or the daemon has not started yet.
func (e *Environment) Port() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return 0, false
	}
	addr, ok := e.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, false
	}
	return addr.Port, true
}

// Start brings the daemon up: it normalizes and validates the launch
// parameters, claims a slot in the storage directory's coordination lock
// file, optionally binds and starts serving the RPC listener, and finally
// launches one reconnect loop per configured cluster coordinator address.
//
// If any step after the slot lock is acquired fails, the slot is released
// before Start returns, exactly mirroring the ancestor daemon's
// acquire-then-cleanup-on-error ordering: a daemon that fails to start
// must never leave a permanently unowned slot behind.
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateUnstarted {
		return ConfigError("daemon has already been started or closed")
	}

	normalized, err := e.params.Normalize()
	if err != nil {
		return err
	}
	e.params = normalized

	if err := os.MkdirAll(normalized.StorageDirectory, 0755); err != nil {
		return LockIOError("create storage directory", err)
	}

	lockPath := filepath.Join(normalized.StorageDirectory, LockFileName)
	slot, err := slotlock.Acquire(lockPath)
	if err != nil {
		if errors.Is(err, slotlock.ErrSlotExhausted) {
			e.metrics.incSlotExhausted()
			return &daemonError{kind: ErrSlotExhausted, reason: lockPath}
		}
		return LockIOError("acquire coordination slot", err)
	}
	e.metrics.incSlotAcquired()
	e.slot = slot

	if err := e.startLocked(ctx, normalized); err != nil {
		slot.Release()
		e.slot = nil
		return err
	}

	e.state = stateStarted
	e.startClusterLocked(normalized)
	e.startSweepLocked()
	return nil
}

// startSweepLocked launches the background loop that periodically evicts
// idle, expired entries from the project and remote-connection caches. It
// is driven by e.clock rather than a bare time.Ticker so tests using
// clock.Manual can advance it deterministically instead of racing a real
// timer against a 15-minute (project) or 5-minute (remote connection)
// expiry. The first timer is armed before startSweepLocked returns, so a
// clock advance made right after Start is always observed.
func (e *Environment) startSweepLocked() {
	e.sweepStop = make(chan struct{})
	stop := e.sweepStop
	next := e.clock.After(sweepInterval)
	e.sweepDone.Add(1)
	go func() {
		defer e.sweepDone.Done()
		for {
			select {
			case <-stop:
				return
			case <-next:
				e.projects.Sweep()
				e.remoteConns.Sweep()
				next = e.clock.After(sweepInterval)
			}
		}
	}()
}

func (e *Environment) startLocked(ctx context.Context, params LaunchParameters) error {
	e.projects = rescache.New[string, *project.Cache](e.clock)
	e.remoteConns = rescache.New[string, *rpcconn.Conn](e.clock)
	e.coordinator = cluster.NewCoordinator()

	invoker := cluster.NewInvoker(
		e.environmentID,
		params.ClusterMirrorDirectory,
		e.projectFor,
	)
	invoker.OnInvoke = func(workingDirectory string) func() {
		_, span := clusterStartingSpan(context.Background(), workingDirectory)
		return func() { span.End() }
	}

	e.handlers = rpcconn.HandlerTable{
		"cluster.register": e.coordinator.Handler(),
		"cluster.invoke":   invoker.Handler(),
		"daemon.info":      e.infoHandler(),
	}

	if !params.HasPort() {
		if err := e.slot.PublishPort(0); err != nil {
			return LockIOError("publish port", err)
		}
		return nil
	}

	host := "127.0.0.1"
	if params.ActsAsServer {
		host = ""
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, params.ResolvedPort()))
	if err != nil {
		return StartupError("bind rpc listener", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	if err := e.slot.PublishPort(actualPort); err != nil {
		ln.Close()
		return LockIOError("publish port", err)
	}

	e.connReg = connreg.New(e.logger)
	e.listener = e.connReg.WrapListener(ln)
	e.rpc = rpcconn.NewServer(e.handlers, e.logger)
	e.rpc.OnAccept = func(conn *rpcconn.Conn) {
		conn.OnClose(func() {
			stats := conn.Stats()
			e.metrics.recordConnStats(stats)
			e.logger.Debug("daemon.rpc.connection_closed",
				"bytes_in", stats.BytesIn, "bytes_out", stats.BytesOut,
				"calls_served", stats.CallsServed, "calls_made", stats.CallsMade,
				"open_duration", stats.OpenDuration)
		})
	}
	go func() {
		if serveErr := e.rpc.Serve(e.listener); serveErr != nil {
			e.logger.Debug("daemon.rpc.serve_stopped", "error", serveErr)
		}
	}()
	return nil
}

// projectFor is the allocate/generate/validate entry the cluster invoker
// uses to resolve a working directory to its project.Cache. It is safe to
// call without holding e.mu.
func (e *Environment) projectFor(workingDirectory string) (*project.Cache, error) {
	handle, err := e.projects.Get(workingDirectory, &projectCacheKey{workingDirectory: workingDirectory})
	if err != nil {
		return nil, err
	}
	defer handle.Close()
	return handle.Resource(), nil
}

func (e *Environment) startClusterLocked(params LaunchParameters) {
	if !params.ActsAsCluster || len(params.ConnectToAsCluster) == 0 {
		return
	}
	rctx, cancel := context.WithCancel(context.Background())
	e.cancelReconnect = cancel
	for _, addr := range params.ConnectToAsCluster {
		addr := addr
		reconnector := cluster.NewReconnector(
			addr,
			func(ctx context.Context) (*rpcconn.Conn, error) {
				return rpcconn.DialContext(ctx, "tcp", addr, e.handlers)
			},
			cluster.Register(e.environmentID, params.ClusterMirrorDirectory),
			e.Running,
			e.clock,
			e.logger,
		)
		reconnector.OnAttempt = func(outcome string) { e.metrics.incClusterAttempt(outcome) }
		e.reconnectors = append(e.reconnectors, reconnector)
		e.reconnectWG.Add(1)
		go func() {
			defer e.reconnectWG.Done()
			reconnector.Start(rctx)
		}()
	}
}

// GetProject returns a close-protected handle to the project cache for
// workingDirectory, generating one if this is the first request for that
// directory since the daemon started (or since the previous one was
// invalidated).
func (e *Environment) GetProject(workingDirectory string) (*rescache.Handle[*project.Cache], error) {
	if !e.Running() {
		return nil, ConfigError("daemon is not started")
	}
	handle, err := e.projects.Get(workingDirectory, &projectCacheKey{workingDirectory: workingDirectory})
	if err != nil {
		return nil, err
	}
	e.metrics.setActiveProjects(e.projects.Len())
	return handle, nil
}

// ConnectTo dials addr and returns a close-protected handle to the
// resulting RPC connection, reusing an existing connection to the same
// address if one is already cached and still live.
func (e *Environment) ConnectTo(addr string) (*rescache.Handle[*rpcconn.Conn], error) {
	if !e.Running() {
		return nil, ConfigError("daemon is not started")
	}
	handle, err := e.remoteConns.Get(addr, &remoteConnKey{addr: addr, handlers: e.handlers})
	if err != nil {
		return nil, ConnectError("connect to "+addr, err)
	}
	return handle, nil
}

// Close shuts the daemon down: it stops the cache sweep loop, cancels every
// cluster reconnect loop, closes the RPC connections and stops accepting
// new ones, closes cached projects and remote connections, and finally
// releases the coordination slot. Calling Close again after it has run is
// a no-op; calling it before Start returns a configuration error and
// leaves the environment unstarted.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return nil
	}
	if e.state == stateUnstarted {
		e.mu.Unlock()
		return ConfigError("daemon has not been started")
	}
	e.state = stateClosed
	cancel := e.cancelReconnect
	sweepStop := e.sweepStop
	listener := e.listener
	rpc := e.rpc
	slot := e.slot
	e.mu.Unlock()

	if sweepStop != nil {
		close(sweepStop)
		e.sweepDone.Wait()
	}

	if cancel != nil {
		cancel()
	}
	e.reconnectWG.Wait()

	if rpc != nil {
		rpc.Close()
	}
	if listener != nil {
		listener.Close()
	}

	var firstErr error
	if e.projects != nil {
		if err := e.projects.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.remoteConns != nil {
		if err := e.remoteConns.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if slot != nil {
		if err := slot.Release(); err != nil && firstErr == nil {
			firstErr = LockIOError("release coordination slot", err)
		}
	}
	return firstErr
}

// projectCacheKey adapts project.Cache's lifecycle to rescache.Entry.
type projectCacheKey struct {
	workingDirectory string
}

func (k *projectCacheKey) Generate() (*project.Cache, error) {
	return project.New(k.workingDirectory), nil
}

func (k *projectCacheKey) Validate(p *project.Cache) bool {
	return !p.IsClosed()
}

func (k *projectCacheKey) Expiry() time.Duration {
	return projectExpiry
}

func (k *projectCacheKey) Close(p *project.Cache) error {
	return p.Close()
}

// remoteConnKey adapts an outbound rpcconn.Conn's lifecycle to
// rescache.Entry so repeated ConnectTo calls against the same address
// reuse one connection instead of dialing anew every time.
type remoteConnKey struct {
	addr     string
	handlers rpcconn.HandlerTable
}

func (k *remoteConnKey) Generate() (*rpcconn.Conn, error) {
	return rpcconn.Dial("tcp", k.addr, k.handlers)
}

func (k *remoteConnKey) Validate(conn *rpcconn.Conn) bool {
	return !conn.Closed()
}

func (k *remoteConnKey) Expiry() time.Duration {
	return remoteConnExpiry
}

func (k *remoteConnKey) Close(conn *rpcconn.Conn) error {
	return conn.Close()
}
