package daemon

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"saker.build/daemon/internal/pathutil"
)

// PortDefault is the sentinel passed in LaunchParameters.Port to mean "bind
// to the default port" rather than a specific one. Any negative value has
// the same meaning; this is the canonical spelling of it.
const PortDefault = -1

// DefaultPort is the port a daemon binds to when its launch parameters ask
// for PortDefault.
const DefaultPort = 3500

// LockFileName is the name of the per-storage-directory coordination file
// described in internal/slotlock.
const LockFileName = ".lock.daemon"

// UserParameter is one entry of the ordered string-to-string mapping carried
// by LaunchParameters. A slice (rather than a map) preserves insertion order,
// which participates in structural equality and in how parameters are
// replayed onto a spawned child process's command line.
type UserParameter struct {
	Key   string
	Value string
}

// LaunchParameters is the immutable configuration bundle a daemon is started
// with. Equality is structural: two LaunchParameters values are Equal if
// every field, including user parameter order, matches.
type LaunchParameters struct {
	// StorageDirectory is where the daemon keeps its coordination lock file
	// and any build-environment state.
	StorageDirectory string
	// Port is nil when no RPC server should be started, PortDefault (or any
	// negative value) to bind the default port, or a specific port number.
	Port *int
	// ThreadFactor is a non-negative worker-pool sizing hint. Normalize
	// rejects negative values and Equal compares it; EffectiveThreadFactor
	// maps 0 to a value from runtime.NumCPU. Environment does not read it.
	ThreadFactor int
	// ActsAsServer binds the RPC listener to all interfaces instead of just
	// loopback.
	ActsAsServer bool
	// ActsAsCluster allows this daemon to register as a cluster task
	// invoker, either by accepting inbound coordinator connections or by
	// dialing ConnectToAsCluster addresses.
	ActsAsCluster bool
	// ClusterMirrorDirectory is the local scratch root cluster invocations
	// mirror coordinator files into. Empty means no mirroring.
	ClusterMirrorDirectory string
	// ConnectToAsCluster lists coordinator addresses this daemon dials out
	// to and registers itself against. Non-empty only when ActsAsCluster.
	ConnectToAsCluster []string
	// UserParameters is an ordered bag of string parameters forwarded to the
	// build environment; order participates in equality.
	UserParameters []UserParameter
}

// WithPort returns a copy of p with Port set to the given value.
func (p LaunchParameters) WithPort(port int) LaunchParameters {
	v := port
	p.Port = &v
	return p
}

// WithoutPort returns a copy of p with no RPC server configured.
func (p LaunchParameters) WithoutPort() LaunchParameters {
	p.Port = nil
	return p
}

// HasPort reports whether p configures an RPC server at all.
func (p LaunchParameters) HasPort() bool {
	return p.Port != nil
}

// ResolvedPort returns the concrete port p requests, applying the
// "negative means default" rule. It panics if HasPort is false; callers must
// check HasPort first.
func (p LaunchParameters) ResolvedPort() int {
	if p.Port == nil {
		panic("daemon: ResolvedPort called on a portless LaunchParameters")
	}
	if *p.Port < 0 {
		return DefaultPort
	}
	return *p.Port
}

// Normalize validates p and fills in directory normalization, returning the
// effective copy plus any configuration error. It does not resolve the port
// or thread factor: a negative Port is kept as is (see ResolvedPort) and a
// zero ThreadFactor stays zero (see EffectiveThreadFactor).
func (p LaunchParameters) Normalize() (LaunchParameters, error) {
	out := p
	dir := strings.TrimSpace(out.StorageDirectory)
	if dir == "" {
		return LaunchParameters{}, ConfigError("storage directory is required")
	}
	expanded, err := pathutil.ExpandUserAndEnv(dir)
	if err != nil {
		return LaunchParameters{}, fmt.Errorf("daemon: configuration: expand storage directory: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return LaunchParameters{}, fmt.Errorf("daemon: configuration: resolve storage directory: %w", err)
	}
	out.StorageDirectory = abs
	if out.ThreadFactor < 0 {
		return LaunchParameters{}, ConfigError("thread factor must be >= 0")
	}
	if len(out.ConnectToAsCluster) > 0 && !out.ActsAsCluster {
		return LaunchParameters{}, ConfigError("connect-to-as-cluster addresses require acts-as-cluster")
	}
	if out.ClusterMirrorDirectory != "" {
		expanded, err := pathutil.ExpandUserAndEnv(out.ClusterMirrorDirectory)
		if err != nil {
			return LaunchParameters{}, fmt.Errorf("daemon: configuration: expand cluster mirror directory: %w", err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return LaunchParameters{}, fmt.Errorf("daemon: configuration: resolve cluster mirror directory: %w", err)
		}
		out.ClusterMirrorDirectory = abs
	}
	return out, nil
}

// EffectiveThreadFactor returns f if positive, otherwise a value derived
// from the host's CPU count, matching the teacher's "0 means auto" idiom.
func EffectiveThreadFactor(f int) int {
	if f > 0 {
		return f
	}
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Equal reports whether p and other describe the same configuration.
func (p LaunchParameters) Equal(other LaunchParameters) bool {
	if p.StorageDirectory != other.StorageDirectory {
		return false
	}
	if !equalPortPtr(p.Port, other.Port) {
		return false
	}
	if p.ThreadFactor != other.ThreadFactor ||
		p.ActsAsServer != other.ActsAsServer ||
		p.ActsAsCluster != other.ActsAsCluster ||
		p.ClusterMirrorDirectory != other.ClusterMirrorDirectory {
		return false
	}
	if len(p.ConnectToAsCluster) != len(other.ConnectToAsCluster) {
		return false
	}
	for i := range p.ConnectToAsCluster {
		if p.ConnectToAsCluster[i] != other.ConnectToAsCluster[i] {
			return false
		}
	}
	if len(p.UserParameters) != len(other.UserParameters) {
		return false
	}
	for i := range p.UserParameters {
		if p.UserParameters[i] != other.UserParameters[i] {
			return false
		}
	}
	return true
}

func equalPortPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SortedUserParameters returns a copy of params sorted by key, useful for
// deterministic CLI/JSON rendering; the canonical order used for equality
// and command-line replay remains insertion order.
func SortedUserParameters(params []UserParameter) []UserParameter {
	out := make([]UserParameter, len(params))
	copy(out, params)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
