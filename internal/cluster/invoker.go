package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/gob"
	"path/filepath"

	"saker.build/daemon/internal/project"
	"saker.build/daemon/internal/rpcconn"
)

func init() {
	gob.Register(RegisterInvokerArgs{})
	gob.Register(RegisterInvokerReply{})
	gob.Register(InvokeArgs{})
	gob.Register(InvokeReply{})
}

// RegisterInvokerArgs is sent by a daemon dialing out to a coordinator to
// announce itself as a task invoker.
type RegisterInvokerArgs struct {
	EnvironmentID   string
	MirrorDirectory string
}

// RegisterInvokerReply acknowledges registration.
type RegisterInvokerReply struct {
	Accepted bool
}

// InvokeArgs is sent by a coordinator back over the same connection to run
// one build against a working directory.
type InvokeArgs struct {
	WorkingDirectory string
	ExecutionKey     string
}

// InvokeReply reports the outcome of one InvokeArgs.
type InvokeReply struct {
	Err string
}

// MirrorDirectoryFor derives the local scratch directory a cluster
// invocation mirrors coordinator files into, as base joined with the hex
// SHA-256 of environmentID + "/" + workingDirectory, so distinct
// (environmentID, workingDirectory) pairs get distinct subdirectories.
// Invoker.run passes the invoker's own environment identifier. An empty
// base yields "".
func MirrorDirectoryFor(base, environmentID, workingDirectory string) string {
	if base == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(environmentID + "/" + workingDirectory))
	return filepath.Join(base, hex.EncodeToString(sum[:]))
}

// ExecutionResolverKey names the per-connection class-resolver-equivalent
// registry entry for one execution. Invoker.run computes it but does not
// store it in rpcconn.Variables or any other registry.
func ExecutionResolverKey(environmentID, workingDirectory string) string {
	return "execclasses:" + environmentID + ":" + workingDirectory
}

// Invoker answers InvokeArgs calls made by a coordinator over a connection
// this daemon dialed out on, bracketing each one against the target
// working directory's project.Cache.
type Invoker struct {
	environmentID   string
	mirrorDirectory string
	projectFor      func(workingDirectory string) (*project.Cache, error)

	// OnInvoke, if set, brackets one InvokeArgs run: it is called before
	// project.Cache.ClusterStarting and must return a func invoked once the
	// run finishes, letting a caller attach tracing without this package
	// needing to import an OTEL tracer itself.
	OnInvoke func(workingDirectory string) (end func())
}

// NewInvoker constructs an Invoker. projectFor resolves a working directory
// to its project.Cache, normally backed by internal/rescache so repeated
// invocations against the same directory reuse the same project.
func NewInvoker(environmentID, mirrorDirectory string, projectFor func(string) (*project.Cache, error)) *Invoker {
	return &Invoker{environmentID: environmentID, mirrorDirectory: mirrorDirectory, projectFor: projectFor}
}

// Handler returns the rpcconn.Handler this invoker answers "cluster.invoke"
// calls with.
func (inv *Invoker) Handler() rpcconn.Handler {
	return func(conn *rpcconn.Conn, payload any) (any, error) {
		args, ok := payload.(InvokeArgs)
		if !ok {
			return InvokeReply{Err: "cluster: malformed invoke arguments"}, nil
		}
		if err := inv.run(args); err != nil {
			return InvokeReply{Err: err.Error()}, nil
		}
		return InvokeReply{}, nil
	}
}

func (inv *Invoker) run(args InvokeArgs) error {
	if inv.OnInvoke != nil {
		defer inv.OnInvoke(args.WorkingDirectory)()
	}
	proj, err := inv.projectFor(args.WorkingDirectory)
	if err != nil {
		return err
	}
	if err := proj.ClusterStarting(args.ExecutionKey); err != nil {
		return err
	}
	defer proj.ClusterFinished(args.ExecutionKey)
	// The mirror directory and resolver key are computed here so a real
	// build engine wiring this invoker up has everything it needs without
	// recomputing the hash scheme; there is no build engine here to hand
	// them to.
	_ = MirrorDirectoryFor(inv.mirrorDirectory, inv.environmentID, args.WorkingDirectory)
	_ = ExecutionResolverKey(inv.environmentID, args.WorkingDirectory)
	return nil
}

// Register performs the client-side half of clustering: calling
// "cluster.register" on conn to announce this daemon to the coordinator it
// just dialed. It is the Registrar a Reconnector is normally constructed
// with.
func Register(environmentID, mirrorDirectory string) Registrar {
	return func(ctx context.Context, conn *rpcconn.Conn) error {
		var reply RegisterInvokerReply
		err := conn.Call("cluster.register", RegisterInvokerArgs{
			EnvironmentID:   environmentID,
			MirrorDirectory: mirrorDirectory,
		}, &reply)
		if err != nil {
			return err
		}
		if !reply.Accepted {
			return errClusterRegisterRefused
		}
		return nil
	}
}
