package cluster

import (
	"context"
	"sync"

	"saker.build/daemon/internal/rpcconn"
)

// Coordinator is the accepting side of clustering: it answers
// "cluster.register" calls from daemons that dialed in as task invokers,
// and can fan a build out to every invoker still connected.
type Coordinator struct {
	mu       sync.Mutex
	invokers map[*rpcconn.Conn]RegisterInvokerArgs
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{invokers: make(map[*rpcconn.Conn]RegisterInvokerArgs)}
}

// Handler answers "cluster.register" calls, tracking the connection until
// it closes.
func (c *Coordinator) Handler() rpcconn.Handler {
	return func(conn *rpcconn.Conn, payload any) (any, error) {
		args, ok := payload.(RegisterInvokerArgs)
		if !ok {
			return RegisterInvokerReply{Accepted: false}, nil
		}
		c.mu.Lock()
		c.invokers[conn] = args
		c.mu.Unlock()
		conn.OnClose(func() {
			c.mu.Lock()
			delete(c.invokers, conn)
			c.mu.Unlock()
		})
		return RegisterInvokerReply{Accepted: true}, nil
	}
}

// Invokers returns a snapshot of every currently registered invoker's
// announced identity.
func (c *Coordinator) Invokers() []RegisterInvokerArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RegisterInvokerArgs, 0, len(c.invokers))
	for _, args := range c.invokers {
		out = append(out, args)
	}
	return out
}

// Invoke calls "cluster.invoke" on every registered invoker for the given
// working directory and execution key, returning the errors reported by
// any invoker that failed (a nil slice means every invoker succeeded).
func (c *Coordinator) Invoke(ctx context.Context, workingDirectory, executionKey string) []error {
	c.mu.Lock()
	conns := make([]*rpcconn.Conn, 0, len(c.invokers))
	for conn := range c.invokers {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		var reply InvokeReply
		err := conn.Call("cluster.invoke", InvokeArgs{
			WorkingDirectory: workingDirectory,
			ExecutionKey:     executionKey,
		}, &reply)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reply.Err != "" {
			errs = append(errs, invokeError(reply.Err))
		}
	}
	return errs
}

type invokeError string

func (e invokeError) Error() string { return string(e) }
