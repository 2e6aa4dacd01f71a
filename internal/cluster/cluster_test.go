package cluster_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"saker.build/daemon/internal/clock"
	"saker.build/daemon/internal/cluster"
	"saker.build/daemon/internal/project"
	"saker.build/daemon/internal/rpcconn"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestMirrorDirectoryForIsDeterministicAndDistinguishesInputs(t *testing.T) {
	t.Parallel()

	a := cluster.MirrorDirectoryFor("/mirror", "env-1", "/work/a")
	b := cluster.MirrorDirectoryFor("/mirror", "env-1", "/work/a")
	if a != b {
		t.Fatalf("MirrorDirectoryFor not deterministic: %q != %q", a, b)
	}
	if c := cluster.MirrorDirectoryFor("/mirror", "env-1", "/work/b"); c == a {
		t.Fatalf("distinct working directories collided on %q", c)
	}
	if c := cluster.MirrorDirectoryFor("/mirror", "env-2", "/work/a"); c == a {
		t.Fatalf("distinct environment ids collided on %q", c)
	}
	if got := cluster.MirrorDirectoryFor("", "env-1", "/work/a"); got != "" {
		t.Fatalf("MirrorDirectoryFor with empty base = %q, want empty", got)
	}
}

func TestRegisterAndInvokeRoundTrip(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	coord := cluster.NewCoordinator()
	srv := rpcconn.NewServer(rpcconn.HandlerTable{
		"cluster.register": coord.Handler(),
	}, nil)
	go srv.Serve(ln)
	defer srv.Close()

	var invokeCount atomic.Int32
	var sawWorkingDir atomic.Value
	proj := project.New("/work/a")
	invoker := cluster.NewInvoker("invoker-env", "", func(wd string) (*project.Cache, error) {
		return proj, nil
	})
	invoker.OnInvoke = func(workingDirectory string) func() {
		invokeCount.Add(1)
		sawWorkingDir.Store(workingDirectory)
		return func() {}
	}

	clientHandlers := rpcconn.HandlerTable{
		"cluster.invoke": invoker.Handler(),
	}
	client, err := rpcconn.Dial("tcp", ln.Addr().String(), clientHandlers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var regReply cluster.RegisterInvokerReply
	err = client.Call("cluster.register", cluster.RegisterInvokerArgs{
		EnvironmentID:   "invoker-env",
		MirrorDirectory: "/mirror",
	}, &regReply)
	if err != nil {
		t.Fatalf("register call: %v", err)
	}
	if !regReply.Accepted {
		t.Fatal("registration not accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(coord.Invokers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never observed the registered invoker")
		}
		time.Sleep(time.Millisecond)
	}

	errs := coord.Invoke(context.Background(), "/work/a", "exec-1")
	if len(errs) != 0 {
		t.Fatalf("Invoke returned errors: %v", errs)
	}
	if got := invokeCount.Load(); got != 1 {
		t.Fatalf("invoke count = %d, want 1", got)
	}
	if got, _ := sawWorkingDir.Load().(string); got != "/work/a" {
		t.Fatalf("OnInvoke saw working directory %q, want /work/a", got)
	}
	if got := proj.ActiveClusterExecutions(); got != 0 {
		t.Fatalf("project still has %d open cluster brackets after Invoke returned", got)
	}
}

func TestInvokeReportsInvokerError(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	coord := cluster.NewCoordinator()
	srv := rpcconn.NewServer(rpcconn.HandlerTable{
		"cluster.register": coord.Handler(),
	}, nil)
	go srv.Serve(ln)
	defer srv.Close()

	wantErr := errors.New("project: closed")
	invoker := cluster.NewInvoker("invoker-env", "", func(wd string) (*project.Cache, error) {
		return nil, wantErr
	})
	client, err := rpcconn.Dial("tcp", ln.Addr().String(), rpcconn.HandlerTable{
		"cluster.invoke": invoker.Handler(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var regReply cluster.RegisterInvokerReply
	if err := client.Call("cluster.register", cluster.RegisterInvokerArgs{EnvironmentID: "invoker-env"}, &regReply); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(coord.Invokers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never observed the registered invoker")
		}
		time.Sleep(time.Millisecond)
	}

	errs := coord.Invoke(context.Background(), "/work/a", "exec-1")
	if len(errs) != 1 {
		t.Fatalf("Invoke returned %d errors, want 1", len(errs))
	}
	if errs[0].Error() != wantErr.Error() {
		t.Fatalf("Invoke error = %q, want %q", errs[0].Error(), wantErr.Error())
	}
}

func TestReconnectorSucceedsOnFirstAttempt(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	srv := rpcconn.NewServer(nil, nil)
	go srv.Serve(ln)
	defer srv.Close()

	var registered atomic.Bool
	dial := func(ctx context.Context) (*rpcconn.Conn, error) {
		return rpcconn.DialContext(ctx, "tcp", ln.Addr().String(), nil)
	}
	register := func(ctx context.Context, conn *rpcconn.Conn) error {
		registered.Store(true)
		return nil
	}

	var running atomic.Bool
	running.Store(true)

	var outcomes []string
	var mu sync.Mutex
	rec := cluster.NewReconnector(ln.Addr().String(), dial, register, running.Load, clock.Real{}, nil)
	rec.OnAttempt = func(outcome string) {
		mu.Lock()
		outcomes = append(outcomes, outcome)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !registered.Load() {
		if time.Now().After(deadline) {
			t.Fatal("reconnector never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// awaitClose selects on ctx once connected, so cancellation alone is
	// enough to unblock Start without forcing the connection closed first.
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return promptly after ctx cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) == 0 || outcomes[0] != "connected" {
		t.Fatalf("OnAttempt outcomes = %v, want first entry \"connected\"", outcomes)
	}
}

func TestReconnectorStopsWhenNotRunning(t *testing.T) {
	var running atomic.Bool // starts false

	dial := func(ctx context.Context) (*rpcconn.Conn, error) {
		t.Fatal("dial should never be called when isRunning is false")
		return nil, nil
	}
	register := func(ctx context.Context, conn *rpcconn.Conn) error { return nil }

	rec := cluster.NewReconnector("addr", dial, register, running.Load, clock.Real{}, nil)

	done := make(chan struct{})
	go func() {
		rec.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return promptly when isRunning reports false")
	}
}
