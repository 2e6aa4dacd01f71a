package rpcconn_test

import (
	"encoding/gob"
	"net"
	"testing"
	"time"

	"saker.build/daemon/internal/rpcconn"
)

type pingArgs struct{ Message string }
type pingReply struct{ Echo string }

func init() {
	gob.Register(pingArgs{})
	gob.Register(pingReply{})
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestCallRoundTrip(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	handlers := rpcconn.HandlerTable{
		"ping": func(conn *rpcconn.Conn, payload any) (any, error) {
			args := payload.(pingArgs)
			return pingReply{Echo: "pong:" + args.Message}, nil
		},
	}
	srv := rpcconn.NewServer(handlers, nil)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := rpcconn.Dial("tcp", ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var reply pingReply
	if err := client.Call("ping", pingArgs{Message: "hello"}, &reply); err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Echo != "pong:hello" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestCallBackIntoClient(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	clientHandlers := rpcconn.HandlerTable{
		"greet": func(conn *rpcconn.Conn, payload any) (any, error) {
			args := payload.(pingArgs)
			return pingReply{Echo: "client-says:" + args.Message}, nil
		},
	}

	srv := rpcconn.NewServer(nil, nil)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := rpcconn.Dial("tcp", ln.Addr().String(), clientHandlers)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var serverSide *rpcconn.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conns := srv.Connections(); len(conns) > 0 {
			serverSide = conns[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if serverSide == nil {
		t.Fatal("timed out waiting for server-accepted connection")
	}

	var reply pingReply
	if err := serverSide.Call("greet", pingArgs{Message: "hi"}, &reply); err != nil {
		t.Fatalf("call back into client: %v", err)
	}
	if reply.Echo != "client-says:hi" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestStatsTracksBytesAndCalls(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	handlers := rpcconn.HandlerTable{
		"ping": func(conn *rpcconn.Conn, payload any) (any, error) {
			args := payload.(pingArgs)
			return pingReply{Echo: "pong:" + args.Message}, nil
		},
	}
	srv := rpcconn.NewServer(handlers, nil)
	go srv.Serve(ln)
	defer srv.Close()

	client, err := rpcconn.Dial("tcp", ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var reply pingReply
	if err := client.Call("ping", pingArgs{Message: "hello"}, &reply); err != nil {
		t.Fatalf("call: %v", err)
	}

	stats := client.Stats()
	if stats.CallsMade != 1 {
		t.Fatalf("CallsMade = %d, want 1", stats.CallsMade)
	}
	if stats.BytesOut == 0 || stats.BytesIn == 0 {
		t.Fatalf("expected nonzero traffic, got %+v", stats)
	}
	if stats.OpenDuration <= 0 {
		t.Fatalf("expected positive OpenDuration, got %v", stats.OpenDuration)
	}
}
