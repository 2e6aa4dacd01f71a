package rpcconn

import (
	"net"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of a connection's traffic counters and
// open duration, the Go equivalent of the ancestor's RMI statistics dump:
// where it logged per-connection call/byte counters through its close
// listener mechanism, Conn tracks the same counters continuously and hands
// back a snapshot through the same OnClose mechanism already used for
// cluster-invoker cleanup.
type Stats struct {
	BytesIn      int64
	BytesOut     int64
	CallsServed  int64
	CallsMade    int64
	OpenDuration time.Duration
}

// connStats holds the live counters backing Stats, updated from the read
// loop, the write path, and Call as a connection is used.
type connStats struct {
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	callsServed atomic.Int64
	callsMade   atomic.Int64
	openedAt    time.Time
}

func newConnStats() *connStats {
	return &connStats{openedAt: time.Now()}
}

func (s *connStats) snapshot() Stats {
	return Stats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		CallsServed:  s.callsServed.Load(),
		CallsMade:    s.callsMade.Load(),
		OpenDuration: time.Since(s.openedAt),
	}
}

// countingConn wraps a net.Conn so every byte read or written against it is
// tallied into stats, regardless of which of gob's encoder/decoder or
// bufio's buffering triggers the underlying syscall.
type countingConn struct {
	net.Conn
	stats *connStats
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.stats.bytesIn.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.stats.bytesOut.Add(int64(n))
	return n, err
}
