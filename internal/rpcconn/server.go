package rpcconn

import (
	"net"
	"sync"

	"saker.build/daemon/internal/svcfields"
	"pkt.systems/pslog"
)

// Server accepts inbound connections on a listener and upgrades each one to
// a Conn sharing a single HandlerTable. It does not itself bind a
// net.Listener — callers pass one in, typically already wrapped by
// internal/connreg so connection lifecycles are observable elsewhere too.
type Server struct {
	handlers HandlerTable
	logger   pslog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}

	// OnAccept, if set, is called with every newly accepted connection
	// before Serve resumes accepting. Callers use it to register their own
	// OnClose listeners, e.g. to fold Stats into metrics once a connection
	// closes.
	OnAccept func(*Conn)
}

// NewServer constructs a Server that answers inbound calls using handlers.
func NewServer(handlers HandlerTable, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if handlers == nil {
		handlers = make(HandlerTable)
	}
	return &Server{
		handlers: handlers,
		logger:   svcfields.WithSubsystem(logger, "daemon.rpcconn"),
		conns:    make(map[*Conn]struct{}),
	}
}

// Serve accepts connections from ln until it returns an error (typically
// because the caller closed the listener; Close does not). Each accepted
// connection is tracked until it closes.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		conn := newConn(nc, s.handlers, s.logger)
		s.track(conn)
		if s.OnAccept != nil {
			s.OnAccept(conn)
		}
	}
}

func (s *Server) track(conn *Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	conn.OnClose(func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	})
}

// Connections returns a snapshot of every connection currently open.
func (s *Server) Connections() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every tracked connection. It does not close the listener
// Serve was given; callers own that.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
