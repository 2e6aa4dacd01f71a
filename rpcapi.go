package daemon

import (
	"encoding/gob"

	"saker.build/daemon/internal/rpcconn"
)

func init() {
	gob.Register(InfoArgs{})
	gob.Register(InfoReply{})
}

// InfoArgs is the (currently empty) argument to the "daemon.info" call a
// CLI client makes to compare its requested launch parameters against an
// already-running daemon's effective ones, per the connect-or-start
// idempotency check.
type InfoArgs struct{}

// InfoReply answers "daemon.info" with the identity and effective launch
// parameters of the daemon serving the call.
type InfoReply struct {
	EnvironmentID string
	Params        LaunchParameters
}

// infoHandler answers "daemon.info" calls with this environment's identity
// and normalized launch parameters.
func (e *Environment) infoHandler() rpcconn.Handler {
	return func(conn *rpcconn.Conn, payload any) (any, error) {
		return InfoReply{EnvironmentID: e.EnvironmentID(), Params: e.Params()}, nil
	}
}
