// Package daemon implements a build daemon: a long-running background
// process that hosts a shared build environment, serves remote clients over
// an RPC socket, and can participate in a build cluster either by accepting
// inbound coordinator connections or by dialing out to configured
// coordinator addresses and offering its compute capacity as a task invoker.
//
// # Starting a daemon
//
//	env := daemon.New(daemon.LaunchParameters{
//	    StorageDirectory: "/var/lib/sakerd",
//	}.WithPort(daemon.PortDefault))
//	if err := env.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
// # Multi-instance coordination
//
// Daemons sharing a storage directory coordinate through a single lock file,
// ".lock.daemon", under that directory. See package internal/slotlock for
// the byte-range locking scheme that lets any process enumerate the ports of
// every daemon currently running against a storage directory without racing
// the daemons that are still starting up.
//
// # Clustering
//
// When LaunchParameters.ActsAsCluster is set and ConnectToAsCluster carries
// one or more coordinator addresses, the daemon dials each address on a
// dedicated worker pool and registers itself as a cluster task invoker on
// the remote side, reconnecting with bounded backoff until closed. See
// package internal/cluster.
package daemon
