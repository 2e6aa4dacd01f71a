package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	daemon "saker.build/daemon"
	"saker.build/daemon/internal/rpcconn"
	"saker.build/daemon/internal/slotlock"
	"saker.build/daemon/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	startStorageDirKey       = "start.storage-dir"
	startServerKey           = "start.server"
	startPortKey             = "start.port"
	startThreadFactor        = "start.thread-factor"
	startClusterKey          = "start.cluster"
	startMirrorDirKey        = "start.cluster-mirror-dir"
	startOTLPEndpointKey     = "start.otlp-endpoint"
	startMetricsListenKey    = "start.metrics-listen"
	startPprofListenKey      = "start.pprof-listen"
	startProfilingMetricsKey = "start.enable-profiling-metrics"
)

func mustBindStartFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("sakerd: flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func newStartCommand(logger pslog.Logger) *cobra.Command {
	var userParams []string
	var connectClients []string
	var ifAbsent bool
	var printConfig bool
	var detach bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a build daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := buildLaunchParameters(userParams, connectClients)
			if err != nil {
				return err
			}
			if printConfig {
				return printEffectiveConfig(cmd, params)
			}
			if detach {
				return runDetached(cmd)
			}
			return runStart(cmd, logger, params, ifAbsent, telemetryFlagsFromViper())
		},
	}

	flags := cmd.Flags()
	flags.String("storage-dir", "", "directory holding the daemon's coordination lock file (required)")
	flags.Bool("server", false, "bind the RPC listener to all interfaces instead of loopback only")
	flags.Int("port", daemon.PortDefault, "RPC port to bind; negative means the default port, omit entirely for a portless daemon")
	flags.Int("thread-factor", 0, "worker pool sizing hint (must be >= 0), recorded in the launch parameters")
	flags.Bool("cluster", false, "allow this daemon to participate in clustering")
	flags.String("cluster-mirror-dir", "", "local scratch root cluster invocations mirror coordinator files into")
	flags.StringArrayVar(&userParams, "user-param", nil, "key=value user parameter forwarded to the build environment (repeatable)")
	flags.StringArrayVar(&connectClients, "connect-client", nil, "cluster coordinator address to dial and register against (repeatable)")
	flags.BoolVar(&ifAbsent, "if-absent", false, "connect to an already-running daemon with matching parameters instead of erroring on a port collision")
	flags.BoolVar(&printConfig, "print-config", false, "print the normalized, effective launch parameters as YAML and exit without starting")
	flags.BoolVar(&detach, "detach", false, "launch the daemon as a detached background process instead of running in the foreground")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317); empty disables tracing")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint); empty disables")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints); empty disables")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics alongside the daemon's own; requires --metrics-listen")

	mustBindStartFlag(startStorageDirKey, "SAKERD_STORAGE_DIR", flags.Lookup("storage-dir"))
	mustBindStartFlag(startServerKey, "SAKERD_SERVER", flags.Lookup("server"))
	mustBindStartFlag(startPortKey, "SAKERD_PORT", flags.Lookup("port"))
	mustBindStartFlag(startThreadFactor, "SAKERD_THREAD_FACTOR", flags.Lookup("thread-factor"))
	mustBindStartFlag(startClusterKey, "SAKERD_CLUSTER", flags.Lookup("cluster"))
	mustBindStartFlag(startMirrorDirKey, "SAKERD_CLUSTER_MIRROR_DIR", flags.Lookup("cluster-mirror-dir"))
	mustBindStartFlag(startOTLPEndpointKey, "SAKERD_OTLP_ENDPOINT", flags.Lookup("otlp-endpoint"))
	mustBindStartFlag(startMetricsListenKey, "SAKERD_METRICS_LISTEN", flags.Lookup("metrics-listen"))
	mustBindStartFlag(startPprofListenKey, "SAKERD_PPROF_LISTEN", flags.Lookup("pprof-listen"))
	mustBindStartFlag(startProfilingMetricsKey, "SAKERD_ENABLE_PROFILING_METRICS", flags.Lookup("enable-profiling-metrics"))

	return cmd
}

// telemetryStartFlags bundles the flags runStart needs to stand telemetry up,
// kept separate from LaunchParameters since none of it is part of a daemon's
// identity for the connect-or-start comparison.
type telemetryStartFlags struct {
	otlpEndpoint           string
	metricsListen          string
	pprofListen            string
	enableProfilingMetrics bool
}

func telemetryFlagsFromViper() telemetryStartFlags {
	return telemetryStartFlags{
		otlpEndpoint:           viper.GetString(startOTLPEndpointKey),
		metricsListen:          viper.GetString(startMetricsListenKey),
		pprofListen:            viper.GetString(startPprofListenKey),
		enableProfilingMetrics: viper.GetBool(startProfilingMetricsKey),
	}
}

func buildLaunchParameters(userParams, connectClients []string) (daemon.LaunchParameters, error) {
	params := daemon.LaunchParameters{
		StorageDirectory:       viper.GetString(startStorageDirKey),
		ThreadFactor:           viper.GetInt(startThreadFactor),
		ActsAsServer:           viper.GetBool(startServerKey),
		ActsAsCluster:          viper.GetBool(startClusterKey) || len(connectClients) > 0,
		ClusterMirrorDirectory: viper.GetString(startMirrorDirKey),
		ConnectToAsCluster:     connectClients,
	}
	if viper.IsSet(startPortKey) {
		params = params.WithPort(viper.GetInt(startPortKey))
	}
	for _, kv := range userParams {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return daemon.LaunchParameters{}, fmt.Errorf("sakerd: --user-param %q is not in key=value form", kv)
		}
		params.UserParameters = append(params.UserParameters, daemon.UserParameter{Key: key, Value: value})
	}
	return params, nil
}

// printEffectiveConfig renders params, normalized, as YAML — the format a
// caller would hand back to start as a config file, matching the teacher's
// convention of round-trippable YAML configuration.
func printEffectiveConfig(cmd *cobra.Command, params daemon.LaunchParameters) error {
	normalized, err := params.Normalize()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("sakerd: render effective config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// runDetached re-execs this binary as "start" without --detach, reading its
// first stdout line as the handshake signal that it is listening, per the
// 3-second first-line timeout the ancestor CLI imposed on exactly this
// child-process handshake.
func runDetached(cmd *cobra.Command) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("sakerd: resolve own executable path: %w", err)
	}
	childArgs := append([]string{"start"}, childArgsWithoutDetach(os.Args)...)
	line, err := spawnAndHandshake(executable, childArgs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}

// childArgsWithoutDetach returns the arguments following the "start"
// subcommand in argv, with any "--detach" flag stripped so the spawned
// child runs in the foreground.
func childArgsWithoutDetach(argv []string) []string {
	var rest []string
	for i, a := range argv {
		if a == "start" {
			rest = argv[i+1:]
			break
		}
	}
	out := make([]string, 0, len(rest))
	for _, a := range rest {
		if a == "--detach" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// printHandshakeLine writes the single line a --detach parent reads to
// confirm this daemon is listening: "sakerd: daemon ready
// environment_id=<id> port=<port>", without the port field for a portless
// daemon.
func printHandshakeLine(cmd *cobra.Command, env *daemon.Environment) {
	if port, ok := env.Port(); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "sakerd: daemon ready environment_id=%s port=%d\n", env.EnvironmentID(), port)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sakerd: daemon ready environment_id=%s\n", env.EnvironmentID())
}

func runStart(cmd *cobra.Command, logger pslog.Logger, params daemon.LaunchParameters, ifAbsent bool, tf telemetryStartFlags) error {
	ctx := cmd.Context()
	log := svcfields.WithSubsystem(logger, "cli.start")

	normalized, err := params.Normalize()
	if err != nil {
		return err
	}

	if ifAbsent && normalized.HasPort() {
		matched, err := connectIfAlreadyRunning(normalized, log)
		if err != nil {
			return err
		}
		if matched {
			return nil
		}
	}

	bundle, err := daemon.SetupTelemetry(ctx, tf.otlpEndpoint, tf.metricsListen, tf.pprofListen, tf.enableProfilingMetrics, logger)
	if err != nil {
		return fmt.Errorf("sakerd: set up telemetry: %w", err)
	}

	env := daemon.NewWithOptions(normalized, logger, nil)
	if bundle != nil {
		env.AttachMetrics(bundle.Registry)
	}
	if err := env.Start(ctx); err != nil {
		if bundle != nil {
			_ = bundle.Shutdown(context.Background())
		}
		return fmt.Errorf("sakerd: start daemon: %w", err)
	}
	printHandshakeLine(cmd, env)
	if port, ok := env.Port(); ok {
		log.Info("daemon started", "environment_id", env.EnvironmentID(), "port", port)
	} else {
		log.Info("daemon started", "environment_id", env.EnvironmentID())
	}

	<-ctx.Done()
	log.Info("daemon stopping")
	if err := env.Close(); err != nil {
		if bundle != nil {
			_ = bundle.Shutdown(context.Background())
		}
		return fmt.Errorf("sakerd: close daemon: %w", err)
	}
	if bundle != nil {
		if err := bundle.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("sakerd: shut down telemetry: %w", err)
		}
	}
	return nil
}

// connectIfAlreadyRunning implements the connect-or-start idempotency check:
// it enumerates every live daemon sharing this storage directory's
// coordination lock file, and if one of them is already listening on the
// requested port with structurally equal launch parameters, it is not a
// conflict at all. A port collision against a daemon with *different*
// parameters is still an error.
func connectIfAlreadyRunning(params daemon.LaunchParameters, log pslog.Logger) (bool, error) {
	lockPath := filepath.Join(params.StorageDirectory, daemon.LockFileName)
	entries, err := slotlock.Enumerate(lockPath)
	if err != nil {
		return false, fmt.Errorf("sakerd: enumerate running daemons: %w", err)
	}
	wantPort := params.ResolvedPort()
	for _, entry := range entries {
		if entry.Port != wantPort {
			continue
		}
		addr := fmt.Sprintf("127.0.0.1:%d", entry.Port)
		conn, err := rpcconn.Dial("tcp", addr, nil)
		if err != nil {
			continue
		}
		var reply daemon.InfoReply
		callErr := conn.Call("daemon.info", daemon.InfoArgs{}, &reply)
		conn.Close()
		if callErr != nil {
			continue
		}
		if !reply.Params.Equal(params) {
			return false, fmt.Errorf("sakerd: a daemon is already listening on port %d with different parameters", wantPort)
		}
		log.Info("daemon already running with matching parameters", "environment_id", reply.EnvironmentID, "port", wantPort)
		return true, nil
	}
	return false, nil
}
