package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/datasource/httpsource"
	"github.com/retcon-sync/retcon/internal/datasource/memsource"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/reconcile"
	"github.com/retcon-sync/retcon/internal/server"
	"github.com/retcon-sync/retcon/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagAddress    string
	flagPIDFile    string
	flagVerbose    bool
	flagQuiet      bool
)

// exitFatalConfig and exitStoreUnreachable are the CLI exit codes (spec
// §6): 0 on clean shutdown, 1 on fatal config error, 2 on store
// unreachable at startup.
const (
	exitFatalConfig      = 1
	exitStoreUnreachable = 2
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "retcond",
		Short:   "Cross-source document reconciliation daemon",
		Long:    "retcond runs the request/reply server and the reconciliation worker pool that keep a set of configured sources converged on one document per entity.",
		Version: version,
		// Silence Cobra's default error/usage printing; runRetcond reports
		// its own errors and chooses the exit code itself.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRetcond(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (overrides RETCON_CONFIG)")
	cmd.PersistentFlags().StringVar(&flagAddress, "address", "", "override server.address from the config file")
	cmd.PersistentFlags().StringVar(&flagPIDFile, "pidfile", "/var/run/retcond.pid", "PID file path, used by the reload command")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational logging")

	cmd.AddCommand(newReloadCmd())

	return cmd
}

// newReloadCmd sends SIGHUP to the daemon named by --pidfile, which
// re-reads the config file's merge policy and timeout knobs without a
// restart (SPEC_FULL.md §2.2, fsnotify supplement).
func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal the running daemon to hot-reload its config",
		RunE: func(_ *cobra.Command, _ []string) error {
			return sendSIGHUP(flagPIDFile)
		},
	}
}

// buildLogger creates an slog.Logger whose level follows --verbose/--quiet.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch {
	case flagVerbose:
		level = slog.LevelDebug
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runRetcond resolves configuration, opens the store, wires the
// datasource registry and the reconciliation pool, and runs the
// request/reply server until it is asked to shut down.
func runRetcond(parent context.Context) error {
	logger := buildLogger()

	cli := config.CLIOverrides{ConfigPath: flagConfigPath, Verbose: flagVerbose, Quiet: flagQuiet}
	if flagAddress != "" {
		cli.Address = &flagAddress
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		logger.Error("loading config", slog.String("error", err.Error()))
		os.Exit(exitFatalConfig)
	}

	configPath := resolvedConfigPath(config.ReadEnvOverrides(), cli)

	cleanup, err := writePIDFile(flagPIDFile)
	if err != nil {
		logger.Warn("pid file unavailable, continuing without it", slog.String("error", err.Error()))
	} else {
		defer cleanup()
	}

	ctx := shutdownContext(parent, logger, shutdownDrain(cfg.Workers))

	st, err := store.Open(ctx, cfg.Store.DSN, cfg.Workers.Count+1, logger)
	if err != nil {
		logger.Error("opening store", slog.String("error", err.Error()))
		os.Exit(exitStoreUnreachable)
	}
	defer st.Close()

	registry := datasource.NewRegistry()
	registry.RegisterFactory("memsource", memsource.Factory())
	registry.RegisterFactory("httpsource", httpsource.Factory())

	for _, entity := range cfg.Entities {
		for _, src := range entity.Sources {
			err := registry.Configure(ctx, idkey.EntityName(entity.Name), idkey.SourceName(src.Name), src.Driver, src.Settings)
			if err != nil {
				logger.Error("configuring data source", slog.String("entity", entity.Name), slog.String("source", src.Name), slog.String("error", err.Error()))
				os.Exit(exitFatalConfig)
			}
		}
	}
	defer registry.Close()

	metricsReg := metrics.NewRegistry()

	srv := server.New(st, metricsReg, logger)
	if err := srv.Listen(cfg.Server.Address); err != nil {
		logger.Error("listening", slog.String("error", err.Error()))
		os.Exit(exitFatalConfig)
	}

	pool := reconcile.NewPool(reconcile.Params{
		Store:    st,
		Registry: registry,
		Metrics:  metricsReg,
		Logger:   logger,
		Entities: cfg.Entities,
		Workers:  cfg.Workers,
		Notifier: srv.Notifier(),
	})

	pool.Start(ctx, cfg.Workers.Count)
	defer pool.Stop()

	startWatcher(ctx, logger, configPath, pool)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.Serve(groupCtx)
	})

	if cfg.Server.EnableWatch {
		group.Go(func() error {
			return srv.ListenWatch(groupCtx, cfg.Server.WatchAddress)
		})
	}

	group.Go(func() error {
		pollQueueDepth(groupCtx, st, metricsReg, logger)

		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("fatal error, shutting down", slog.String("error", err.Error()))

		if errors.Is(err, model.ErrStoreUnavailable) {
			os.Exit(exitStoreUnreachable)
		}

		os.Exit(exitFatalConfig)
	}

	return nil
}

// queueDepthPollInterval is how often pollQueueDepth refreshes the
// queue.depth gauge (SPEC_FULL.md §4.8).
const queueDepthPollInterval = 5 * time.Second

// pollQueueDepth keeps the queue.depth gauge current by polling the store
// until ctx is done. Runs as its own errgroup member; a store error here is
// logged and polling continues, so it never stops the daemon.
func pollQueueDepth(ctx context.Context, st *store.Store, metricsReg *metrics.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(queueDepthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := st.QueueDepth(ctx)
			if err != nil {
				logger.Warn("polling queue depth failed", slog.String("error", err.Error()))

				continue
			}

			metricsReg.SetGauge(metrics.QueueDepth, int64(depth))
		}
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
// Only reached for cobra-level errors (bad flags, reload's SIGHUP
// failure) — runRetcond reports its own errors and exits directly with
// the correct code.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFatalConfig)
}

// resolvedConfigPath mirrors config.Resolve's path selection (defaults ->
// env -> CLI) without re-parsing the file, and reports "" when the
// resulting path doesn't exist — nothing for the reload watcher to watch.
func resolvedConfigPath(env config.EnvOverrides, cli config.CLIOverrides) string {
	path := config.DefaultConfigPath

	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return path
}

// shutdownDrain bounds how long shutdownContext waits for in-flight
// reconciliation work to finish on its own before forcing an exit: twice
// the configured reconcile step timeout, since a worker mid-step can hold
// that long before erroring out.
func shutdownDrain(workers config.WorkersConfig) time.Duration {
	if workers.ReconcileTimeoutMS <= 0 {
		return 10 * time.Second
	}

	return 2 * time.Duration(workers.ReconcileTimeoutMS) * time.Millisecond
}
