// Command retcon-oneshot runs exactly one reconciliation Process cycle
// against a configured set of sources and exits (spec §6:
// "retcon-oneshot --config PATH ENTITY SOURCE FID — runs exactly one
// Process cycle synchronously and exits"). Useful for cron-driven or
// test-harness invocations where running the full daemon is unwanted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/datasource/httpsource"
	"github.com/retcon-sync/retcon/internal/datasource/memsource"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/reconcile"
	"github.com/retcon-sync/retcon/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

var flagConfigPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "retcon-oneshot --config PATH ENTITY SOURCE FOREIGN_ID",
		Short:         "Run a single Process cycle and exit",
		Version:       version,
		Args:          cobra.ExactArgs(3),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneshot(cmd.Context(), args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVar(&flagConfigPath, "config", "", "config file path (overrides RETCON_CONFIG)")

	return cmd
}

func runOneshot(ctx context.Context, entity, source, foreignID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrConfigError, err)
	}

	st, err := store.Open(ctx, cfg.Store.DSN, 2, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := datasource.NewRegistry()
	registry.RegisterFactory("memsource", memsource.Factory())
	registry.RegisterFactory("httpsource", httpsource.Factory())

	for _, e := range cfg.Entities {
		for _, src := range e.Sources {
			err := registry.Configure(ctx, idkey.EntityName(e.Name), idkey.SourceName(src.Name), src.Driver, src.Settings)
			if err != nil {
				return fmt.Errorf("%w: configuring %s/%s: %w", model.ErrConfigError, e.Name, src.Name, err)
			}
		}
	}
	defer registry.Close()

	pool := reconcile.NewPool(reconcile.Params{
		Store:    st,
		Registry: registry,
		Metrics:  metrics.NewRegistry(),
		Logger:   logger,
		Entities: cfg.Entities,
		Workers:  cfg.Workers,
	})

	notification := model.ChangeNotification{
		Entity:  idkey.EntityName(entity),
		Source:  idkey.SourceName(source),
		Foreign: foreignID,
	}

	if err := pool.ProcessOnce(ctx, notification); err != nil {
		return err
	}

	fmt.Println("ok")

	return nil
}
