package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/reconcile"
)

// startWatcher watches the resolved config file for writes and hot-reloads
// the merge policy and worker timeout knobs into pool without a restart
// (SPEC_FULL.md §2.2). A SIGHUP (sent by `retcond reload`) triggers the
// same reload while the watcher runs; SIGHUP is caught in every case, so
// it never terminates the daemon. configPath == "" means no config file
// was loaded (defaults only), in which case there is nothing to watch.
func startWatcher(ctx context.Context, logger *slog.Logger, configPath string, pool *reconcile.Pool) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	if configPath == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", slog.String("error", err.Error()))
		return
	}

	if err := watcher.Add(configPath); err != nil {
		logger.Warn("watching config file failed, hot reload disabled",
			slog.String("path", configPath), slog.String("error", err.Error()))
		watcher.Close()

		return
	}

	go func() {
		defer watcher.Close()
		defer signal.Stop(hupCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadFromFile(logger, configPath, pool)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				reloadFromFile(logger, configPath, pool)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
}

// reloadFromFile re-reads configPath and, if it still validates, pushes the
// entity table and worker knobs into pool. An invalid edit is logged and
// ignored — the daemon keeps running on its last-known-good config rather
// than crashing on a typo mid-edit.
func reloadFromFile(logger *slog.Logger, configPath string, pool *reconcile.Pool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config reload failed, keeping previous configuration",
			slog.String("path", configPath), slog.String("error", err.Error()))

		return
	}

	pool.Reload(cfg.Entities, cfg.Workers)

	logger.Info("config reloaded", slog.String("path", configPath), slog.Int("entities", len(cfg.Entities)))
}
