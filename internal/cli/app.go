package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wesm/prtrail/config"
	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/logging"
	"github.com/wesm/prtrail/internal/notify"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/registry"
	"github.com/wesm/prtrail/internal/sync"
)

func (g *globals) configPath() string {
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	return config.DefaultPath()
}

func (g *globals) loadConfig() (*config.Config, error) {
	path := g.configPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w (run \"prtrail init\" to create one)", path, err)
	}
	return cfg, nil
}

// app is the set of components wired from one configuration
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *db.DB
	registry *registry.Registry
	hub      *notify.Hub
	syncer   *sync.Syncer

	closeLog func() error
}

// openApp loads the configuration and wires the store, registry and syncer.
// quiet keeps log output off stderr when a file is configured.
func openApp(ctx context.Context, g *globals, quiet bool) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if g.Verbose {
		level = "debug"
	}
	logger, closeLog, err := logging.Setup(logging.Options{
		File:       cfg.LogFile(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      level,
		Quiet:      quiet && cfg.LogFile() != "",
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}
	a.store, err = db.New(cfg.Database.Driver, cfg.DatabasePath())
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	if err := a.store.Initialize(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize database: %w", err), a.Close())
	}

	a.registry = registry.New(a.store, ratelimit.New(cfg.LimiterConfig()), logger)
	if err := a.registry.SyncConfigured(ctx, cfg.Endpoints()); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to register servers: %w", err), a.Close())
	}

	settings, err := cfg.Settings.Policy()
	if err != nil {
		return nil, errors.Join(err, a.Close())
	}
	a.hub = notify.NewHub(logger)
	a.syncer = sync.New(a.store, a.registry, a.hub, logger, sync.Options{
		Workers:  cfg.Workers,
		Timeout:  cfg.RequestTimeout,
		PageSize: cfg.PageSize,
		Settings: settings,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}
