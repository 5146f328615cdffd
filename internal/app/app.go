// Package app wires a workspace into a running engine: config, logger,
// database, migrations and notification plumbing.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"

	"journeyline/internal/config"
	"journeyline/internal/db"
	"journeyline/internal/engine"
	"journeyline/internal/migrate"
	"journeyline/internal/notify"
	"journeyline/internal/relay"
	"journeyline/internal/telemetry"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/journeyline.yml.
	ConfigPath string
	DBDriver   string
	DSN        string
	LogFormat  string
	LogLevel   string
	LogOutput  io.Writer
}

type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Engine engine.Engine
	Bus    *notify.Bus
	Logger *slog.Logger

	closeNotify func() error
}

// Open loads config, opens and migrates the database and builds the engine.
// A workspace without journeyline.yml runs on the defaults.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.DBDriver != "" {
		cfg.Database.Driver = opts.DBDriver
	}
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := telemetry.NewLogger(out, opts.LogFormat, opts.LogLevel)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	sink, pub, closeNotify := notify.FromConfig(cfg, logger.With("component", "notify"))
	bus := notify.NewBus()
	eng := engine.New(conn, cfg)
	eng.Logger = logger.With("component", "engine")
	eng.Notifier = notify.Publishers{bus, pub}
	eng.Sink = sink
	return &App{
		Config:      cfg,
		DB:          conn,
		Engine:      eng,
		Bus:         bus,
		Logger:      logger,
		closeNotify: closeNotify,
	}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// Relay returns an outbox relay for the configured webhooks.
func (a *App) Relay() *relay.Relay {
	return relay.New(a.Engine.Repo, a.Config.Notifications.Webhooks, a.Logger)
}

func (a *App) Close() error {
	var errs []error
	if a.closeNotify != nil {
		errs = append(errs, a.closeNotify())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
