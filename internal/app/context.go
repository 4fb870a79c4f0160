package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"forecastline/internal/config"
	"forecastline/internal/db"
	"forecastline/internal/engine"
	"forecastline/internal/logging"
	"forecastline/internal/migrate"
	"forecastline/internal/telemetry"
)

// Options select the workspace and the overrides applied over its config
// file.
type Options struct {
	Workspace string
	// LogLevel overrides log.level when set.
	LogLevel string
	// LogWriter receives log output; nil means os.Stderr.
	LogWriter io.Writer
	Version   string
}

// Env is an opened workspace: config, migrated database and a wired engine.
type Env struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Log       *slog.Logger

	shutdown telemetry.Shutdown
}

// Open loads the workspace config (defaults when absent), opens and migrates
// the database, installs telemetry and builds the engine.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	logger := logging.New(w, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:      cfg.Telemetry.Enabled,
		Stdout:       cfg.Telemetry.Stdout,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
		Version:      opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	conn, err := db.Open(ctx, db.Config{Workspace: opts.Workspace})
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	logger.Debug("workspace opened", "path", db.Path(opts.Workspace), "schema_version", version)

	e := engine.New(conn, cfg)
	e.Log = logger
	e.Metrics = telemetry.NewRecorder()
	return &Env{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Log:       logger,
		shutdown:  shutdown,
	}, nil
}

// Close closes the database and flushes telemetry.
func (env *Env) Close(ctx context.Context) error {
	var errs []error
	if env.DB != nil {
		errs = append(errs, env.DB.Close())
	}
	if env.shutdown != nil {
		errs = append(errs, env.shutdown(ctx))
	}
	return errors.Join(errs...)
}
