package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"deliverline/internal/config"
	"deliverline/internal/db"
	"deliverline/internal/engine"
	"deliverline/internal/logging"
	"deliverline/internal/migrate"
	"deliverline/internal/notify"
	"deliverline/internal/server"
)

// Options control how a workspace is opened. Empty fields fall back to the
// workspace config.
type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	// Logger, when set, replaces the logger built from config.
	Logger *zap.Logger
}

// App is an opened workspace: config, migrated database and engine.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
}

// Open loads deliverline.yml (defaults when absent), opens and migrates the
// database and seeds the configured catalog.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		level, format := cfg.Logging.Level, cfg.Logging.Format
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		if opts.LogFormat != "" {
			format = opts.LogFormat
		}
		logger, err = logging.New(level, format)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg, logger)
	if err := e.SeedCatalog(ctx, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	}
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    e,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}

// ServerConfig builds the HTTP handler config. The JWT secret is read from
// the environment variable named in the auth section.
func (a *App) ServerConfig(basePath string) server.Config {
	if basePath == "" {
		basePath = a.Config.Server.BasePath
	}
	return server.Config{
		Engine:   a.Engine,
		BasePath: basePath,
		Logger:   a.Logger,
		Auth: server.AuthConfig{
			JWTSecret:              os.Getenv(a.Config.Auth.JWTSecretEnv),
			AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			EnableDevLogin:         a.Config.Auth.EnableDevLogin,
		},
	}
}

// Dispatcher wires the configured webhook and AMQP sinks to the event log.
// The returned close func releases broker connections.
func (a *App) Dispatcher() (*notify.Dispatcher, func(), error) {
	interval, err := a.pollInterval()
	if err != nil {
		return nil, nil, err
	}
	var sinks []notify.Sink
	closers := []func(){}
	client := &http.Client{Timeout: 10 * time.Second}
	for _, hook := range a.Config.Notify.Webhooks {
		sinks = append(sinks, notify.NewWebhookSink(hook, client))
	}
	if amqpCfg := a.Config.Notify.AMQP; amqpCfg.Enabled {
		sink, err := notify.DialAMQP(amqpCfg.URL, amqpCfg.Exchange)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return notify.NewDispatcher(a.Engine.Repo, sinks, interval, a.Logger.Named("notify")), closeAll, nil
}

func (a *App) pollInterval() (time.Duration, error) {
	raw := a.Config.Notify.PollInterval
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config.notify.poll_interval %q is not a positive duration", raw)
	}
	return d, nil
}
