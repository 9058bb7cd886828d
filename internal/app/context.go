package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/engine"
	"missionline/internal/migrate"
)

// Runtime is the wired object graph for one workspace.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// Options control how a workspace is opened.
type Options struct {
	Workspace  string
	ConfigPath string
	Logger     *slog.Logger
}

// Open opens the workspace database, applies pending migrations, loads the
// config (defaults when the workspace has none) and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(os.Stderr, "info", "text")
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "workspace", opts.Workspace, "schema_version", version)
	return &Runtime{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg, logger),
		Logger:    logger,
	}, nil
}

// Close waits for in-flight collaborator calls and closes the database.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	if r.Engine != nil {
		r.Engine.Registry.CloseAll()
		r.Engine.Drain()
	}
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
