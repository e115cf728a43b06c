// Package app wires a workspace into a ready engine for the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"specflow/internal/config"
	"specflow/internal/db"
	"specflow/internal/engine"
	"specflow/internal/integration"
	"specflow/internal/logging"
	"specflow/internal/migrate"
)

// Workspace is an opened specflow workspace.
type Workspace struct {
	Path   string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

// Open loads specflow.yml (defaults when absent), opens and migrates the database, and builds the
// engine with the configured integration.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Workspace, error) {
	logger = logging.OrNop(logger)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Integrator = integration.FromConfig(cfg.Integration, logger.Named("integration"))
	return &Workspace{Path: path, Config: cfg, DB: conn, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
