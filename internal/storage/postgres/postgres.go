// Package postgres is the GORM backend over PostgreSQL.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/database"
	gormstorage "github.com/OCAP2/scenestream/internal/storage/gorm"
)

// Backend wraps the GORM backend and connects to Postgres on Init.
type Backend struct {
	*gormstorage.Backend
	cfg    config.PostgresConfig
	logger *slog.Logger
}

// New creates a new Postgres storage backend.
func New(cfg config.PostgresConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Init connects and starts the embedded GORM backend.
func (b *Backend) Init() error {
	db, err := database.OpenPostgres(b.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b.Backend = gormstorage.New(gormstorage.Dependencies{DB: db, Logger: b.logger})
	if err := b.Backend.Init(); err != nil {
		return err
	}
	b.logger.Info("Postgres storage backend initialized", "host", b.cfg.Host, "database", b.cfg.Database)
	return nil
}

// Close flushes queued records.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	return b.Backend.Close()
}
