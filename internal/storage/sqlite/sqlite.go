// Package sqlitestorage is the GORM backend over a SQLite file.
package sqlitestorage

import (
	"fmt"
	"log/slog"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/database"
	gormstorage "github.com/OCAP2/scenestream/internal/storage/gorm"
)

// Backend wraps the GORM backend and opens the SQLite file on Init.
type Backend struct {
	*gormstorage.Backend
	cfg    config.SQLiteConfig
	logger *slog.Logger
}

// New creates a new SQLite storage backend. An empty path keeps the
// database in memory.
func New(cfg config.SQLiteConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Init opens the database and starts the embedded GORM backend.
func (b *Backend) Init() error {
	db, err := database.OpenSqlite(b.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open SQLite DB: %w", err)
	}
	b.Backend = gormstorage.New(gormstorage.Dependencies{DB: db, Logger: b.logger})
	if err := b.Backend.Init(); err != nil {
		return err
	}
	b.logger.Info("SQLite storage backend initialized", "path", b.cfg.Path)
	return nil
}

// Close flushes and closes the database. An in-memory database is first
// written to DumpPath when one is set.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	if err := b.Backend.Close(); err != nil {
		return err
	}
	if b.cfg.Path == "" && b.cfg.DumpPath != "" {
		if err := database.DumpToDisk(b.DB(), b.cfg.DumpPath); err != nil {
			b.logger.Error("Failed to dump in-memory DB", "path", b.cfg.DumpPath, "error", err)
		} else {
			b.logger.Info("Dumped in-memory DB to disk", "path", b.cfg.DumpPath)
		}
	}
	sqlDB, err := b.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
