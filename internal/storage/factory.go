package storage

import (
	"fmt"
	"log/slog"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/storage/memory"
	pgstorage "github.com/OCAP2/scenestream/internal/storage/postgres"
	sqlitestorage "github.com/OCAP2/scenestream/internal/storage/sqlite"
)

// NewBackend creates a storage backend based on configuration. The backend
// is not initialized.
func NewBackend(cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return pgstorage.New(cfg.Postgres, logger), nil
	case "sqlite":
		return sqlitestorage.New(cfg.SQLite, logger), nil
	case "memory", "":
		return memory.New(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
