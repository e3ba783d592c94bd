package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/influx"
	"github.com/OCAP2/scenestream/internal/storage"
)

func initStorage() (storage.Backend, error) {
	storageCfg := config.GetStorageConfig()

	backend, err := storage.NewBackend(storageCfg, Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage backend: %w", storageCfg.Type, err)
	}
	Logger.Info("Storage backend initialized", "type", storageCfg.Type)
	return backend, nil
}

// initInflux returns nil when InfluxDB is disabled or neither the server
// nor the backup file can be used.
func initInflux(ctx context.Context, zl zerolog.Logger) *influx.Manager {
	backupPath := filepath.Join(
		viper.GetString("logsDir"),
		fmt.Sprintf("%s_influx_%s.gz", AppName, SessionStartTime.Format("20060102_150405")),
	)
	m := influx.NewManager(config.GetInfluxConfig(), zl, backupPath)

	err := m.Connect(ctx)
	switch {
	case errors.Is(err, influx.ErrDisabled):
		return nil
	case err != nil:
		Logger.Error("Failed to set up InfluxDB", "url", m.URL(), "error", err)
		_ = m.Close()
		return nil
	}
	if !m.IsValid() {
		Logger.Warn("InfluxDB unreachable, writing points to backup", "path", backupPath)
	}
	return m
}
