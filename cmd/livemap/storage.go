package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/batman-mesh/livemap/internal/config"
	"github.com/batman-mesh/livemap/internal/influx"
	"github.com/batman-mesh/livemap/internal/monitor"
	"github.com/batman-mesh/livemap/internal/storage"
)

// openCheckpoint creates and initializes the configured backend and wraps it
// in a checkpoint writer.
func openCheckpoint(ctx context.Context, sc config.StorageConfig, dc config.DBConfig, tel *telemetry) (*storage.Checkpoint, error) {
	backend, err := storage.NewBackend(sc, dc, tel.Infra.With().Str("component", "database").Logger())
	if err != nil {
		return nil, fmt.Errorf("create storage backend: %w", err)
	}
	if err := backend.Init(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("init storage backend: %w", err)
	}
	tel.Logger.Info("Checkpoint storage ready", "type", sc.Type, "flushInterval", sc.FlushInterval)
	return storage.NewCheckpoint(backend, sc.FlushInterval, tel.Logger.With("component", "checkpoint")), nil
}

// connectInflux returns a point writer when influx is enabled. Failures are
// logged and leave the monitor writing to logs only.
func connectInflux(ctx context.Context, ic config.InfluxConfig, tel *telemetry) (monitor.PointWriter, func()) {
	noop := func() {}
	if !ic.Enabled {
		return nil, noop
	}

	mgr := influx.NewManager(
		tel.Infra.With().Str("component", "influx").Logger(),
		filepath.Join(tel.LogsDir, "influx_backup.log.gz"),
	)
	if err := mgr.Connect(ctx, ic); err != nil {
		if !errors.Is(err, influx.ErrDisabled) {
			tel.Logger.Error("InfluxDB unavailable, status points disabled", "error", err)
		}
		_ = mgr.Close()
		return nil, noop
	}
	return mgr, func() {
		if err := mgr.Close(); err != nil {
			tel.Logger.Warn("Error closing InfluxDB manager", "error", err)
		}
	}
}
