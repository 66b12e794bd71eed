package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/batman-mesh/livemap/internal/config"
	"github.com/batman-mesh/livemap/internal/database"
	gormstorage "github.com/batman-mesh/livemap/internal/storage/gorm"
	"github.com/batman-mesh/livemap/internal/storage/memory"
)

// NewBackend picks the checkpoint backend named by cfg.Type. SQL backends
// are connected here; migration happens in Init.
func NewBackend(cfg config.StorageConfig, db config.DBConfig, log zerolog.Logger) (Backend, error) {
	var connect func(*database.Manager) error
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		connect = func(m *database.Manager) error { return m.ConnectPostgres(db) }
	case "mysql":
		connect = func(m *database.Manager) error { return m.ConnectMySQL(db) }
	case "sqlite":
		connect = func(m *database.Manager) error { return m.ConnectSQLite(cfg.SQLite.Path) }
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Type)
	}

	mgr := database.NewManager(log.With().Str("backend", cfg.Type).Logger())
	if err := connect(mgr); err != nil {
		return nil, fmt.Errorf("storage %s: %w", cfg.Type, err)
	}
	return gormstorage.New(mgr), nil
}
