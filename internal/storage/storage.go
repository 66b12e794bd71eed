package storage

import (
	"context"

	"github.com/batman-mesh/livemap/pkg/core"
)

// Backend persists the latest record per vehicle. Saving a record replaces
// any earlier record for the same vehicle; no history is kept.
type Backend interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error

	SaveRecords(ctx context.Context, records []core.Record) error
	LoadRecords(ctx context.Context) ([]core.Record, error)
}
