// Package memory keeps checkpointed records in process memory. It is the
// default backend and loses everything on restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/batman-mesh/livemap/pkg/core"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory: backend closed")

// Backend stores the latest record per vehicle in a map.
type Backend struct {
	mu      sync.RWMutex
	records map[core.VehicleID]core.Record
	closed  bool
	saves   int
}

// New creates a new memory backend
func New() *Backend {
	return &Backend{
		records: make(map[core.VehicleID]core.Record),
	}
}

// Init is a no-op for the memory backend.
func (b *Backend) Init(context.Context) error {
	return nil
}

// Close marks the backend closed. Records stay readable for tests.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// SaveRecords replaces the stored record for each vehicle.
func (b *Backend) SaveRecords(_ context.Context, records []core.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, r := range records {
		b.records[r.ID] = r
	}
	b.saves++
	return nil
}

// LoadRecords returns all stored records ordered by vehicle id.
func (b *Backend) LoadRecords(context.Context) ([]core.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]core.Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

// Saves returns how many SaveRecords calls succeeded.
func (b *Backend) Saves() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.saves
}
