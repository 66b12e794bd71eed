package scheduler

import (
	"context"
	"fmt"

	"github.com/batman-mesh/livemap/internal/simulator"
	"github.com/batman-mesh/livemap/internal/store"
	"github.com/batman-mesh/livemap/pkg/core"
)

// Source yields the records to broadcast on one tick.
type Source interface {
	Next(ctx context.Context) ([]core.Record, error)
}

// Retransmitter forwards simulated records to another network.
type Retransmitter interface {
	Transmit(ctx context.Context, r core.Record)
}

// SnapshotSource broadcasts every record in the store on each tick.
type SnapshotSource struct {
	store *store.Store
}

// NewSnapshotSource creates a SnapshotSource.
func NewSnapshotSource(st *store.Store) *SnapshotSource {
	return &SnapshotSource{store: st}
}

// Next returns the full snapshot.
func (s *SnapshotSource) Next(context.Context) ([]core.Record, error) {
	return s.store.SnapshotAll(), nil
}

// SimulationSource advances the simulator one step per tick and broadcasts
// the vehicle that moved plus every record other writers changed since the
// previous tick.
type SimulationSource struct {
	sim    *simulator.Simulator
	store  *store.Store
	tx     Retransmitter
	cursor uint64
}

// NewSimulationSource seeds st with every vehicle's current waypoint so new
// viewers see all vehicles immediately. tx may be nil.
func NewSimulationSource(sim *simulator.Simulator, st *store.Store, tx Retransmitter) (*SimulationSource, error) {
	for _, id := range sim.Vehicles() {
		pos, _ := sim.Current(id)
		if _, err := st.Upsert(id, pos); err != nil {
			return nil, fmt.Errorf("seed vehicle %s: %w", id, err)
		}
	}
	return &SimulationSource{sim: sim, store: st, tx: tx, cursor: st.Seq()}, nil
}

// Next moves one vehicle and returns every record written since the last
// call, ordered by id. Viewer and mesh updates are included so they reach
// all viewers on the next tick. Only the simulated record is retransmitted.
func (s *SimulationSource) Next(ctx context.Context) ([]core.Record, error) {
	id, pos := s.sim.AdvanceOne()
	rec, err := s.store.Apply(core.Update{ID: id, Position: pos, Source: "simulator"})
	if err != nil {
		return nil, fmt.Errorf("store simulated position: %w", err)
	}
	var changed []core.Record
	changed, s.cursor = s.store.ChangedSince(s.cursor)
	if s.tx != nil {
		s.tx.Transmit(ctx, rec)
	}
	return changed, nil
}
