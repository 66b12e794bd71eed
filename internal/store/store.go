// Package store holds the latest known position of every tracked vehicle.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/batman-mesh/livemap/pkg/core"
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used to stamp upserts.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithObserver registers fn to be called with every record written by
// Upsert or Apply. fn runs outside the store lock and must not block.
func WithObserver(fn func(core.Record)) Option {
	return func(s *Store) {
		s.observers = append(s.observers, fn)
	}
}

// Store maps vehicle ids to their latest record. Last write wins.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[core.VehicleID]entry
	seq     uint64
	now     func() time.Time

	observers []func(core.Record)
}

// entry tags a record with the store sequence number of its write.
type entry struct {
	core.Record
	seq uint64
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[core.VehicleID]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert records pos for id stamped with the current time and returns that time.
// Invalid ids or coordinates leave the store unchanged.
func (s *Store) Upsert(id core.VehicleID, pos core.Position) (time.Time, error) {
	if err := id.Validate(); err != nil {
		return time.Time{}, err
	}
	if err := pos.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("upsert %s: %w", id, err)
	}

	s.mu.Lock()
	ts := s.now()
	rec := core.Record{ID: id, Position: pos, Timestamp: ts}
	s.seq++
	s.records[id] = entry{Record: rec, seq: s.seq}
	s.mu.Unlock()

	for _, fn := range s.observers {
		fn(rec)
	}
	return ts, nil
}

// Apply is Upsert for a core.Update, returning the stored record.
func (s *Store) Apply(u core.Update) (core.Record, error) {
	ts, err := s.Upsert(u.ID, u.Position)
	if err != nil {
		return core.Record{}, err
	}
	return core.Record{ID: u.ID, Position: u.Position, Timestamp: ts}, nil
}

// Get returns the record for id.
func (s *Store) Get(id core.VehicleID) (core.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	return e.Record, ok
}

// SnapshotAll returns a point-in-time copy of every record ordered by id.
func (s *Store) SnapshotAll() []core.Record {
	s.mu.RLock()
	out := make([]core.Record, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.Record)
	}
	s.mu.RUnlock()

	sortByID(out)
	return out
}

// Seq returns the sequence number of the latest write. Pass it to
// ChangedSince to collect later writes.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// ChangedSince returns, ordered by id, every record written after cursor,
// together with the cursor covering them. A vehicle written several times
// appears once with its latest record.
func (s *Store) ChangedSince(cursor uint64) ([]core.Record, uint64) {
	s.mu.RLock()
	var out []core.Record
	for _, e := range s.records {
		if e.seq > cursor {
			out = append(out, e.Record)
		}
	}
	next := s.seq
	s.mu.RUnlock()

	sortByID(out)
	return out, next
}

func sortByID(records []core.Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID.Less(records[j].ID)
	})
}

// Len returns the number of tracked vehicles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Restore loads checkpointed records. A record already present with a newer
// timestamp is kept. Invalid records are skipped and counted.
func (s *Store) Restore(records []core.Record) (skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID.Validate() != nil || r.Position.Validate() != nil {
			skipped++
			continue
		}
		if cur, ok := s.records[r.ID]; ok && !r.Timestamp.After(cur.Timestamp) {
			continue
		}
		s.seq++
		s.records[r.ID] = entry{Record: r, seq: s.seq}
	}
	return skipped
}
