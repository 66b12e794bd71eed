// Package simulator generates synthetic vehicle positions by walking each
// vehicle along a fixed cyclic list of waypoints.
//
// Update policy: every AdvanceOne call picks a single vehicle uniformly at
// random and moves only that vehicle one waypoint forward. Vehicles are not
// advanced round-robin, so over a short window some vehicles may stay put.
package simulator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/batman-mesh/livemap/pkg/core"
)

// ErrNoVehicles is returned when a simulator is built without paths.
var ErrNoVehicles = errors.New("simulator needs at least one vehicle")

// ErrEmptyPath is returned when a vehicle has no waypoints.
var ErrEmptyPath = errors.New("waypoint path is empty")

// Option configures a Simulator.
type Option func(*Simulator)

// WithPicker replaces the random vehicle choice. pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(s *Simulator) {
		s.pick = pick
	}
}

// WithSeed makes the random vehicle choice reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Simulator) {
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		s.pick = r.IntN
	}
}

type vehicle struct {
	id    core.VehicleID
	path  core.WaypointPath
	index int
}

// Simulator cycles vehicles through their waypoint paths. Safe for concurrent use.
type Simulator struct {
	mu       sync.Mutex
	vehicles []*vehicle
	byID     map[core.VehicleID]*vehicle
	pick     func(n int) int
}

// New builds a simulator. Vehicles are kept in id order so a picker sees a stable index.
func New(paths map[core.VehicleID]core.WaypointPath, opts ...Option) (*Simulator, error) {
	if len(paths) == 0 {
		return nil, ErrNoVehicles
	}

	s := &Simulator{
		byID: make(map[core.VehicleID]*vehicle, len(paths)),
		pick: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)).IntN,
	}
	for id, path := range paths {
		if len(path) == 0 {
			return nil, fmt.Errorf("vehicle %s: %w", id, ErrEmptyPath)
		}
		for i, p := range path {
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("vehicle %s waypoint %d: %w", id, i, err)
			}
		}
		v := &vehicle{id: id, path: append(core.WaypointPath(nil), path...)}
		s.vehicles = append(s.vehicles, v)
		s.byID[id] = v
	}
	sort.Slice(s.vehicles, func(i, j int) bool {
		return s.vehicles[i].id.Less(s.vehicles[j].id)
	})

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AdvanceOne selects one vehicle at random, returns its waypoint at the
// current index and then moves that index forward, wrapping at the end.
func (s *Simulator) AdvanceOne() (core.VehicleID, core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.vehicles[s.pick(len(s.vehicles))]
	pos := v.path[v.index]
	v.index = (v.index + 1) % len(v.path)
	return v.id, pos
}

// Current returns the waypoint the vehicle will report on its next selection.
func (s *Simulator) Current(id core.VehicleID) (core.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return core.Position{}, false
	}
	return v.path[v.index], true
}

// Index returns the vehicle's current waypoint index.
func (s *Simulator) Index(id core.VehicleID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return v.index, true
}

// Vehicles returns the configured vehicle ids in order.
func (s *Simulator) Vehicles() []core.VehicleID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]core.VehicleID, len(s.vehicles))
	for i, v := range s.vehicles {
		ids[i] = v.id
	}
	return ids
}
