package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/batman-mesh/livemap/internal/influx"
	"github.com/batman-mesh/livemap/internal/mesh"
	"github.com/batman-mesh/livemap/internal/scheduler"
	"github.com/batman-mesh/livemap/internal/storage"
)

// Measurement names written to InfluxDB.
const (
	MeasurementStatus = "livemap_status"
	MeasurementQueue  = "livemap_queue"
)

// Counter reports a current size.
type Counter interface {
	Len() int
}

// PointWriter accepts status points. Satisfied by *influx.Manager.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service. Optional
// fields may be left nil.
type Dependencies struct {
	Mode      string
	Viewers   Counter
	Vehicles  Counter
	Scheduler interface{ Stats() scheduler.Stats }

	Receiver   interface{ Stats() mesh.ReceiverStats }
	Checkpoint interface{ Stats() storage.CheckpointStats }
	Queues     interface{ QueueLengths() map[string]int }
	Points     PointWriter

	// StatusPath, when set, is rewritten with the latest sample as JSON.
	StatusPath string
	Logger     *slog.Logger
}

// Status is one sample of server health.
type Status struct {
	Time     time.Time `json:"time"`
	Mode     string    `json:"mode"`
	Viewers  int       `json:"viewers"`
	Vehicles int       `json:"vehicles"`

	Ticks          uint64  `json:"ticks"`
	FailedTicks    uint64  `json:"failedTicks"`
	Messages       uint64  `json:"messages"`
	Alerts         uint64  `json:"alerts"`
	LastTickMillis float64 `json:"lastTickMs"`

	MeshFrames   uint64 `json:"meshFrames,omitempty"`
	MeshAccepted uint64 `json:"meshAccepted,omitempty"`
	MeshRejected uint64 `json:"meshRejected,omitempty"`
	MeshDropped  uint64 `json:"meshDropped,omitempty"`

	CheckpointPending  int    `json:"checkpointPending,omitempty"`
	CheckpointFailures uint64 `json:"checkpointFailures,omitempty"`

	Queues map[string]int `json:"queues,omitempty"`
}

// Service manages status monitoring
type Service struct {
	deps     Dependencies
	interval time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last Status
}

// NewService creates a new monitor service
func NewService(deps Dependencies, interval time.Duration) (*Service, error) {
	if deps.Viewers == nil || deps.Vehicles == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("monitor: viewers, vehicles and scheduler are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("monitor: interval must be positive, got %s", interval)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, interval: interval, now: time.Now}, nil
}

// Sample collects the current status without recording it.
func (s *Service) Sample() Status {
	st := Status{
		Time:     s.now().UTC(),
		Mode:     s.deps.Mode,
		Viewers:  s.deps.Viewers.Len(),
		Vehicles: s.deps.Vehicles.Len(),
	}

	sched := s.deps.Scheduler.Stats()
	st.Ticks = sched.Ticks
	st.FailedTicks = sched.FailedTicks
	st.Messages = sched.Messages
	st.Alerts = sched.Alerts
	st.LastTickMillis = float64(sched.LastDuration) / float64(time.Millisecond)

	if s.deps.Receiver != nil {
		rs := s.deps.Receiver.Stats()
		st.MeshFrames = rs.Frames
		st.MeshAccepted = rs.Accepted
		st.MeshRejected = rs.Rejected
		st.MeshDropped = rs.Dropped
	}
	if s.deps.Checkpoint != nil {
		cs := s.deps.Checkpoint.Stats()
		st.CheckpointPending = cs.Pending
		st.CheckpointFailures = cs.Failures
	}
	if s.deps.Queues != nil {
		st.Queues = s.deps.Queues.QueueLengths()
	}
	return st
}

// Last returns the most recent recorded sample.
func (s *Service) Last() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run samples every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	logger := s.deps.Logger
	logger.Debug("Starting status monitor", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.record(s.Sample())
		}
	}
}

func (s *Service) record(st Status) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	logger := s.deps.Logger
	logger.Debug("status",
		"viewers", st.Viewers,
		"vehicles", st.Vehicles,
		"ticks", st.Ticks,
		"failedTicks", st.FailedTicks,
		"lastTickMs", st.LastTickMillis,
	)

	if s.deps.StatusPath != "" {
		if err := writeStatusFile(s.deps.StatusPath, st); err != nil {
			logger.Error("Error writing status file", "error", err)
		}
	}

	if s.deps.Points != nil {
		for _, p := range Points(st) {
			if err := s.deps.Points.WritePoint(p); err != nil {
				logger.Error("Error writing status point", "error", err)
				break
			}
		}
	}
}

func writeStatusFile(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Points converts a sample to InfluxDB points: one status point plus one
// point per buffered dispatcher queue.
func Points(st Status) []*influxdb2_write.Point {
	tags := map[string]string{"mode": st.Mode}
	points := []*influxdb2_write.Point{
		influx.NewPoint(MeasurementStatus, tags, map[string]any{
			"viewers":            st.Viewers,
			"vehicles":           st.Vehicles,
			"ticks":              st.Ticks,
			"failed_ticks":       st.FailedTicks,
			"messages":           st.Messages,
			"alerts":             st.Alerts,
			"last_tick_ms":       st.LastTickMillis,
			"mesh_accepted":      st.MeshAccepted,
			"mesh_rejected":      st.MeshRejected,
			"mesh_dropped":       st.MeshDropped,
			"checkpoint_pending": st.CheckpointPending,
		}, st.Time),
	}
	for kind, n := range st.Queues {
		points = append(points, influx.NewPoint(MeasurementQueue,
			map[string]string{"mode": st.Mode, "kind": kind},
			map[string]any{"length": n},
			st.Time))
	}
	return points
}
