// Package scheduler drives the periodic position broadcast to viewers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/batman-mesh/livemap/internal/geo"
	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

const instrumentationName = "github.com/batman-mesh/livemap/internal/scheduler"

// Broadcaster fans a message out to every viewer.
type Broadcaster interface {
	Broadcast(data []byte) int
}

// Snapshotter returns every current record.
type Snapshotter interface {
	SnapshotAll() []core.Record
}

// Stats summarizes scheduler activity.
type Stats struct {
	Ticks        uint64
	FailedTicks  uint64
	Messages     uint64
	Alerts       uint64
	LastTick     time.Time
	LastDuration time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithProximity enables proximity alerts computed over the full snapshot.
func WithProximity(d *geo.ProximityDetector, snap Snapshotter) Option {
	return func(s *Scheduler) {
		s.proximity = d
		s.snapshot = snap
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// Scheduler broadcasts one periodic message per record on every tick.
type Scheduler struct {
	source   Source
	out      Broadcaster
	interval time.Duration
	logger   *slog.Logger

	proximity *geo.ProximityDetector
	snapshot  Snapshotter

	ticks    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram

	mu    sync.Mutex
	stats Stats
}

// New creates a Scheduler ticking at interval.
func New(source Source, out Broadcaster, interval time.Duration, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", interval)
	}
	s := &Scheduler{
		source:   source,
		out:      out,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	m := otel.Meter(instrumentationName)
	var err error
	s.ticks, err = m.Int64Counter("scheduler.ticks", metric.WithDescription("Broadcast ticks run"))
	if err != nil {
		return nil, fmt.Errorf("creating ticks counter: %w", err)
	}
	s.failures, err = m.Int64Counter("scheduler.ticks.failed", metric.WithDescription("Broadcast ticks that failed"))
	if err != nil {
		return nil, fmt.Errorf("creating failures counter: %w", err)
	}
	s.duration, err = m.Float64Histogram("scheduler.tick.duration",
		metric.WithDescription("Time spent in one tick"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	return s, nil
}

// Run ticks until ctx is cancelled. A failing tick is logged and the next
// tick runs as scheduled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("broadcast scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("broadcast scheduler stopped")
			return nil
		case now := <-ticker.C:
			if err := s.tick(ctx, now); err != nil {
				s.logger.Error("broadcast tick failed", "error", err)
			}
		}
	}
}

// Stats returns a copy of the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) (err error) {
	start := time.Now()
	var messages, alerts int

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in tick: %v", r)
		}
		elapsed := time.Since(start)

		s.mu.Lock()
		s.stats.Ticks++
		s.stats.Messages += uint64(messages)
		s.stats.Alerts += uint64(alerts)
		s.stats.LastTick = now
		s.stats.LastDuration = elapsed
		if err != nil {
			s.stats.FailedTicks++
		}
		s.mu.Unlock()

		s.ticks.Add(ctx, 1)
		s.duration.Record(ctx, float64(elapsed.Microseconds())/1000)
		if err != nil {
			s.failures.Add(ctx, 1)
		}
	}()

	records, err := s.source.Next(ctx)
	if err != nil {
		return fmt.Errorf("next records: %w", err)
	}

	for _, r := range records {
		data, err := streaming.MarshalPeriodic(r, now)
		if err != nil {
			return err
		}
		s.out.Broadcast(data)
		messages++
	}

	if s.proximity != nil {
		alerts, err = s.checkProximity(now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) checkProximity(now time.Time) (int, error) {
	found := s.proximity.Check(s.snapshot.SnapshotAll())
	for _, a := range found {
		data, err := streaming.MarshalProximityAlert(streaming.ProximityAlertPayload{
			Vehicles:  a.Vehicles,
			Distance:  a.Distance,
			Timestamp: streaming.FormatTimestamp(now),
		})
		if err != nil {
			return 0, err
		}
		s.out.Broadcast(data)
		s.logger.Info("proximity alert", "a", a.Vehicles[0], "b", a.Vehicles[1], "meters", a.Distance)
	}
	return len(found), nil
}
