package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batman-mesh/livemap/internal/dispatcher"
	"github.com/batman-mesh/livemap/pkg/core"
)

// Dispatcher accepts decoded updates for ingestion.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) error
}

// PollerStats counts poller activity.
type PollerStats struct {
	Polls      uint64
	Failures   uint64
	Dispatched uint64
	Dropped    uint64
}

// Poller fetches a VehicleSource on an interval and dispatches positions
// that changed since the previous fetch.
type Poller struct {
	source   VehicleSource
	dispatch Dispatcher
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[core.VehicleID]core.Position

	polls      atomic.Uint64
	failures   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// NewPoller creates a poller. timeout bounds each fetch.
func NewPoller(src VehicleSource, d Dispatcher, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   src,
		dispatch: d,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		last:     make(map[core.VehicleID]core.Position),
	}
}

// Run polls immediately and then every interval until ctx is cancelled.
// Fetch failures are logged and retried on the next interval.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Poll(ctx)
			t.Reset(p.interval)
		}
	}
}

// Poll performs one fetch and dispatches changed positions. It returns the
// number of updates dispatched.
func (p *Poller) Poll(ctx context.Context) int {
	p.polls.Add(1)
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	updates, err := p.source.Fetch(cctx)
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("feed poll failed", "error", err)
		return 0
	}

	changed := p.detectChanges(updates)
	now := time.Now()
	sent := 0
	for _, u := range changed {
		err := p.dispatch.Dispatch(dispatcher.Event{Kind: dispatcher.KindFeed, Update: u, Timestamp: now})
		if err != nil {
			p.dropped.Add(1)
			p.logger.Warn("feed update not queued", "vehicle", u.ID, "error", err)
			continue
		}
		p.markSent(u)
		sent++
	}
	p.dispatched.Add(uint64(sent))
	p.logger.Debug("feed polled", "vehicles", len(updates), "changed", len(changed))
	return sent
}

// detectChanges returns updates whose position differs from the last one
// dispatched for that vehicle.
func (p *Poller) detectChanges(in []core.Update) []core.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []core.Update
	for _, u := range in {
		if prev, ok := p.last[u.ID]; ok && prev == u.Position {
			continue
		}
		out = append(out, u)
	}
	return out
}

func (p *Poller) markSent(u core.Update) {
	p.mu.Lock()
	p.last[u.ID] = u.Position
	p.mu.Unlock()
}

// Stats returns the poller counters.
func (p *Poller) Stats() PollerStats {
	return PollerStats{
		Polls:      p.polls.Load(),
		Failures:   p.failures.Load(),
		Dispatched: p.dispatched.Load(),
		Dropped:    p.dropped.Load(),
	}
}
