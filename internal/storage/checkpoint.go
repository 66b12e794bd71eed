package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batman-mesh/livemap/internal/queue"
	"github.com/batman-mesh/livemap/pkg/core"
)

// finalFlushTimeout bounds the flush performed while shutting down.
const finalFlushTimeout = 5 * time.Second

// Restorer receives records loaded at startup.
type Restorer interface {
	Restore(records []core.Record) (skipped int)
}

// CheckpointStats reports writer activity.
type CheckpointStats struct {
	Flushes  uint64
	Failures uint64
	Pending  int
}

// Checkpoint buffers the latest record per vehicle and flushes the buffer to
// a Backend on an interval. Observe is safe to call from store writers.
type Checkpoint struct {
	backend  Backend
	pending  *queue.Queue[core.VehicleID, core.Record]
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	observed map[core.VehicleID]time.Time

	flushes  atomic.Uint64
	failures atomic.Uint64
}

// NewCheckpoint creates a writer over an initialized backend.
func NewCheckpoint(backend Backend, interval time.Duration, logger *slog.Logger) *Checkpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpoint{
		backend:  backend,
		pending:  queue.New[core.VehicleID, core.Record](),
		interval: interval,
		log:      logger,
		observed: make(map[core.VehicleID]time.Time),
	}
}

// Observe queues r for the next flush, replacing any older pending record
// for the same vehicle. Store observers run outside the store lock, so r
// may arrive after a newer record for the same vehicle; it is then ignored.
func (c *Checkpoint) Observe(r core.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.observed[r.ID]; ok && r.Timestamp.Before(last) {
		return
	}
	c.observed[r.ID] = r.Timestamp
	c.pending.Push(r.ID, r)
}

// Restore loads stored records into dst.
func (c *Checkpoint) Restore(ctx context.Context, dst Restorer) (int, error) {
	records, err := c.backend.LoadRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	skipped := dst.Restore(records)
	if skipped > 0 {
		c.log.Warn("Skipped invalid checkpoint records", "skipped", skipped)
	}
	return len(records) - skipped, nil
}

// Flush writes all pending records. On failure they are requeued unless a
// newer record for the same vehicle arrived meanwhile.
func (c *Checkpoint) Flush(ctx context.Context) error {
	records := c.pending.GetAndEmpty()
	if len(records) == 0 {
		return nil
	}
	if err := c.backend.SaveRecords(ctx, records); err != nil {
		c.failures.Add(1)
		c.pending.Requeue(func(r core.Record) core.VehicleID { return r.ID }, records)
		return err
	}
	c.flushes.Add(1)
	return nil
}

// Run flushes every interval until ctx is cancelled, then performs a final
// flush and closes the backend.
func (c *Checkpoint) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			defer cancel()
			if err := c.Flush(flushCtx); err != nil {
				c.log.Error("Final checkpoint flush failed", "error", err)
			}
			if err := c.backend.Close(); err != nil {
				c.log.Error("Error closing checkpoint backend", "error", err)
			}
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := c.Flush(ctx); err != nil {
				c.log.Error("Checkpoint flush failed", "error", err, "pending", c.pending.Len())
				continue
			}
			c.log.Debug("Checkpoint flushed", "duration", time.Since(start))
		}
	}
}

// Stats returns a snapshot of writer counters.
func (c *Checkpoint) Stats() CheckpointStats {
	return CheckpointStats{
		Flushes:  c.flushes.Load(),
		Failures: c.failures.Load(),
		Pending:  c.pending.Len(),
	}
}
