package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/batman-mesh/livemap/pkg/core"
)

const (
	sendTimeout         = 2 * time.Second
	defaultTransmitSize = 256
)

// Transmitter re-broadcasts records onto the mesh. Transmit only enqueues;
// Run drains the queue so a slow transport never stalls the caller. Records
// that do not fit the queue are dropped.
type Transmitter struct {
	transport Transport
	logger    *slog.Logger
	queue     chan core.Record
	dropped   atomic.Uint64
}

// NewTransmitter creates a Transmitter over t.
func NewTransmitter(t Transport, logger *slog.Logger) *Transmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{
		transport: t,
		logger:    logger,
		queue:     make(chan core.Record, defaultTransmitSize),
	}
}

// Transmit queues r for sending. It never blocks.
func (t *Transmitter) Transmit(_ context.Context, r core.Record) {
	select {
	case t.queue <- r:
	default:
		t.dropped.Add(1)
		t.logger.Debug("mesh retransmit dropped, queue full", "vehicle", r.ID)
	}
}

// Dropped is the number of records discarded because the queue was full.
func (t *Transmitter) Dropped() uint64 {
	return t.dropped.Load()
}

// Run sends queued records until ctx is cancelled or the transport closes.
func (t *Transmitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-t.queue:
			if err := t.send(ctx, r); errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

func (t *Transmitter) send(ctx context.Context, r core.Record) error {
	payload, err := EncodePacket(r)
	if err != nil {
		t.logger.Warn("mesh encode failed", "vehicle", r.ID, "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := t.transport.Send(ctx, payload); err != nil {
		t.logger.Debug("mesh retransmit failed", "vehicle", r.ID, "error", err)
		return err
	}
	return nil
}
