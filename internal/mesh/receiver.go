package mesh

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/batman-mesh/livemap/internal/dispatcher"
)

const defaultBackoff = time.Second

// Dispatcher accepts decoded updates for ingestion.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) error
}

// ReceiverStats counts frames seen by a Receiver.
type ReceiverStats struct {
	Frames   uint64
	Accepted uint64
	Rejected uint64
	Dropped  uint64
}

// Receiver reads packets from a Transport and hands valid updates to the
// ingestion dispatcher. It never writes to the store directly.
type Receiver struct {
	transport Transport
	dispatch  Dispatcher
	logger    *slog.Logger
	backoff   time.Duration

	frames   atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// NewReceiver creates a Receiver.
func NewReceiver(t Transport, d Dispatcher, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		transport: t,
		dispatch:  d,
		logger:    logger,
		backoff:   defaultBackoff,
	}
}

// Run receives until ctx is cancelled or the transport is closed. Bad packets
// and transient transport errors do not stop the loop.
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Info("mesh receiver started")
	defer r.logger.Info("mesh receiver stopped")

	for {
		frame, err := r.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			r.logger.Warn("mesh receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.backoff):
			}
			continue
		}
		r.handle(frame)
	}
}

func (r *Receiver) handle(frame Frame) {
	r.frames.Add(1)

	update, err := DecodePacket(frame.Payload, frame.Sender)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Debug("mesh packet rejected", "sender", frame.Sender, "error", err)
		return
	}

	err = r.dispatch.Dispatch(dispatcher.Event{
		Kind:      dispatcher.KindMesh,
		Update:    update,
		Timestamp: frame.ReceivedAt,
	})
	if err != nil {
		r.dropped.Add(1)
		r.logger.Warn("mesh update not queued", "vehicle", update.ID, "error", err)
		return
	}
	r.accepted.Add(1)
}

// Stats returns the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Frames:   r.frames.Load(),
		Accepted: r.accepted.Load(),
		Rejected: r.rejected.Load(),
		Dropped:  r.dropped.Load(),
	}
}
