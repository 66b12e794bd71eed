// Package registry tracks connected viewers and fans messages out to them.
// Each viewer is isolated: a slow or broken socket is dropped without
// delaying delivery to anyone else.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

const instrumentationName = "github.com/batman-mesh/livemap/internal/registry"

var (
	// ErrAlreadyRegistered is returned when a handle is registered twice.
	ErrAlreadyRegistered = errors.New("handle already registered")
	// ErrHandleClosed is returned when a message cannot be queued for a handle.
	ErrHandleClosed = errors.New("handle closed")
	// ErrNotRegistered is returned by Send for unknown handles.
	ErrNotRegistered = errors.New("handle not registered")
	// ErrClosed is returned by Register after CloseAll.
	ErrClosed = errors.New("registry closed")
)

// Snapshotter provides the current positions for initial_state.
type Snapshotter interface {
	SnapshotAll() []core.Record
}

// Registry is the set of connected viewers.
type Registry struct {
	store  Snapshotter
	logger *slog.Logger

	mu      sync.RWMutex
	handles map[*Handle]struct{}
	closed  bool

	viewers metric.Int64ObservableGauge
	queued  metric.Int64Counter
	failed  metric.Int64Counter
	removed metric.Int64Counter
}

// New creates an empty Registry.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(store Snapshotter, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:   store,
		logger:  logger,
		handles: make(map[*Handle]struct{}),
	}

	m := otel.Meter(instrumentationName)

	var err error
	r.viewers, err = m.Int64ObservableGauge(
		"registry.viewers",
		metric.WithDescription("Currently registered viewers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating viewers gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(r.viewers, int64(r.Len()))
			return nil
		},
		r.viewers,
	)
	if err != nil {
		return nil, fmt.Errorf("registering viewers callback: %w", err)
	}

	r.queued, err = m.Int64Counter(
		"registry.messages.queued",
		metric.WithDescription("Messages queued for viewers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queued counter: %w", err)
	}

	r.failed, err = m.Int64Counter(
		"registry.deliveries.failed",
		metric.WithDescription("Messages that could not be queued for a viewer"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	r.removed, err = m.Int64Counter(
		"registry.handles.removed",
		metric.WithDescription("Viewers removed, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating removed counter: %w", err)
	}

	return r, nil
}

// Register queues the initial_state snapshot for h and then adds it. Both
// happen under the registry lock, so the snapshot precedes every broadcast
// the handle will see.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.handles[h]; ok {
		return ErrAlreadyRegistered
	}

	data, err := streaming.MarshalSnapshot(streaming.TypeInitialState, r.store.SnapshotAll())
	if err != nil {
		return fmt.Errorf("build initial state: %w", err)
	}
	if !h.enqueue(data) {
		return fmt.Errorf("queue initial state: %w", ErrHandleClosed)
	}

	h.setFailureHook(r.onWriteFailure)
	r.handles[h] = struct{}{}
	r.logger.Info("viewer registered", "viewer", h.ID(), "viewers", len(r.handles))
	return nil
}

// Unregister removes and closes h. Only the call that actually removes the
// handle closes it; it reports whether this call did so.
func (r *Registry) Unregister(h *Handle) bool {
	return r.remove(h, "disconnected")
}

func (r *Registry) remove(h *Handle, reason string) bool {
	r.mu.Lock()
	if _, ok := r.handles[h]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.handles, h)
	n := len(r.handles)
	r.mu.Unlock()

	h.Close()
	r.removed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	r.logger.Info("viewer unregistered", "viewer", h.ID(), "reason", reason, "viewers", n)
	return true
}

func (r *Registry) onWriteFailure(h *Handle, err error) {
	r.failed.Add(context.Background(), 1)
	if r.remove(h, "write error") {
		r.logger.Warn("viewer dropped after write error", "viewer", h.ID(), "error", err)
	}
}

// Broadcast queues data for every registered viewer and returns how many
// accepted it. A viewer whose queue is full or closed is unregistered.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	targets := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range targets {
		if h.enqueue(data) {
			delivered++
			continue
		}
		r.failed.Add(context.Background(), 1)
		if r.remove(h, "slow viewer") {
			r.logger.Warn("viewer dropped, outbound queue full", "viewer", h.ID())
		}
	}
	if delivered > 0 {
		r.queued.Add(context.Background(), int64(delivered))
	}
	return delivered
}

// Send queues data for a single viewer with the same isolation as Broadcast.
func (r *Registry) Send(h *Handle, data []byte) error {
	r.mu.RLock()
	_, ok := r.handles[h]
	r.mu.RUnlock()
	if !ok {
		return ErrNotRegistered
	}

	if !h.enqueue(data) {
		r.failed.Add(context.Background(), 1)
		r.remove(h, "slow viewer")
		return ErrHandleClosed
	}
	r.queued.Add(context.Background(), 1)
	return nil
}

// Len returns the number of registered viewers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll unregisters and closes every viewer. Later registrations fail
// with ErrClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	clear(r.handles)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	if len(handles) > 0 {
		r.removed.Add(context.Background(), int64(len(handles)), metric.WithAttributes(attribute.String("reason", "shutdown")))
		r.logger.Info("closed all viewers", "count", len(handles))
	}
}
