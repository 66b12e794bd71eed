// Package dispatcher routes inbound position events from live sources
// (mesh radio, transit feeds) to the handlers that apply them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/batman-mesh/livemap/pkg/core"
)

var (
	// ErrUnknownKind is returned when no handler is registered for an event kind.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrQueueFull is returned when a non-blocking buffered handler drops an event.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned when dispatching after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Event kinds produced by the live sources.
const (
	KindMesh = "mesh"
	KindFeed = "feed"
)

// Event is one position update received from a live source.
type Event struct {
	Kind      string
	Update    core.Update
	Timestamp time.Time
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger Logger
	stats  instruments

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	buffers  map[string]chan Event

	done    chan struct{}
	closeMu sync.Once
	workers sync.WaitGroup
}

const meterName = "github.com/batman-mesh/livemap/internal/dispatcher"

// instruments are the per-kind event counters. They report to the global
// meter provider, which is a no-op until telemetry is configured.
type instruments struct {
	processed metric.Int64Counter
	failed    metric.Int64Counter
	dropped   metric.Int64Counter
}

func (d *Dispatcher) initInstruments() error {
	m := otel.Meter(meterName)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&d.stats.processed, "dispatcher.events.processed", "Events applied by their handler"},
		{&d.stats.failed, "dispatcher.events.failed", "Events rejected by their handler"},
		{&d.stats.dropped, "dispatcher.events.dropped", "Events dropped on a full queue"},
	}
	for _, c := range counters {
		ctr, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = ctr
	}

	depth, err := m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a buffered queue"))
	if err != nil {
		return fmt.Errorf("queue gauge: %w", err)
	}
	_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for kind, n := range d.QueueLengths() {
			o.ObserveInt64(depth, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
		return nil
	}, depth)
	if err != nil {
		return fmt.Errorf("queue gauge callback: %w", err)
	}
	return nil
}

// New creates a Dispatcher that logs through logger.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		done:     make(chan struct{}),
	}
	if err := d.initInstruments(); err != nil {
		return nil, err
	}
	return d, nil
}

// Register adds a handler for the given event kind with optional configuration.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(kind, handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(kind, cfg.bufferSize, cfg.blocking, handler)
	}

	d.mu.Lock()
	d.handlers[kind] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	d.mu.RLock()
	h, ok := d.handlers[e.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, e.Kind)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[kind]
	return ok
}

// QueueLengths returns the number of events waiting in each buffered kind.
func (d *Dispatcher) QueueLengths() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.buffers))
	for kind, buf := range d.buffers {
		out[kind] = len(buf)
	}
	return out
}

// Close stops the buffered workers and waits for them to exit. Events still
// queued are discarded.
func (d *Dispatcher) Close() {
	d.closeMu.Do(func() {
		close(d.done)
	})
	d.workers.Wait()
}

func (d *Dispatcher) withBuffer(kind string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[kind] = buffer
	d.mu.Unlock()

	kindAttr := metric.WithAttributes(attribute.String("kind", kind))

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for {
			select {
			case <-d.done:
				return
			case e := <-buffer:
				if err := h(e); err != nil {
					d.stats.failed.Add(context.Background(), 1, kindAttr)
					continue
				}
				d.stats.processed.Add(context.Background(), 1, kindAttr)
			}
		}
	}()

	if blocking {
		return func(e Event) error {
			select {
			case buffer <- e:
				return nil
			case <-d.done:
				return ErrClosed
			}
		}
	}

	return func(e Event) error {
		select {
		case buffer <- e:
			return nil
		default:
			d.stats.dropped.Add(context.Background(), 1, kindAttr)
			return fmt.Errorf("%w: %s", ErrQueueFull, kind)
		}
	}
}

func (d *Dispatcher) withLogging(kind string, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling event", "kind", kind, "vehicle", e.Update.ID, "source", e.Update.Source)

		err := h(e)

		if err != nil {
			d.logger.Error("event failed", "kind", kind, "vehicle", e.Update.ID, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "kind", kind, "duration", time.Since(start))
		}

		return err
	}
}
