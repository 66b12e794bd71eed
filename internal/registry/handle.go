package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/batman-mesh/livemap/internal/channel"
)

const (
	defaultQueueSize = 256
	defaultWriteWait = 10 * time.Second
)

// Transport is the write side of a viewer socket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle of a Handle.
type State int32

const (
	StateConnected State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithQueueSize sets the outbound queue length.
func WithQueueSize(n int) HandleOption {
	return func(h *Handle) {
		h.queueSize = n
	}
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) HandleOption {
	return func(h *Handle) {
		h.writeWait = d
	}
}

// WithLogger sets the handle logger.
func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) {
		h.logger = l
	}
}

// Handle is one viewer connection. All writes to the socket go through a
// single write goroutine fed by a bounded queue.
type Handle struct {
	id        string
	transport Transport
	queueSize int
	writeWait time.Duration
	logger    *slog.Logger

	outbox channel.Outbox[[]byte]
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	onFailure func(*Handle, error)
}

// NewHandle wraps t and starts its write goroutine.
func NewHandle(t Transport, opts ...HandleOption) *Handle {
	h := &Handle{
		id:        uuid.NewString(),
		transport: t,
		queueSize: defaultQueueSize,
		writeWait: defaultWriteWait,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("viewer", h.id)
	h.outbox = channel.New[[]byte](h.queueSize)
	h.state.Store(int32(StateConnected))

	go h.writeLoop()
	return h
}

// ID returns the handle's unique id.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed once the write goroutine has exited and the socket is closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close stops the handle. Messages already queued are flushed before the
// close frame is sent. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
		h.outbox.Close()
	})
}

func (h *Handle) enqueue(data []byte) bool {
	if h.State() != StateConnected {
		return false
	}
	return h.outbox.TrySend(data)
}

func (h *Handle) setFailureHook(fn func(*Handle, error)) {
	h.mu.Lock()
	h.onFailure = fn
	h.mu.Unlock()
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	fn := h.onFailure
	h.mu.Unlock()

	if fn != nil {
		fn(h, err)
		return
	}
	h.Close()
}

// writeLoop drains the outbox and writes messages to the socket.
// After a write error the rest of the queue is discarded.
func (h *Handle) writeLoop() {
	defer close(h.done)

	failed := false
	for data := range h.outbox.Receive() {
		if failed {
			continue
		}
		if err := h.write(ws.TextMessage, data); err != nil {
			failed = true
			h.logger.Debug("viewer write failed", "error", err)
			h.fail(err)
		}
	}

	if !failed {
		msg := ws.FormatCloseMessage(ws.CloseGoingAway, "server closing connection")
		if err := h.write(ws.CloseMessage, msg); err != nil {
			h.logger.Debug("viewer close frame failed", "error", err)
		}
	}
	if err := h.transport.Close(); err != nil {
		h.logger.Debug("viewer socket close failed", "error", err)
	}
	h.state.Store(int32(StateClosed))
}

func (h *Handle) write(messageType int, data []byte) error {
	if err := h.transport.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	return h.transport.WriteMessage(messageType, data)
}
