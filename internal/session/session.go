// Package session runs the read side of one viewer connection.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/batman-mesh/livemap/internal/registry"
	"github.com/batman-mesh/livemap/pkg/core"
	"github.com/batman-mesh/livemap/pkg/streaming"
)

// Conn is a viewer socket. *websocket.Conn satisfies it.
type Conn interface {
	registry.Transport
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
}

// Registry is the subset of registry.Registry a session uses.
type Registry interface {
	Register(h *registry.Handle) error
	Unregister(h *registry.Handle) bool
	Send(h *registry.Handle, data []byte) error
}

// Store is the subset of store.Store a session uses.
type Store interface {
	Apply(u core.Update) (core.Record, error)
	SnapshotAll() []core.Record
}

// Config tunes per-session limits.
type Config struct {
	QueueSize       int
	WriteTimeout    time.Duration
	UpdateRateLimit float64
	UpdateBurst     int
	MaxMessageBytes int64
}

// State is the lifecycle of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session serves one viewer from registration to disconnect.
type Session struct {
	conn     Conn
	registry Registry
	store    Store
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	state   atomic.Int32
	handle  *registry.Handle
	dropped atomic.Uint64
}

// New creates a session for an accepted connection.
func New(conn Conn, reg Registry, st Store, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.UpdateRateLimit > 0 {
		limit = rate.Limit(cfg.UpdateRateLimit)
	}
	burst := cfg.UpdateBurst
	if burst < 1 {
		burst = 1
	}
	return &Session{
		conn:     conn,
		registry: reg,
		store:    st,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run registers the viewer and reads messages until the socket closes or ctx
// is cancelled. The viewer is always unregistered on return.
func (s *Session) Run(ctx context.Context) error {
	opts := []registry.HandleOption{registry.WithLogger(s.logger)}
	if s.cfg.QueueSize > 0 {
		opts = append(opts, registry.WithQueueSize(s.cfg.QueueSize))
	}
	if s.cfg.WriteTimeout > 0 {
		opts = append(opts, registry.WithWriteTimeout(s.cfg.WriteTimeout))
	}
	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	h := registry.NewHandle(s.conn, opts...)
	s.handle = h
	s.logger = s.logger.With("viewer", h.ID())

	if err := s.registry.Register(h); err != nil {
		h.Close()
		<-h.Done()
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("register viewer: %w", err)
	}
	s.state.Store(int32(StateActive))

	stop := make(chan struct{})
	defer func() {
		close(stop)
		s.registry.Unregister(h)
		h.Close()
		s.state.Store(int32(StateClosed))
	}()

	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-stop:
		}
	}()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway, ws.CloseNoStatusReceived) {
				s.logger.Debug("viewer read ended", "error", err)
			}
			return nil
		}
		s.handleFrame(mt, data)
	}
}

func (s *Session) handleFrame(messageType int, data []byte) {
	if messageType != ws.TextMessage {
		s.logger.Warn("malformed viewer message", "error", "binary frame")
		return
	}

	msg, err := streaming.DecodeClientMessage(data)
	if err != nil {
		s.logger.Warn("malformed viewer message", "error", err)
		return
	}

	switch m := msg.(type) {
	case streaming.RequestPositions:
		s.replySnapshot()
	case streaming.UpdatePosition:
		s.applyUpdate(m.Update)
	case streaming.Unknown:
		s.logger.Warn("unknown viewer message type", "type", m.Type)
	default:
		s.logger.Error("unhandled viewer message", "message", fmt.Sprintf("%T", m))
	}
}

func (s *Session) replySnapshot() {
	data, err := streaming.MarshalSnapshot(streaming.TypePositionUpdate, s.store.SnapshotAll())
	if err != nil {
		s.logger.Error("build position snapshot", "error", err)
		return
	}
	if err := s.registry.Send(s.handle, data); err != nil {
		s.logger.Debug("position snapshot not queued", "error", err)
	}
}

func (s *Session) applyUpdate(u core.Update) {
	if !s.limiter.Allow() {
		n := s.dropped.Add(1)
		s.logger.Warn("viewer update rate exceeded, dropping", "vehicle", u.ID, "dropped", n)
		return
	}
	if _, err := s.store.Apply(u); err != nil {
		s.logger.Warn("viewer update rejected", "vehicle", u.ID, "error", err)
		return
	}
	s.logger.Debug("viewer updated position", "vehicle", u.ID)
}
