// Package server wires the viewer endpoint, the broadcast scheduler and the
// background ingestion tasks into one process lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/batman-mesh/livemap/internal/registry"
	"github.com/batman-mesh/livemap/internal/scheduler"
	"github.com/batman-mesh/livemap/internal/session"
	"github.com/batman-mesh/livemap/internal/store"
	"github.com/batman-mesh/livemap/pkg/core"
)

// Config holds the listener and session settings.
type Config struct {
	Address         string
	CertFile        string
	KeyFile         string
	ShutdownTimeout time.Duration
	Mode            string
	Session         session.Config
}

// Runner is a background task that runs until ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Task is a named Runner started alongside the HTTP server.
type Task struct {
	Name   string
	Runner Runner
}

// Deps are the components the server drives.
type Deps struct {
	Store     *store.Store
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	// Paths, when set, are served as GeoJSON on /api/paths.
	Paths  map[core.VehicleID]core.WaypointPath
	Tasks  []Task
	Logger *slog.Logger
}

// Server accepts viewer connections and owns the lifecycle of every task.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	upgrader ws.Upgrader
	started  time.Time

	sessionCtx    context.Context
	cancelSession context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// New creates a Server.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Scheduler == nil {
		return nil, errors.New("server needs a store, a registry and a scheduler")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started:       time.Now(),
		sessionCtx:    ctx,
		cancelSession: cancel,
	}, nil
}

// Run loads TLS credentials, binds the listener and serves until ctx is
// cancelled or a task fails. Missing credentials and bind failures are
// returned before anything starts.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := LoadTLSConfig(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, tls.NewListener(ln, tlsCfg))
}

// Serve runs every task on ln until ctx is cancelled, then shuts down:
// stop accepting, stop the tasks, close every viewer, wait for sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("viewer endpoint listening", "address", ln.Addr().String(), "mode", s.cfg.Mode)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.deps.Scheduler.Run(gctx)
	})

	for _, task := range s.deps.Tasks {
		task := task
		g.Go(func() error {
			if err := task.Runner.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", task.Name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpSrv)
	})

	return g.Wait()
}

func (s *Server) shutdown(httpSrv *http.Server) error {
	s.logger.Info("shutting down viewer endpoint")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancelSession()
	s.deps.Registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all viewer sessions closed")
	case <-ctx.Done():
		s.logger.Warn("viewer sessions still open at shutdown deadline")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// serveViewer upgrades the request and runs its session in the handler goroutine.
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	logger := s.logger.With("remote", r.RemoteAddr)
	sess := session.New(conn, s.deps.Registry, s.deps.Store, s.cfg.Session, logger)
	if err := sess.Run(s.sessionCtx); err != nil {
		logger.Warn("viewer session ended with error", "error", err)
	}
}
