// Command livemap serves live vehicle positions to map viewers over a
// secure websocket. Positions come from a waypoint simulator or, in live
// mode, from the BATMAN mesh and an optional GTFS-RT feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/batman-mesh/livemap/internal/config"
	"github.com/batman-mesh/livemap/internal/dispatcher"
	"github.com/batman-mesh/livemap/internal/geo"
	"github.com/batman-mesh/livemap/internal/logging"
	"github.com/batman-mesh/livemap/internal/monitor"
	"github.com/batman-mesh/livemap/internal/registry"
	"github.com/batman-mesh/livemap/internal/scheduler"
	"github.com/batman-mesh/livemap/internal/server"
	"github.com/batman-mesh/livemap/internal/session"
	"github.com/batman-mesh/livemap/internal/simulator"
	"github.com/batman-mesh/livemap/internal/store"
	"github.com/batman-mesh/livemap/pkg/core"
)

// SessionStartTime names this run's log files.
var SessionStartTime = time.Now()

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "livemap: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	configDir, _ := fs.GetString("config-dir")

	found, err := config.LoadOrDefaults(configDir)
	if err != nil {
		return err
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	tel, err := setupTelemetry(config.GetMode(), config.GetLoggingConfig(), config.GetOTelConfig())
	if err != nil {
		return err
	}
	defer tel.Close()
	logger := tel.Logger

	if found {
		logger.Info("Loaded config", "dir", configDir)
	} else {
		logger.Warn("No config file found, using defaults", "dir", configDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, tel)
}

// serve builds every component from the loaded config and blocks until ctx
// is cancelled or a component fails.
func serve(ctx context.Context, tel *telemetry) error {
	logger := tel.Logger
	mode := config.GetMode()

	cp, err := openCheckpoint(ctx, config.GetStorageConfig(), config.GetDBConfig(), tel)
	if err != nil {
		return err
	}

	st := store.New(store.WithObserver(cp.Observe))
	if n, err := cp.Restore(ctx, st); err != nil {
		logger.Warn("Checkpoint restore failed, starting empty", "error", err)
	} else if n > 0 {
		logger.Info("Restored vehicles from checkpoint", "vehicles", n)
	}

	reg, err := registry.New(st, logger.With("component", "registry"))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	disp, err := dispatcher.New(logging.NewDispatcherLogger(tel.Infra.With().Str("component", "dispatcher").Logger()))
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	defer disp.Close()

	meshCfg := config.GetMeshConfig()
	apply := func(e dispatcher.Event) error {
		_, err := st.Apply(e.Update)
		return err
	}
	disp.Register(dispatcher.KindMesh, apply, dispatcher.Buffered(meshCfg.QueueSize), dispatcher.Logged())
	disp.Register(dispatcher.KindFeed, apply, dispatcher.Buffered(meshCfg.QueueSize), dispatcher.Logged())

	tasks := []server.Task{{Name: "checkpoint", Runner: cp}}

	ing, err := setupIngest(meshCfg, config.GetFeedConfig(), disp, logger)
	if err != nil {
		return err
	}
	defer ing.Close()
	tasks = append(tasks, ing.Tasks...)

	var (
		source scheduler.Source
		paths  map[core.VehicleID]core.WaypointPath
	)
	switch mode {
	case config.ModeSimulation:
		simCfg := config.GetSimulatorConfig()
		paths, err = loadPaths(simCfg.PathsFile)
		if err != nil {
			return err
		}
		var opts []simulator.Option
		if simCfg.Seed != 0 {
			opts = append(opts, simulator.WithSeed(simCfg.Seed))
		}
		sim, err := simulator.New(paths, opts...)
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		var tx scheduler.Retransmitter
		if simCfg.Retransmit && ing.Transmitter != nil {
			tx = ing.Transmitter
		}
		source, err = scheduler.NewSimulationSource(sim, st, tx)
		if err != nil {
			return err
		}
		logger.Info("Simulation ready", "vehicles", len(paths), "retransmit", tx != nil)
	default:
		source = scheduler.NewSnapshotSource(st)
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger.With("component", "scheduler"))}
	if pc := config.GetProximityConfig(); pc.Enabled {
		schedOpts = append(schedOpts, scheduler.WithProximity(geo.NewProximityDetector(pc.ThresholdMeters), st))
	}
	interval := config.GetSchedulerConfig().Interval(mode)
	sched, err := scheduler.New(source, reg, interval, schedOpts...)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	points, closePoints := connectInflux(ctx, config.GetInfluxConfig(), tel)
	defer closePoints()

	monCfg := config.GetMonitorConfig()
	monDeps := monitor.Dependencies{
		Mode:       mode,
		Viewers:    reg,
		Vehicles:   st,
		Scheduler:  sched,
		Checkpoint: cp,
		Queues:     disp,
		Points:     points,
		StatusPath: monCfg.StatusFile,
		Logger:     logger.With("component", "monitor"),
	}
	if ing.Receiver != nil {
		monDeps.Receiver = ing.Receiver
	}
	mon, err := monitor.NewService(monDeps, monCfg.Interval)
	if err != nil {
		return err
	}
	tasks = append(tasks, server.Task{Name: "monitor", Runner: mon})

	srvCfg := config.GetServerConfig()
	regCfg := config.GetRegistryConfig()
	sessCfg := config.GetSessionConfig()
	srv, err := server.New(server.Config{
		Address:         srvCfg.Address,
		CertFile:        srvCfg.CertFile,
		KeyFile:         srvCfg.KeyFile,
		ShutdownTimeout: srvCfg.ShutdownTimeout,
		Mode:            mode,
		Session: session.Config{
			QueueSize:       regCfg.SendQueueSize,
			WriteTimeout:    regCfg.WriteTimeout,
			UpdateRateLimit: sessCfg.UpdateRateLimit,
			UpdateBurst:     sessCfg.UpdateBurst,
			MaxMessageBytes: sessCfg.MaxMessageBytes,
		},
	}, server.Deps{
		Store:     st,
		Registry:  reg,
		Scheduler: sched,
		Paths:     paths,
		Tasks:     tasks,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Starting livemap", "mode", mode, "interval", interval, "address", srvCfg.Address)
	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func loadPaths(file string) (map[core.VehicleID]core.WaypointPath, error) {
	if file == "" {
		return simulator.DefaultPaths(), nil
	}
	paths, err := simulator.LoadPaths(file)
	if err != nil {
		return nil, fmt.Errorf("load paths: %w", err)
	}
	return paths, nil
}
