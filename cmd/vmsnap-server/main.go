package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yndnr/vmsnap-go/internal/core/event"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
	"github.com/yndnr/vmsnap-go/internal/core/service"
	"github.com/yndnr/vmsnap-go/internal/core/task"
	"github.com/yndnr/vmsnap-go/internal/infra/buildinfo"
	"github.com/yndnr/vmsnap-go/internal/infra/confloader"
	"github.com/yndnr/vmsnap-go/internal/infra/shutdown"
	"github.com/yndnr/vmsnap-go/internal/infra/tlsroots"
	"github.com/yndnr/vmsnap-go/internal/infra/volume"
	"github.com/yndnr/vmsnap-go/internal/server/config"
	"github.com/yndnr/vmsnap-go/internal/server/httpserver"
	"github.com/yndnr/vmsnap-go/internal/storage"
	"github.com/yndnr/vmsnap-go/internal/storage/imagestore"
	"github.com/yndnr/vmsnap-go/internal/storage/memory"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
	"github.com/yndnr/vmsnap-go/internal/telemetry/metric"
	"github.com/yndnr/vmsnap-go/internal/vm/emulator"
)

// purgeInterval is how often finished tasks past their retention are
// dropped from the task table.
const purgeInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vmsnap-server %s\n", buildinfo.String())
		return nil
	}

	// Load configuration
	loader, cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	log, closeLog, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slogLogger := logger.Slog(log)

	bi := buildinfo.Get()
	log.Info("starting vmsnap-server",
		"version", bi.Version,
		"commit", bi.Commit,
		"config", *configFile)
	log.Info("configuration loaded", config.LogFields(cfg)...)

	// Metrics
	var metrics *metric.Registry
	if cfg.Telemetry.MetricsEnabled {
		metrics = metric.NewRegistry()
	}

	// Initialize settings storage
	kv, err := initStorage(cfg, slogLogger, metrics)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	shutdownHandler := shutdown.NewHandler(cfg.Server.HTTP.ShutdownTimeout, log)

	// Hooks run in reverse order: storage closes last.
	shutdownHandler.OnShutdown("storage", func(context.Context) error {
		return kv.Close()
	})

	// Initialize services
	svc, err := initServices(cfg, kv, log, metrics)
	if err != nil {
		_ = kv.Close()
		return fmt.Errorf("init services: %w", err)
	}
	ctx := context.Background()
	if err := svc.Load(ctx); err != nil {
		_ = kv.Close()
		return fmt.Errorf("load machines: %w", err)
	}
	shutdownHandler.OnShutdown("tasks", svc.Runner().Shutdown)

	if metrics != nil {
		if err := metrics.RegisterInventory(inventory(svc)); err != nil {
			_ = shutdownHandler.Run("startup failed")
			return fmt.Errorf("register inventory metrics: %w", err)
		}
	}

	// Background work
	bgCtx, stopBackground := context.WithCancel(ctx)
	shutdownHandler.OnShutdown("background", func(context.Context) error {
		stopBackground()
		return nil
	})
	go purgeTasks(bgCtx, svc.Runner(), log)
	go logEvents(bgCtx, svc.Bus(), log)

	if *configFile != "" {
		stopWatch, err := watchConfig(*configFile, loader, slogLogger)
		if err != nil {
			log.Warn("config reload disabled", "error", err)
		} else {
			shutdownHandler.OnShutdown("config-watcher", func(context.Context) error {
				return stopWatch()
			})
		}
	}

	// HTTP server
	tlsConfig, err := initTLS(cfg, slogLogger, shutdownHandler)
	if err != nil {
		_ = shutdownHandler.Run("startup failed")
		return fmt.Errorf("init tls: %w", err)
	}
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Service:   svc,
		Logger:    slogLogger,
		Metrics:   metrics,
		RateLimit: cfg.Server.HTTP.RateLimit,
		RateBurst: cfg.Server.HTTP.RateBurst,
	})
	httpServer := httpserver.New(httpserver.Config{
		Address:     cfg.Server.HTTP.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.HTTP.ReadTimeout,
		Logger:      slogLogger,
		TLS:         tlsConfig,
	})
	shutdownHandler.OnShutdown("http", httpServer.Shutdown)

	go func() {
		log.Info("HTTP server listening", "addr", cfg.Server.HTTP.Address)
		if err := httpServer.ListenAndServe(); err != nil {
			log.Error("HTTP server error", "error", err)
			shutdownHandler.Trigger("http server failed")
		}
	}()

	log.Info("server started, press Ctrl+C to stop",
		"machines", len(svc.ListMachines(ctx)),
		"media", len(svc.Registry().List()))
	if err := shutdownHandler.Wait(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from defaults, file and environment.
func loadConfig(configFile string) (*confloader.Loader, *config.ServerConfig, error) {
	opts := []confloader.Option{confloader.WithDefaults(config.DefaultMap())}
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return loader, cfg, nil
}

// initLogger creates the process logger and makes it the default.
func initLogger(cfg *config.ServerConfig) (logger.Logger, func(), error) {
	out, closeOut, err := logger.OpenOutput(cfg.Log.Output)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: out,
	})
	if err != nil {
		_ = closeOut()
		return nil, nil, err
	}
	logger.SetDefault(log)
	return log, func() { _ = closeOut() }, nil
}

// initStorage opens the settings store.
func initStorage(cfg *config.ServerConfig, log *slog.Logger, metrics *metric.Registry) (storage.KVEngine, error) {
	if cfg.Storage.Backend == "memory" {
		log.Warn("settings are kept in memory and lost on exit")
		return memory.New(), nil
	}

	kvCfg := storage.DefaultKVConfig(cfg.Storage.DataDir)
	kvCfg.Badger.GCInterval = cfg.Storage.GCInterval
	kvCfg.Badger.SyncWrites = cfg.Storage.SyncWrites
	engine, err := storage.NewBadgerEngine(kvCfg, log)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		if err := engine.RegisterMetrics(metrics.Registerer()); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("register storage metrics: %w", err)
		}
	}
	return engine, nil
}

// initTLS loads the HTTPS key pair and reloads it when the files change.
// It returns nil when TLS is not configured.
func initTLS(cfg *config.ServerConfig, log *slog.Logger, sh *shutdown.Handler) (*tls.Config, error) {
	if !cfg.Server.HTTP.TLSEnabled() {
		return nil, nil
	}
	certs, err := tlsroots.NewCertReloader(cfg.Server.HTTP.TLSCertFile, cfg.Server.HTTP.TLSKeyFile, log)
	if err != nil {
		return nil, err
	}
	if err := certs.Watch(); err != nil {
		log.Warn("certificate reload disabled", "error", err)
	}
	sh.OnShutdown("tls", func(context.Context) error {
		return certs.Close()
	})
	return certs.ServerConfig(), nil
}

// initServices wires the medium registry, merge engine, task runner and
// emulator into the snapshot service.
func initServices(cfg *config.ServerConfig, kv storage.KVEngine, log logger.Logger, metrics *metric.Registry) (*service.SnapshotService, error) {
	slogLogger := logger.Slog(log)
	repo := storage.NewRepository(kv, slogLogger)
	images := imagestore.New(imagestore.Config{
		BlockSize: uint32(cfg.Media.BlockSize),
		Logger:    slogLogger,
	})
	bus := event.NewBus()

	reg, err := medium.NewRegistry(medium.Config{
		Backend:  images,
		Store:    repo,
		Observer: bus,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	// Typed nils must not reach the recorder interfaces.
	var (
		taskRecorder  task.Recorder
		mergeRecorder merge.Recorder
	)
	if metrics != nil {
		taskRecorder, mergeRecorder = metrics, metrics
	}

	consoles, err := emulator.NewFactory(emulator.Config{
		Registry:      reg,
		Disks:         images,
		SaveBandwidth: cfg.VM.SaveBandwidth,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	var notifyEvery time.Duration
	if cfg.Task.ProgressRate > 0 {
		notifyEvery = time.Duration(float64(time.Second) / cfg.Task.ProgressRate)
	}

	svc, err := service.NewSnapshotService(service.Config{
		Registry: reg,
		Planner: merge.NewPlanner(merge.PlannerConfig{
			Registry: reg,
			Volumes:  volume.New(),
			Logger:   log,
		}),
		Executor: merge.NewExecutor(merge.ExecutorConfig{
			Registry: reg,
			Recorder: mergeRecorder,
			Logger:   log,
		}),
		Runner: task.NewRunner(task.RunnerConfig{
			Retention: cfg.Task.Retention,
			Recorder:  taskRecorder,
			Logger:    log,
		}),
		Consoles:            consoles,
		Repo:                repo,
		Files:               imagestore.Files{},
		Bus:                 bus,
		Logger:              log,
		MediaRoot:           cfg.Media.Root,
		SnapshotRoot:        filepath.Clean(cfg.SnapshotFolder()),
		MaxDepth:            cfg.Snapshot.MaxDepth,
		ProgressNotifyEvery: notifyEvery,
	})
	if err != nil {
		return nil, err
	}

	log.Info("services initialized",
		"media_root", cfg.Media.Root,
		"snapshot_root", cfg.SnapshotFolder(),
		"max_depth", cfg.Snapshot.MaxDepth)
	return svc, nil
}

// inventory reports machine, snapshot and medium counts for /metrics.
func inventory(svc *service.SnapshotService) metric.InventoryFunc {
	return func() metric.Inventory {
		inv := metric.Inventory{MachinesByState: make(map[string]int)}
		for _, m := range svc.ListMachines(context.Background()) {
			inv.MachinesByState[m.State.String()]++
			inv.Snapshots += m.SnapshotCount
		}
		for _, md := range svc.Registry().List() {
			inv.Media++
			inv.MediaBytes += md.Size()
		}
		return inv
	}
}

func purgeTasks(ctx context.Context, runner *task.Runner, log logger.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := runner.Purge(now); n > 0 {
				log.Debug("finished tasks purged", "count", n)
			}
		}
	}
}

// logEvents writes every bus event to the debug log.
func logEvents(ctx context.Context, bus *event.Bus, log logger.Logger) {
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Type == event.TaskProgress {
				continue
			}
			log.Debug("event",
				"type", ev.Type,
				"machine_id", ev.MachineID,
				"snapshot_id", ev.SnapshotID,
				"medium_id", ev.MediumID)
		}
	}
}

// watchConfig reloads log.level when the config file changes. Other
// settings take effect on restart.
func watchConfig(path string, loader *confloader.Loader, log *slog.Logger) (func() error, error) {
	w, err := confloader.NewWatcher(
		confloader.WithWatcherLogger(log),
		confloader.WithDebounce(500*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(path); err != nil {
		_ = w.Stop()
		return nil, err
	}
	w.OnChange(func(string) {
		cfg := config.Default()
		if err := loader.Reload(cfg); err != nil {
			log.Warn("config reload failed", "error", err)
			return
		}
		if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
			log.Warn("config reload ignored", "error", err)
			return
		}
		logger.SetLevel(cfg.Log.Level)
		log.Info("log level changed", "level", cfg.Log.Level)
	})
	w.StartAsync()
	return w.Stop, nil
}
