package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentlog/internal/analytics"
	"agentlog/internal/api"
	"agentlog/internal/api/handlers"
	"agentlog/internal/banner"
	"agentlog/internal/config"
	"agentlog/internal/database"
	"agentlog/internal/database/repositories"
	"agentlog/internal/discovery"
	"agentlog/internal/ingestion"
	parsers "agentlog/internal/parser"
	"agentlog/internal/realtime"
	"agentlog/internal/registry"
	"agentlog/internal/storage"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"gorm.io/gorm"
)

func main() {
	envFile := pflag.String("env-file", ".env", "path to the .env file")
	agentsFile := pflag.String("agents", "", "path to the custom agents YAML file (overrides AGENTS_FILE)")
	logLevel := pflag.String("log-level", "", "trace, debug, info, warn, error or fatal (overrides LOG_LEVEL)")
	dbPath := pflag.String("db", "", "sqlite database path (overrides DB_PATH)")
	memoryStore := pflag.Bool("memory-store", false, "keep logs in the in-memory columnar store instead of sqlite")
	noBanner := pflag.Bool("no-banner", false, "skip the startup banner")
	pflag.Parse()

	// Initialize logger with INFO level as a sensible default
	// We'll reconfigure the level after loading the configuration (LOG_LEVEL)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelInfo)

	if !*noBanner {
		banner.Print()
	}

	// Flags win over the environment and the .env file
	setEnvIf("AGENTS_FILE", *agentsFile)
	setEnvIf("LOG_LEVEL", *logLevel)
	setEnvIf("DB_PATH", *dbPath)
	if *memoryStore {
		setEnvIf("STORAGE_BACKEND", config.BackendMemory)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.WithCaller().Fatal("Failed to load configuration", logger.Args("error", err))
	}

	logger = newLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Debug("Configuration loaded",
		logger.Args(
			"backend", cfg.Storage.Backend,
			"db_path", cfg.Database.Path,
			"server_port", cfg.Server.Port,
			"custom_agents", len(cfg.Agents),
			"retention_days", cfg.Storage.RetentionDays,
		))

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	// Storage backend
	var (
		db          *gorm.DB
		readDB      *gorm.DB
		store       storage.Store
		logRepo     repositories.LogEntryRepository
		memStore    *storage.MemoryStore
		positions   ingestion.PositionStore
		agentStore  discovery.AgentStore
		alertStore  analytics.AlertStore
		alertRepo   repositories.AlertRepository
		runRecorder analytics.RunRecorder
		dbCfg       = &database.Config{
			Path:                    cfg.Database.Path,
			MaxOpenConns:            cfg.Database.MaxOpenConns,
			MaxIdleConns:            cfg.Database.MaxIdleConns,
			ConnMaxLife:             cfg.Database.ConnMaxLife,
			PoolMonitoringEnabled:   cfg.Database.PoolMonitoringEnabled,
			PoolMonitoringInterval:  cfg.Database.PoolMonitoringInterval,
			PoolSaturationThreshold: cfg.Database.PoolSaturationThreshold,
			AutoTuning:              cfg.Database.AutoTuning,
		}
	)

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err = database.NewConnection(dbCfg, logger)
		if err != nil {
			logger.WithCaller().Fatal("Failed to connect to database", logger.Args("error", err))
		}
		readDB, err = database.NewReadOnlyConnection(dbCfg, logger)
		if err != nil {
			logger.Warn("Read-only pool unavailable, sharing the writer pool", logger.Args("error", err))
			readDB = db
		}

		logger.Debug("Initializing repositories...")
		logRepo = repositories.NewLogEntryRepository(db, readDB, logger)
		store = logRepo
		positions = repositories.NewPositionRepository(db)
		agentStore = repositories.NewAgentRepository(db, logger)
		alertRepo = repositories.NewAlertRepository(db, logger)
		alertStore = alertRepo
		runRecorder = repositories.NewRunRepository(db)
	case config.BackendMemory:
		memStore, err = storage.NewMemoryStore(storage.MemoryConfig{
			BlockRows: cfg.Storage.BlockRows,
			Retention: cfg.Storage.Retention(),
		}, logger)
		if err != nil {
			logger.WithCaller().Fatal("Failed to create memory store", logger.Args("error", err))
		}
		store = memStore
		agentStore = discovery.NewMemoryAgentStore()
		logger.Info("Using in-memory store, logs and positions are not persisted")
	}

	// Agent discovery fills the source registry
	logger.Debug("Running agent discovery...")
	sourceRegistry := registry.New(logger)
	discoveryEngine := discovery.NewEngine(
		discovery.BuiltinDetectors(discovery.DetectorOptions{
			Home:         cfg.Discovery.Home,
			AutoDiscover: cfg.Discovery.AutoDiscover,
			PollInterval: cfg.Watcher.PollInterval,
		}, logger),
		cfg.Agents,
		agentStore,
		logger,
	)
	agents, err := discoveryEngine.Run(runCtx)
	if err != nil {
		logger.WithCaller().Warn("Agent discovery failed", logger.Args("error", err))
	}
	for _, agent := range agents {
		src, err := registry.FromAgentConfig(agent)
		if err != nil {
			logger.Warn("Skipping invalid agent", logger.Args("id", agent.ID, "error", err))
			continue
		}
		if err := sourceRegistry.Upsert(src); err != nil {
			logger.Warn("Failed to register agent", logger.Args("id", agent.ID, "error", err))
		}
	}

	// Fan-out bus with the storage sink as its privileged subscriber
	bus := realtime.NewBus(realtime.BusConfig{
		IngressBuffer:    cfg.Storage.IngressBuffer,
		SubscriberBuffer: cfg.Storage.SubscriberBuffer,
		PublishTimeout:   cfg.Storage.PublishTimeout,
	}, logger)
	bus.Start()

	sink := storage.NewSink(store, storage.SinkConfig{
		BatchSize:     cfg.Storage.BatchSize,
		BatchInterval: cfg.Storage.BatchInterval,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBase:     cfg.Storage.RetryBase,
		RetryMax:      cfg.Storage.RetryMax,
		Retention:     cfg.Storage.Retention(),
	}, logger)
	// The sink stops when the bus closes its channel, after the final flush.
	go sink.Run(context.Background(), bus.SubscribePrivileged("storage", cfg.Storage.BatchSize*4).C())

	logger.Info("Initializing real-time metrics collector...")
	metricsCollector := realtime.NewMetricsCollector(logger)
	metricsCollector.Start(runCtx, bus.Subscribe("metrics", 0), cfg.Server.MetricsInterval)

	// Watcher supervisor
	logger.Debug("Initializing watcher supervisor...")
	coordinator := ingestion.NewCoordinator(
		sourceRegistry,
		parsers.NewRegistry(logger),
		bus,
		positions,
		ingestion.CoordinatorConfig{
			Processor: ingestion.ProcessorConfig{
				PollInterval:       cfg.Watcher.PollInterval,
				ReadChunkBytes:     cfg.Watcher.ReadChunkBytes,
				WorkerPoolSize:     cfg.Watcher.WorkerPoolSize,
				StartFromBeginning: cfg.Watcher.StartFromBeginning,
				StopGrace:          cfg.Watcher.StopGrace,
			},
			ValidationInterval: cfg.Watcher.ValidationInterval,
			StaleAfter:         cfg.Watcher.StaleAfter,
		},
		logger,
	)

	logger.Info("Starting ingestion...")
	if err := coordinator.StartWatching(runCtx, sourceRegistry.Enabled()); err != nil {
		logger.WithCaller().Fatal("Failed to start watcher supervisor", logger.Args("error", err))
	}
	coordinator.StartPeriodicValidation(cfg.Watcher.ValidationInterval)
	logger.Info("Ingestion started",
		logger.Args("sources", sourceRegistry.Len(), "watched_files", coordinator.GetProcessorCount()))

	// Analytics
	engine := analytics.NewEngine(store, alertStore, runRecorder, cfg.Analytics, logger)
	engine.Start(runCtx)

	// Retention and pool maintenance
	var cleanupService *database.CleanupService
	var poolMonitors []*database.PoolMonitor
	if db != nil {
		cleanupService = database.NewCleanupService(db, database.CleanupConfig{
			Retention:     cfg.Storage.Retention(),
			Interval:      cfg.Database.CleanupInterval,
			Time:          cfg.Database.CleanupTime,
			VacuumEnabled: cfg.Database.VacuumEnabled,
		}, coordinator, logger)
		cleanupService.Start()

		if cfg.Database.PoolMonitoringEnabled {
			poolMonitors = startPoolMonitors(runCtx, dbCfg, logger, map[string]*gorm.DB{"writer": db, "reader": readDB})
		}
	} else {
		go pruneLoop(runCtx, memStore, cfg.Database.CleanupInterval, logger)
	}

	// HTTP glue
	logger.Info("Initializing web server...")
	status := handlers.NewStatusHandler(banner.Version, logger)
	status.Register("watcher", func(ctx context.Context) (any, error) { return coordinator.GetStatus(), nil })
	status.Register("sink", func(ctx context.Context) (any, error) { return sink.Stats(), nil })
	status.Register("bus", func(ctx context.Context) (any, error) { return bus.Stats(), nil })
	status.Register("analytics", func(ctx context.Context) (any, error) { return engine.GetRunStats(), nil })
	if memStore != nil {
		status.Register("memoryStore", func(ctx context.Context) (any, error) { return memStore.Stats(), nil })
	}
	if logRepo != nil {
		status.Register("partitions", func(ctx context.Context) (any, error) { return logRepo.Partitions(ctx) })
		status.Register("alerts", func(ctx context.Context) (any, error) { return alertRepo.CountByStatus(ctx) })
		status.Register("cleanup", func(ctx context.Context) (any, error) { return cleanupService.GetStats(), nil })
	}
	if len(poolMonitors) > 0 {
		status.Register("pools", func(ctx context.Context) (any, error) {
			stats := make([]database.PoolStats, 0, len(poolMonitors))
			for _, pm := range poolMonitors {
				stats = append(stats, pm.Stats())
			}
			return stats, nil
		})
	}

	routes := api.Handlers{
		Status:    status,
		Logs:      handlers.NewLogsHandler(store, logger),
		Analytics: handlers.NewAnalyticsHandler(engine, logger),
		Sources:   handlers.NewSourcesHandler(sourceRegistry, discoveryEngine, coordinator, logger),
		Realtime:  handlers.NewRealtimeHandler(bus, metricsCollector, cfg.Server.StreamBuffer, logger),
	}
	if readDB != nil {
		routes.Dashboard = handlers.NewDashboardHandler(repositories.NewStatsRepository(readDB, logger), logger)
	}
	webServer := api.NewServer(&api.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Production: cfg.Server.Production,
	}, routes, logger)

	go func() {
		if err := webServer.Run(); err != nil {
			logger.WithCaller().Error("Web server error", logger.Args("error", err))
		}
	}()

	logger.Info("AgentLog is running",
		logger.Args(
			"url", pterm.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
			"sources", sourceRegistry.Len(),
			"watched_files", coordinator.GetProcessorCount(),
		))

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping services...")

	// Stop web server first (this will close SSE connections)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.WithCaller().Error("Web server shutdown error", logger.Args("error", err))
	}

	// Stop readers, then drain the bus into the sink
	logger.Debug("Stopping watcher supervisor...")
	coordinator.StopPeriodicValidation()
	coordinator.StopWatching()

	logger.Debug("Draining bus...")
	bus.Close()
	select {
	case <-sink.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Storage sink did not finish flushing before the shutdown deadline")
	}

	engine.Stop()
	if cleanupService != nil {
		cleanupService.Stop()
	}
	for _, pm := range poolMonitors {
		pm.Stop()
	}
	stopRun()

	if err := store.Close(); err != nil {
		logger.Warn("Failed to close store", logger.Args("error", err))
	}
	if readDB != nil && readDB != db {
		_ = database.Close(readDB)
	}
	if db != nil {
		if err := database.Close(db); err != nil {
			logger.Warn("Failed to close database", logger.Args("error", err))
		}
	}

	logger.Info("AgentLog stopped gracefully", logger.Args("written", sink.Stats().Written))
}

func setEnvIf(key, value string) {
	if value != "" {
		os.Setenv(key, value)
	}
}

// newLogger applies LOG_LEVEL and LOG_FORMAT.
// Supported levels: trace, debug, info, warn, error, fatal
func newLogger(level, format string) *pterm.Logger {
	var ptermLevel pterm.LogLevel
	switch strings.ToLower(level) {
	case "trace":
		ptermLevel = pterm.LogLevelTrace
	case "debug":
		ptermLevel = pterm.LogLevelDebug
	case "warn", "warning":
		ptermLevel = pterm.LogLevelWarn
	case "error":
		ptermLevel = pterm.LogLevelError
	case "fatal":
		ptermLevel = pterm.LogLevelFatal
	default:
		ptermLevel = pterm.LogLevelInfo
	}

	logger := pterm.DefaultLogger.WithLevel(ptermLevel)
	if strings.EqualFold(format, "json") {
		logger = logger.WithFormatter(pterm.LogFormatterJSON)
	}
	logger.Debug("Log level set", logger.Args("level", level, "format", format))
	return logger
}

func startPoolMonitors(ctx context.Context, cfg *database.Config, logger *pterm.Logger, pools map[string]*gorm.DB) []*database.PoolMonitor {
	var monitors []*database.PoolMonitor
	seen := make(map[*gorm.DB]bool)
	for _, name := range []string{"writer", "reader"} {
		db := pools[name]
		if db == nil || seen[db] {
			continue
		}
		seen[db] = true
		sqlDB, err := db.DB()
		if err != nil {
			logger.Warn("Pool monitoring unavailable", logger.Args("pool", name, "error", err))
			continue
		}
		pm := database.NewPoolMonitor(name, sqlDB, cfg, logger)
		pm.Start(ctx)
		monitors = append(monitors, pm)
	}
	return monitors
}

// pruneLoop drops expired blocks from the memory store between seals, so an
// idle store still honours retention.
func pruneLoop(ctx context.Context, store *storage.MemoryStore, interval time.Duration, logger *pterm.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Prune(); n > 0 {
				logger.Info("Pruned expired blocks", logger.Args("blocks", n))
			}
		}
	}
}
