// Command nvrd is the NVR core recording/retention daemon: it ingests configured camera
// streams, records them under trigger/schedule/retention rules, and serves the command API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/keepframe/corenvr/internal/api"
	"github.com/keepframe/corenvr/internal/config"
	"github.com/keepframe/corenvr/internal/core"
	"github.com/keepframe/corenvr/internal/database"
	"github.com/keepframe/corenvr/internal/logging"
	"github.com/keepframe/corenvr/internal/recording"
)

const shutdownTimeout = 10 * time.Second

// Exit codes per the command API's environment/CLI contract.
const (
	exitOK             = 0
	exitConfigInvalid  = 2
	exitMigrationFail  = 3
	exitStorageRootBad = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "/etc/nvrd/config.yaml", "path to the YAML configuration file")
		dbPath      = flag.String("db-path", "", "override the metadata store path")
		storagePath = flag.String("storage-path", "", "override the recording storage root")
		hlsPath     = flag.String("hls-path", "", "override the HLS publish root")
		daemon      = flag.Bool("daemon", false, "run detached; use JSON logging regardless of TTY")
		pidFile     = flag.String("pid-file", "", "write the process PID to this file")
		logLevel    = flag.String("log-level", "info", "error, warn, info, or debug")
	)
	flag.Parse()

	logger := setupLogging(*logLevel, *daemon)
	slog.SetDefault(logger)

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			logger.Error("failed to write pid file", "error", err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config invalid", "error", err)
		return exitConfigInvalid
	}
	if *dbPath != "" {
		cfg.System.Database.Path = *dbPath
	}
	if *storagePath != "" {
		cfg.System.StoragePath = *storagePath
	}
	storageRoot := cfg.System.StoragePath
	if storageRoot == "" {
		storageRoot = "/data"
	}
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		logger.Error("storage root inaccessible", "path", storageRoot, "error", err)
		return exitStorageRootBad
	}

	hlsRoot := *hlsPath
	if hlsRoot == "" {
		hlsRoot = filepath.Join(storageRoot, "hls")
	}

	dbCfg := database.DefaultConfig(filepath.Dir(cfg.System.Database.Path))
	if cfg.System.Database.Path != "" {
		dbCfg.Path = cfg.System.Database.Path
	}
	db, err := database.Open(dbCfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return exitMigrationFail
	}
	defer db.Close()

	projection := database.NewProjection(db)
	migrator := database.NewMigrator(db, filepath.Join(filepath.Dir(dbCfg.Path), "migrations"), projection)
	if err := migrator.Up(context.Background()); err != nil {
		logger.Error("schema migration failed", "error", err)
		return exitMigrationFail
	}
	statuses, err := migrator.GetStatus(context.Background())
	dbVersion := 0
	if err == nil {
		for _, m := range statuses {
			if !m.AppliedAt.IsZero() && m.Version > dbVersion {
				dbVersion = m.Version
			}
		}
	}

	bus, err := core.NewEventBus(core.DefaultEventBusConfig(), logger)
	if err != nil {
		logger.Error("failed to start event bus", "error", err)
		return exitMigrationFail
	}
	defer bus.Stop()

	shutdown := core.NewShutdownCoordinator(logger)

	repo := recording.NewSQLiteRepository(db).WithProjection(projection)
	thumbnailPath := filepath.Join(storageRoot, "thumbnails")
	handler := recording.NewDefaultSegmentHandler(storageRoot, thumbnailPath)
	storageCtrl := recording.NewStorageController(cfg, repo, handler, storageRoot, bus)

	manager := recording.NewManager(recording.ManagerConfig{
		Repository:  repo,
		Handler:     handler,
		Bus:         bus,
		Storage:     storageCtrl,
		Shutdown:    shutdown,
		StoragePath: storageRoot,
		HLSRoot:     hlsRoot,
	})

	if err := recording.ImportCameras(context.Background(), repo, cfg.Cameras); err != nil {
		logger.Error("camera import failed", "error", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = manager.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Error("failed to start recording manager", "error", err)
		return exitMigrationFail
	}

	cfg.OnChange(func(updated *config.Config) {
		if err := recording.ImportCameras(context.Background(), repo, updated.Cameras); err != nil {
			logger.Error("camera re-import after config change failed", "error", err)
		}
		_ = bus.Publish(core.SubjectConfigChanged, map[string]any{"path": *configPath})
	})
	if err := cfg.Watch(); err != nil {
		logger.Warn("config hot-reload watch failed to start", "error", err)
	}

	server := api.NewServer(api.Config{
		Repository: repo,
		Service:    manager,
		Bus:        bus,
		Shutdown:   shutdown,
		DB:         db,
		DBVersion:  dbVersion,
	})

	apiPort, err := core.GetPortManager().ReserveOrFind(core.DefaultAPIPort, "nvr-api")
	if err != nil {
		logger.Error("failed to allocate command API port", "error", err)
		return exitMigrationFail
	}
	core.SetCurrentPortConfig(&core.PortConfig{API: apiPort, NATS: bus.Port()})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", apiPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	shutdown.Register(&core.Worker{
		Name: "command-api", Kind: core.KindPublisher,
		Stop: func(ctx context.Context) error { return httpSrv.Shutdown(ctx) },
	})

	go func() {
		logger.Info("command API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("command API server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	_ = bus.Publish(core.SubjectShutdownInitiated, map[string]any{"signal": sig.String()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown.Shutdown(shutdownCtx, shutdownTimeout)

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("manager stop returned error", "error", err)
	}

	if *pidFile != "" {
		_ = os.Remove(*pidFile)
	}
	return exitOK
}

func setupLogging(level string, daemon bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	buffer := logging.GetLogBuffer()
	if daemon {
		return slog.New(logging.NewStreamHandler(buffer, os.Stdout, lvl))
	}
	return slog.New(logging.NewStreamHandlerText(buffer, os.Stdout, lvl))
}
