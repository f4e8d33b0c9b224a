// Package main is the entry point for the sync engine server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncstorage/sync-engine/internal/api"
	"github.com/syncstorage/sync-engine/internal/api/handlers"
	"github.com/syncstorage/sync-engine/internal/apikey"
	apikeystore "github.com/syncstorage/sync-engine/internal/apikey/store"
	"github.com/syncstorage/sync-engine/internal/config"
	"github.com/syncstorage/sync-engine/internal/conflict"
	postgresdb "github.com/syncstorage/sync-engine/internal/database/postgres"
	"github.com/syncstorage/sync-engine/internal/dispatch"
	"github.com/syncstorage/sync-engine/internal/queue"
	"github.com/syncstorage/sync-engine/internal/realtime"
	"github.com/syncstorage/sync-engine/internal/storage"
)

const serviceName = "sync-engine"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Multi-device key/value synchronization engine",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting sync engine", "profile", cfg.GetProfileName(), "version", cfg.App.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, keyStore, closeStorage, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStorage()

	realtimeMetrics := realtime.NewRealtimeMetrics("sync_engine")
	bus := realtime.NewEventBus(logger, realtimeMetrics)
	publisher := realtime.NewEventPublisher(bus, logger, realtimeMetrics)
	hub := realtime.NewHub(logger, realtimeMetrics)

	queueMetrics := queue.NewMetrics("sync_engine")
	queueManager := queue.NewManager(hub, logger, queueMetrics)

	conflictEngine := conflict.NewEngine(repo, logger)
	dispatcher := dispatch.NewDispatcher(repo, conflictEngine, publisher, logger)

	wsCommands := handlers.NewWSCommandHandler(dispatcher, queueManager, logger)
	hub.SetCommandHandler(wsCommands)

	if err := bus.Subscribe(hub); err != nil {
		return fmt.Errorf("failed to subscribe hub to event bus: %w", err)
	}
	if err := bus.Subscribe(queueManager); err != nil {
		return fmt.Errorf("failed to subscribe offline queue to event bus: %w", err)
	}

	if cfg.Realtime.RelayEnabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		relay := realtime.NewRelay(redisClient, cfg.Realtime.RelayChannel, bus, logger)
		if err := bus.Subscribe(relay); err != nil {
			return fmt.Errorf("failed to subscribe redis relay to event bus: %w", err)
		}
		go relay.Run(ctx)
	}

	apiKeyMetrics := apikey.NewMetrics("sync_engine")
	gate := apikey.NewGate(keyStore, apikey.NoopResolver{}, logger, apiKeyMetrics)

	schedulerMetrics := queue.NewMetrics("sync_engine_scheduler")
	scheduler := queue.NewScheduler(keyStore, queueManager, logger, schedulerMetrics)

	itemHandlers := handlers.NewItemHandlers(dispatcher, logger)
	conflictHandlers := handlers.NewConflictHandlers(repo, conflictEngine, logger)

	router := api.NewRouter(api.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Gate:      gate,
		Items:     itemHandlers,
		Conflicts: conflictHandlers,
		Hub:       hub,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	go hub.Start(ctx)
	go scheduler.Run(ctx)

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	hub.Stop()
	_ = bus.Stop(shutdownCtx)

	logger.Info("sync engine stopped")
	return nil
}

// buildStorage constructs the repository and API-key store for the
// configured profile: embedded SQLite + in-memory keys for lite, Postgres
// for standard.
func buildStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Repository, apikeystore.Store, func(), error) {
	if cfg.UsesEmbeddedStorage() {
		repo, err := storage.NewRepository(ctx, cfg, nil, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return repo, apikeystore.NewMemoryStore(), func() { repo.Close() }, nil
	}

	pgConfig := postgresdb.DefaultConfig()
	pgConfig.Host = cfg.Database.Host
	pgConfig.Port = cfg.Database.Port
	pgConfig.Database = cfg.Database.Database
	pgConfig.User = cfg.Database.Username
	pgConfig.Password = cfg.Database.Password
	pgConfig.SSLMode = cfg.Database.SSLMode
	pgConfig.MaxConns = int32(cfg.Database.MaxConnections)
	pgConfig.MinConns = int32(cfg.Database.MinConnections)
	pgConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	pgConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	pgConfig.ConnectTimeout = cfg.Database.ConnectTimeout

	pool := postgresdb.NewPostgresPool(pgConfig, logger)
	if err := pool.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}

	repo, err := storage.NewRepository(ctx, cfg, pool.Pool(), logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	keyStore := apikeystore.NewPostgresStore(pool.Pool())
	return repo, keyStore, func() { repo.Close(); pool.Close() }, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.Log.Output == "file" && cfg.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.Filename,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		}
	}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", serviceName)
}
