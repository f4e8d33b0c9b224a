package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncstorage/sync-engine/internal/config"
	"github.com/syncstorage/sync-engine/internal/storage/postgres"
	"github.com/syncstorage/sync-engine/internal/storage/sqlite"
)

// NewRepository selects and constructs the Repository implementation for
// cfg's deployment profile.
//
//	// standard profile (PostgreSQL)
//	repo, err := storage.NewRepository(ctx, cfg, pgPool, logger)
//
//	// lite profile (SQLite)
//	repo, err := storage.NewRepository(ctx, cfg, nil, logger)
func NewRepository(
	ctx context.Context,
	cfg *config.Config,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
) (Repository, error) {
	start := time.Now()

	if cfg == nil {
		return nil, &ErrInvalidProfile{Profile: "", Cause: fmt.Errorf("config cannot be nil")}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, &ErrInvalidProfile{Profile: string(cfg.Profile), Cause: err}
	}

	logger.Info("initializing storage backend", "profile", cfg.Profile, "backend", cfg.Storage.Backend)

	var repo Repository
	var err error

	switch {
	case cfg.IsLiteProfile():
		repo, err = initLiteRepository(ctx, cfg, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "sqlite", Profile: string(cfg.Profile), Cause: err}
		}

	case cfg.IsStandardProfile():
		repo, err = initStandardRepository(ctx, pgPool, logger)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "postgres", Profile: string(cfg.Profile), Cause: err}
		}

	default:
		return nil, &ErrInvalidProfile{
			Profile: string(cfg.Profile),
			Cause:   fmt.Errorf("unknown deployment profile: %s", cfg.Profile),
		}
	}

	duration := time.Since(start)
	logger.Info("storage backend initialized",
		"profile", cfg.Profile,
		"backend", cfg.Storage.Backend,
		"duration_ms", duration.Milliseconds(),
	)

	RecordOperation("init", string(cfg.Storage.Backend), "success")
	RecordOperationDuration("init", string(cfg.Storage.Backend), duration.Seconds())

	return repo, nil
}

func initLiteRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Repository, error) {
	if cfg.Storage.FilesystemPath == "" {
		return nil, fmt.Errorf("lite profile requires storage.filesystem_path (e.g., /data/sync-engine.db)")
	}

	repo, err := sqlite.NewRepository(ctx, cfg.Storage.FilesystemPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite repository: %w", err)
	}

	SetSQLiteFileSize(repo.FileSize())
	SetBackendType("sqlite", 1)
	return repo, nil
}

func initStandardRepository(ctx context.Context, pgPool *pgxpool.Pool, logger *slog.Logger) (Repository, error) {
	if pgPool == nil {
		return nil, fmt.Errorf("postgresql pool is nil (required for standard profile)")
	}
	if err := pgPool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}

	stats := pgPool.Stat()
	logger.Info("postgresql connection verified",
		"total_conns", stats.TotalConns(),
		"idle_conns", stats.IdleConns(),
		"acquired_conns", stats.AcquiredConns(),
	)

	repo := postgres.NewRepository(pgPool, logger)

	SetBackendType("postgres", 2)
	SetConnectionStats("postgres", stats.TotalConns(), stats.IdleConns(), stats.AcquiredConns())

	return repo, nil
}
