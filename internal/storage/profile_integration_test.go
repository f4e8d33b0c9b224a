package storage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/config"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/storage/sqlite"
)

// TestProfileIntegration_Lite validates the full profile -> repository flow
// for the lite deployment profile.
func TestProfileIntegration_Lite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := newLiteConfig(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	repo, err := storage.NewRepository(ctx, cfg, nil, logger)
	require.NoError(t, err)
	require.NotNil(t, repo)

	_, ok := repo.(*sqlite.Storage)
	assert.True(t, ok, "lite profile should use the sqlite repository")
}

// TestProfileIntegration_Standard_WithoutPostgres validates that the
// standard profile errors rather than silently falling back when no pool
// is supplied.
func TestProfileIntegration_Standard_WithoutPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg := newStandardConfig(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	repo, err := storage.NewRepository(ctx, cfg, nil, logger)

	assert.Error(t, err)
	assert.Nil(t, repo)
	assert.Contains(t, err.Error(), "postgresql pool is nil")
}

func newLiteConfig(t *testing.T) *config.Config {
	return &config.Config{
		Profile: config.ProfileLite,
		Storage: config.StorageConfig{
			Backend:        config.StorageBackendFilesystem,
			FilesystemPath: t.TempDir() + "/lite-test.db",
		},
		Server: config.ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: config.DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			Database:       "test",
			Username:       "test",
			Password:       "test",
			SSLMode:        "disable",
			MaxConnections: 10,
			MinConnections: 2,
		},
		Log: config.LogConfig{
			Level:  "info",
			Format: "json",
		},
		App: config.AppConfig{
			Name: "sync-engine-test",
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
		},
	}
}

func newStandardConfig(t *testing.T) *config.Config {
	return &config.Config{
		Profile: config.ProfileStandard,
		Storage: config.StorageConfig{
			Backend: config.StorageBackendPostgres,
		},
		Server: config.ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: config.DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			Database:       "test",
			Username:       "test",
			Password:       "test",
			SSLMode:        "disable",
			MaxConnections: 10,
			MinConnections: 2,
		},
		Log: config.LogConfig{
			Level:  "info",
			Format: "json",
		},
		App: config.AppConfig{
			Name: "sync-engine-test",
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
		},
	}
}
