package appctx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ProjectDir = t.TempDir()
	return cfg
}

func TestNewSeedsConfigTable(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	values, err := app.Store.EnumerateConfig()
	require.NoError(t, err)
	require.Equal(t, "4", values["max_workers"])
	require.Equal(t, "60", values["heartbeat_timeout_s"])
	require.Equal(t, "true", values["merge_validation"])
}

func TestReloadConfigUpdatesStoreTable(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	changed := cfg
	changed.ActivityLogRetentionDays = 7
	require.NoError(t, app.ReloadConfig(changed))

	values, err := app.Store.EnumerateConfig()
	require.NoError(t, err)
	require.Equal(t, "7", values["activity_log_retention_days"])
	require.Equal(t, 7, app.Config.ActivityLogRetentionDays)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWorkers = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestListenAndRunShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	require.NoError(t, app.Listen())
	require.FileExists(t, filepath.Join(filepath.Dir(app.socketPath), "socket-path"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
