package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/config"
	"pollenisator/internal/store"
)

type closeRecorder struct {
	store.Backend
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.Backend.Close()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Backend: "memory"},
		Files:    config.FilesConfig{Root: t.TempDir()},
		Workers:  config.WorkersConfig{MaxRunning: 5, RPCTimeout: time.Second, HeartbeatTimeout: 3 * time.Second, TokenTTL: time.Hour},
		Autoscan: config.AutoscanConfig{Tick: time.Second},
		Log:      config.LogConfig{Level: "error"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestAppCloseReleasesStore(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t))
	require.NoError(t, err)

	backend := &closeRecorder{Backend: store.NewMemoryBackend()}
	app.store = store.New(backend)
	app.Close()

	assert.True(t, backend.closed)
}

func TestNewAppSensitivePaths(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Plugins.SensitivePaths = filepath.Join(t.TempDir(), "absent.yaml")
		_, err := NewApp(context.Background(), cfg)
		assert.Error(t, err)
	})

	t.Run("loaded", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Plugins.SensitivePaths = filepath.Join(t.TempDir(), "paths.txt")
		require.NoError(t, os.WriteFile(cfg.Plugins.SensitivePaths, []byte("/internal/.*\n"), 0o600))
		app, err := NewApp(context.Background(), cfg)
		require.NoError(t, err)
		app.Close()
	})
}
