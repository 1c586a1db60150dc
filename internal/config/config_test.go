package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendPebble, cfg.Backend)
	assert.Equal(t, "viewstore-data", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 256, cfg.Query.CacheSize)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, 5, cfg.Retry().MaxAttempts)
	assert.Equal(t, "info", cfg.Logger().Level)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "viewstore.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
backend: memory
log:
  level: debug
sync:
  interval: 1m
  workers: 2
query:
  cache_size: 10
`), 0o644))

	t.Setenv("VIEWSTORE_SYNC_WORKERS", "8")
	t.Setenv("VIEWSTORE_SERVER_GRPC_PORT", "6000")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--grpc-port", "7000"}))

	v := New()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := Load(v, file)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Query.CacheSize)
	// env beats file
	assert.Equal(t, 8, cfg.Sync.Workers)
	// a set flag beats env
	assert.Equal(t, 7000, cfg.Server.GRPCPort)
	// unset flags fall through to defaults
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	v := New()
	v.Set("backend", "sqlite")
	v.Set("sync.workers", 0)
	v.Set("server.metrics_port", 70000)

	_, err := Load(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "sqlite"`)
	assert.Contains(t, err.Error(), "sync.workers")
	assert.Contains(t, err.Error(), "metrics_port")
}
