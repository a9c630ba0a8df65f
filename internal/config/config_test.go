package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[pool]
concurrency = 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Pool.Concurrency)
	require.Equal(t, 0.8, cfg.Pool.BackpressureThreshold)
	require.Equal(t, 300.0, cfg.Queue.LeaseDuration.Duration.Seconds())
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, 0.05, cfg.Budget.AdmissionSlackPct)
}

func TestLoadRejectsBadBackpressureThreshold(t *testing.T) {
	path := writeTempConfig(t, `
[pool]
backpressure_threshold = 1.5
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresRedisAddrForRedisBackend(t *testing.T) {
	path := writeTempConfig(t, `
[queue]
backend = "redis"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestManagerReloadSwapsConfig(t *testing.T) {
	path := writeTempConfig(t, `
[pool]
concurrency = 2
`)

	mgr, err := LoadManager(path)
	require.NoError(t, err)
	require.Equal(t, 2, mgr.Get().Pool.Concurrency)

	require.NoError(t, os.WriteFile(path, []byte(`
[pool]
concurrency = 9
`), 0o644))

	require.NoError(t, mgr.Reload(path))
	require.Equal(t, 9, mgr.Get().Pool.Concurrency)
}
