package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 30*time.Second, cfg.Namespace.HealthInterval)
	require.Equal(t, 300*time.Second, cfg.Client.SyncInterval)
	require.Equal(t, 3, cfg.Client.MaxRetries)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
storage:
  index_dsn: postgres://db/alem
namespace:
  persist_interval: 2m
client:
  max_retries: 5
`), 0o600))

	cfg, err := Load(path, envMap(map[string]string{
		"ALEM_ADDR":           ":9100",
		"ALEM_SYNC_INTERVAL":  "10m",
		"ALEM_MAX_BODY_BYTES": "1024",
	}))
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Server.Addr)
	require.Equal(t, "postgres://db/alem", cfg.Storage.IndexDSN)
	require.Equal(t, 2*time.Minute, cfg.Namespace.PersistInterval)
	require.Equal(t, 5, cfg.Client.MaxRetries)
	require.Equal(t, 10*time.Minute, cfg.Client.SyncInterval)
	require.Equal(t, int64(1024), cfg.Server.MaxBodyBytes)
	require.Equal(t, "memory://", cfg.Storage.BlobDSN)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"ALEM_SYNC_TIMEOUT": "soon"}))
	require.ErrorContains(t, err, "ALEM_SYNC_TIMEOUT")

	_, err = Load("", envMap(map[string]string{"ALEM_MAX_RETRIES": "0"}))
	require.ErrorContains(t, err, "max_retries")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = Load(path, envMap(nil))
	require.Error(t, err)
}
