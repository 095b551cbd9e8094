package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	path := writeConfig(t, `
node:
  store_id: store-7
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "data/syncd.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.Sync.Interval))
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, time.Duration(cfg.Sync.BackoffBase))
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.Sync.BackoffCap))
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "store-7", cfg.Node.StoreID)
	// A node ID is generated when none is configured.
	assert.NotEmpty(t, cfg.Node.NodeID)
}

func TestLoadFromFile_YAMLOverridesDefaults(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	path := writeConfig(t, `
server:
  port: 9001
  shutdown_timeout: 5s
node:
  node_id: pos-lane-3
  store_id: store-7
sync:
  interval: 30s
  batch_size: 25
  backoff_base: 500ms
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Server.ShutdownTimeout))
	assert.Equal(t, "pos-lane-3", cfg.Node.NodeID)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.Sync.Interval))
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Sync.BackoffBase))
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Sync.Workers)
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	t.Setenv("SYNCD_PORT", "9999")
	t.Setenv("SYNCD_SYNC_INTERVAL", "10s")
	t.Setenv("SYNCD_STORE_ID", "store-9")
	path := writeConfig(t, `
server:
  port: 9001
node:
  store_id: store-7
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.Sync.Interval))
	assert.Equal(t, "store-9", cfg.Node.StoreID)
}

func TestLoadFromFile_SecretsAreEnvOnly(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	t.Setenv("SYNCD_API_KEY", "local-secret")
	t.Setenv("SYNCD_REMOTE_API_KEY", "remote-secret")
	path := writeConfig(t, `
node:
  store_id: store-7
auth:
  api_key: from-yaml-must-be-ignored
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "local-secret", cfg.Auth.APIKey)
	assert.Equal(t, "remote-secret", cfg.Remote.APIKey)
}

func TestValidate_RequiredFields(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	path := writeConfig(t, `{}`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_id")
}

func TestValidate_RequiresKeysOutsideDevMode(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "")
	t.Setenv("SYNCD_API_KEY", "")
	t.Setenv("SYNCD_REMOTE_API_KEY", "")
	path := writeConfig(t, `
node:
  store_id: store-7
remote:
  base_url: https://central.example.com
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNCD_API_KEY")
}

func TestDuration_RejectsMalformedValues(t *testing.T) {
	t.Setenv("SYNCD_DEV_MODE", "true")
	path := writeConfig(t, `
node:
  store_id: store-7
sync:
  interval: soon
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
