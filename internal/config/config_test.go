package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8790, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Second, cfg.Relay.AbortGrace)
	assert.Equal(t, 2, cfg.Prompt.MaxStages)
	assert.Equal(t, 60*time.Second, cfg.Prompt.StageInterval)
	assert.True(t, cfg.Maintenance.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
gateway:
  port: 9999
log:
  level: debug
relay:
  abort_grace: 3s
prompt:
  max_stages: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Gateway.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Relay.AbortGrace)
	assert.Equal(t, 5, cfg.Prompt.MaxStages)
	// Untouched keys keep defaults.
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8790, cfg.Gateway.Port)
}

func TestSaveTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := &Config{Version: "1"}
	cfg.Gateway.Port = 1234

	require.NoError(t, SaveTo(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Gateway.Port)
}
