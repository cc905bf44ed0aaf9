package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8765", cfg.Addr())
	assert.Equal(t, "http://127.0.0.1:8081", cfg.Segmentation.URL)
	assert.Equal(t, "recordings", cfg.Recordings.Dir)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "admin", cfg.Auth.Username)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
segmentation:
  url: http://seg:8081
recordings:
  dir: /data/recordings
auth:
  enabled: true
  username: operator
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "http://seg:8081", cfg.Segmentation.URL)
	assert.Equal(t, "/data/recordings", cfg.Recordings.Dir)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "operator", cfg.Auth.Username)
	// Untouched keys keep their defaults.
	assert.Equal(t, "recordings/catalog.db", cfg.Recordings.CatalogPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "secret")
	t.Setenv("JWT_SECRET", "jwt-secret")
	t.Setenv("SEGMENTATION_URL", "http://other:9999")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "secret", cfg.Auth.Password)
	assert.Equal(t, "jwt-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "http://other:9999", cfg.Segmentation.URL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
