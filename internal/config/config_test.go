package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultStorageRoot, cfg.StorageRoot)
	assert.Equal(t, DefaultListen, cfg.Listen)

	host, _, err := net.SplitHostPort(cfg.Admin)
	require.NoError(t, err)
	assert.True(t, net.ParseIP(host).IsLoopback(), "admin endpoints must default to loopback, got %q", cfg.Admin)
}

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	yml := "listen: 127.0.0.1:7000\nstorage_root: /srv/quarry\nheartbeat: 2s\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv(EnvStorageRoot, "/data/quarry")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvAdmin, "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "/data/quarry", cfg.StorageRoot, "environment overrides file")
	assert.Equal(t, 2*time.Second, cfg.Heartbeat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin)
	assert.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad heartbeat env", func(t *testing.T) {
		t.Setenv(EnvHeartbeat, "soon")
		_, err := Load("")
		assert.ErrorContains(t, err, EnvHeartbeat)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{name: "empty listen", mutate: func(c *Config) { c.Listen = "" }, field: "Listen"},
		{name: "empty storage root", mutate: func(c *Config) { c.StorageRoot = "" }, field: "StorageRoot"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Heartbeat = 0 }, field: "Heartbeat"},
		{name: "unknown level", mutate: func(c *Config) { c.LogLevel = "loud" }, field: "LogLevel"},
		{name: "bad advertise", mutate: func(c *Config) { c.Advertise = "not a host!" }, field: "Advertise"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	cfg := Default()
	cfg.Advertise = "10.0.0.7"
	assert.NoError(t, cfg.Validate())
}
