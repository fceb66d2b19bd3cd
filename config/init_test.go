package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	sc, err := Parse([]byte(`
runner:
  drain_interval: 3s
session:
  instance_name: ci
`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, sc.RunnerConfig.DrainInterval)
	assert.Equal(t, "sqlstress-worker", sc.RunnerConfig.ApplicationName)
	assert.Equal(t, "ci", sc.SessionConfig.InstanceName)
	assert.Equal(t, 4096, sc.SessionConfig.RingBufferKB)
	assert.Equal(t, "ring_buffer", sc.EventSourceConfig.Kind)
	assert.Equal(t, ":8080", sc.HttpConfig.Listen)
	assert.Nil(t, sc.DBConf)
}

func TestParseAcceptsJson(t *testing.T) {
	sc, err := Parse([]byte(`{"connections": [{"id": "local", "server": "127.0.0.1", "port": 1433}],
		"log_format": {"json": false, "level": "debug"}}`))
	require.NoError(t, err)
	require.Len(t, sc.Connections, 1)
	assert.Equal(t, "local", sc.Connections[0].ID)
	assert.Equal(t, 1433, sc.Connections[0].Port)
	assert.Equal(t, "debug", sc.LogFormat.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromEnvPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("http:\n  listen: \":9999\"\n"), 0644))
	t.Setenv(configPathEnv, p)
	sc, err := Load(ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, ":9999", sc.HttpConfig.Listen)
	assert.Equal(t, "*", sc.HttpConfig.AllowOrigin)
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(&TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
