package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/provider"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, backendMemory, cfg.Backend)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, offloadNone, cfg.Offload)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval)
	assert.Equal(t, 4, cfg.EchoConcurrency)
	assert.Equal(t, "cts_schema_history", cfg.Postgres.MigrationsTable)
	assert.Equal(t, "clustertasks.db", cfg.SQLite.Path)

	s := cfg.settings()
	assert.Equal(t, provider.StaleRecover, s.StalePolicy)
	assert.Equal(t, time.Minute, s.FinishedRetention)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("CTS_BACKEND", "sqlite")
	t.Setenv("CTS_STALE_POLICY", "fail")
	t.Setenv("CTS_POLL_INTERVAL", "2s")
	t.Setenv("SQLITE_PATH", "/tmp/cts.db")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, backendSQLite, cfg.Backend)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, "/tmp/cts.db", cfg.SQLite.Path)
	assert.Equal(t, provider.StaleFail, cfg.settings().StalePolicy)
}

func TestLoadConfig_FileOverridesEnv(t *testing.T) {
	t.Setenv("CTS_BACKEND", "sqlite")
	t.Setenv("CTS_ECHO_CONCURRENCY", "2")

	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: postgres
heartbeat_cron: "@hourly"
finished_retention: 5m
postgres:
  conn_url: postgres://localhost/cts
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, backendPostgres, cfg.Backend)
	assert.Equal(t, "@hourly", cfg.HeartbeatCron)
	assert.Equal(t, "postgres://localhost/cts", cfg.Postgres.ConnectionString)
	assert.Equal(t, 5*time.Minute, cfg.settings().FinishedRetention)
	assert.Equal(t, 2, cfg.EchoConcurrency, "env values the file does not set are kept")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want error
	}{
		{name: "backend", env: map[string]string{"CTS_BACKEND": "oracle"}, want: ErrUnknownBackend},
		{name: "offload", env: map[string]string{"CTS_OFFLOAD": "gcs"}, want: ErrUnknownOffload},
		{name: "stale policy", env: map[string]string{"CTS_STALE_POLICY": "retry"}, want: ErrInvalidConfig},
		{name: "failure policy", env: map[string]string{"CTS_FAILURE_POLICY": "retry"}, want: ErrInvalidConfig},
		{name: "offload threshold", env: map[string]string{"CTS_OFFLOAD": "redis", "CTS_OFFLOAD_THRESHOLD": "0"}, want: ErrInvalidConfig},
		{name: "echo concurrency", env: map[string]string{"CTS_ECHO_CONCURRENCY": "0"}, want: ErrInvalidConfig},
		{name: "malformed duration", env: map[string]string{"CTS_GC_INTERVAL": "soon"}, want: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProcessors(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	procs, err := newProcessors(cfg, logger.NewNope())
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, echoType, procs[0].Type())
	assert.Equal(t, 4, procs[0].Concurrency())
	assert.Equal(t, heartbeatType, procs[1].Type())

	cfg.HeartbeatCron = "every tuesday"
	_, err = newProcessors(cfg, logger.NewNope())
	require.Error(t, err)
}
