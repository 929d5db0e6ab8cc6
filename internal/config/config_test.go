package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"storage": {"records": "memory"}}`))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Jobs.RetryBaseDelay())
	assert.Equal(t, 500, cfg.Jobs.ChunkSize)
	require.NotNil(t, cfg.Jobs.FailureThreshold)
	assert.InDelta(t, 0.10, *cfg.Jobs.FailureThreshold, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Jobs.StorageTimeout())
	assert.Equal(t, 64, cfg.Jobs.SubscriberBuffer)
	assert.Equal(t, 70, cfg.Jobs.SuggestThreshold)
	assert.Equal(t, time.Hour, cfg.Jobs.SnapshotTTL())
	assert.Equal(t, "local", cfg.Storage.Artifacts)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigKeepsExplicitValues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{
		"port": 9000,
		"mongodb": {"uri": "mongodb://localhost:27017", "db": "imports"},
		"jobs": {"workers": 8, "chunk_size": 1000, "failure_threshold": 0.25},
		"auth": {"enabled": true, "tokens": {"secret": {"principal": "ops", "actions": ["import.create"]}}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "imports", cfg.MongoDB.DB)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 1000, cfg.Jobs.ChunkSize)
	require.NotNil(t, cfg.Jobs.FailureThreshold)
	assert.InDelta(t, 0.25, *cfg.Jobs.FailureThreshold, 1e-9)
	assert.Equal(t, "ops", cfg.Auth.Tokens["secret"].Principal)
}

func TestLoadConfigKeepsZeroThreshold(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"storage": {"records": "memory"}, "jobs": {"failure_threshold": 0}}`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Jobs.FailureThreshold)
	assert.Zero(t, *cfg.Jobs.FailureThreshold)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "negative workers", body: `{"storage": {"records": "memory"}, "jobs": {"workers": -1}}`, want: "jobs.workers"},
		{name: "threshold above one", body: `{"storage": {"records": "memory"}, "jobs": {"failure_threshold": 1.5}}`, want: "failure_threshold"},
		{name: "mongodb without uri", body: `{}`, want: "mongodb.uri"},
		{name: "unknown artifact backend", body: `{"storage": {"records": "memory", "artifacts": "ftp"}}`, want: "storage.artifacts"},
		{name: "s3 artifacts without bucket", body: `{"storage": {"records": "memory", "artifacts": "s3"}}`, want: "s3 must be enabled"},
		{name: "rabbit without url", body: `{"storage": {"records": "memory"}, "rabbitmq": {"enabled": true}}`, want: "rabbitmq.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{not json`))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, Path())

	t.Setenv(EnvConfigPath, "/etc/ferry.json")
	assert.Equal(t, "/etc/ferry.json", Path())
}
