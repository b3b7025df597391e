package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprolock/internal/lock"
	"reprolock/internal/logging"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("DATA_ROOT", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, lock.DefaultConfig(), cfg.Lock.Builder())
	assert.Equal(t, 10*time.Minute, cfg.Verify.Timeout)
	assert.Equal(t, 4096, cfg.Verify.TailBytes)
	assert.True(t, cfg.Verify.KeepScratch)
	assert.Empty(t, cfg.Signing.Secret)
	assert.Empty(t, cfg.History.Dir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reprolock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
lock:
  mode: collect
  missing_field: fail
  exclude: ["*_grid.json", "sidecars/*.json"]
verify:
  timeout: 90s
history:
  dir: /var/lib/reprolock
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"*_grid.json", "sidecars/*.json"}, cfg.Lock.Builder().Exclude)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, lock.ModeCollect, cfg.Lock.Builder().Mode)
	assert.Equal(t, lock.MissingFail, cfg.Lock.Builder().MissingField)
	assert.True(t, cfg.Lock.StrictCanonical, "unset keys keep their default")
	assert.Equal(t, 90*time.Second, cfg.Verify.Timeout)
	assert.Equal(t, "/var/lib/reprolock", cfg.History.Dir)

	lc := cfg.Log.Logging()
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.True(t, lc.JSON)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reprolock.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lock":{"mode":"collect"}}`), 0o644))
	t.Setenv("REPROLOCK_LOCK_MODE", "strict")
	t.Setenv("REPROLOCK_SIGNING_SECRET", "s3cret")
	t.Setenv("DATA_ROOT", "/data/run-7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", cfg.Lock.Mode)
	assert.Equal(t, "s3cret", cfg.Signing.Secret)
	assert.Equal(t, "/data/run-7", cfg.DataRoot)
}

func TestLoad_PrefixedDataRootWins(t *testing.T) {
	t.Setenv("DATA_ROOT", "/plain")
	t.Setenv("REPROLOCK_DATA_ROOT", "/prefixed")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/prefixed", cfg.DataRoot)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"unknown lock mode", "REPROLOCK_LOCK_MODE", "lenient"},
		{"unknown missing-field action", "REPROLOCK_LOCK_MISSING_FIELD", "shrug"},
		{"unknown log format", "REPROLOCK_LOG_FORMAT", "xml"},
		{"unknown log level", "REPROLOCK_LOG_LEVEL", "chatty"},
		{"zero tail", "REPROLOCK_VERIFY_TAIL_BYTES", "0"},
		{"malformed exclude pattern", "REPROLOCK_LOCK_EXCLUDE", "telemetry/[grid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_ExcludeFromEnvironment(t *testing.T) {
	t.Setenv("REPROLOCK_LOCK_EXCLUDE", "*_grid.json,meta/*.json")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"*_grid.json", "meta/*.json"}, cfg.Lock.Builder().Exclude)
}
