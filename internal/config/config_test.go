// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

// setupTestHome points HOME and the data dir at temp directories.
func setupTestHome(t *testing.T) (home, dataDir string) {
	t.Helper()
	home = t.TempDir()
	dataDir = filepath.Join(home, "vault")
	t.Setenv("HOME", home)
	t.Setenv(EnvPrefix+"DATA_DIR", dataDir)
	return home, dataDir
}

func TestLoad_Defaults(t *testing.T) {
	_, dataDir := setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.DirExists(t, dataDir)
	assert.Equal(t, 30*time.Minute, cfg.Checkpoint.Interval.Duration())
	assert.Equal(t, 3, cfg.Checkpoint.FileChangeThreshold)
	assert.Equal(t, 2*time.Second, cfg.Checkpoint.EmergencyBudget.Duration())
	assert.Equal(t, 100, cfg.Retention.MaxCheckpoints)
	assert.Equal(t, int64(100<<20), cfg.Retention.MaxBytes)
	assert.Equal(t, 0.80, cfg.Retention.HighWater)
	assert.Equal(t, 5*time.Second, cfg.Handoff.Budget.Duration())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, filepath.IsAbs(cfg.Workspace.Root))
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	_, dataDir := setupTestHome(t)
	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	workspace := t.TempDir()

	yamlContent := `checkpoint:
  interval: 10m
  file_change_threshold: 5
retention:
  max_checkpoints: 20
  high_water: 0.5
  critical_water: 0.9
log:
  level: debug
  format: json
workspace:
  root: ` + workspace + `
  exclude:
    - dist
    - "*.log"
`
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, FileName), []byte(yamlContent), 0o600))

	t.Setenv("SESSIONVAULT_CHECKPOINT_FILE_CHANGE_THRESHOLD", "7")
	t.Setenv("SESSIONVAULT_HANDOFF_BUDGET", "9s")
	t.Setenv("SESSIONVAULT_METRICS_ADDR", "127.0.0.1:9464")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Checkpoint.Interval.Duration())
	assert.Equal(t, 7, cfg.Checkpoint.FileChangeThreshold, "env overrides file")
	assert.Equal(t, 20, cfg.Retention.MaxCheckpoints)
	assert.Equal(t, 0.5, cfg.Retention.HighWater)
	assert.Equal(t, 9*time.Second, cfg.Handoff.Budget.Duration())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, workspace, cfg.Workspace.Root)
	assert.Equal(t, []string{"dist", "*.log"}, cfg.Workspace.Exclude)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, time.Minute, cfg.Checkpoint.PollInterval.Duration())
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	setupTestHome(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "critical below high water",
			env: map[string]string{
				"SESSIONVAULT_RETENTION_HIGH_WATER":     "0.9",
				"SESSIONVAULT_RETENTION_CRITICAL_WATER": "0.5",
			},
			want: "Retention.CriticalWater",
		},
		{
			name: "unknown log level",
			env:  map[string]string{"SESSIONVAULT_LOG_LEVEL": "verbose"},
			want: "Log.Level",
		},
		{
			name: "zero threshold",
			env:  map[string]string{"SESSIONVAULT_CHECKPOINT_FILE_CHANGE_THRESHOLD": "0"},
			want: "Checkpoint.FileChangeThreshold",
		},
		{
			name: "bad metrics address",
			env:  map[string]string{"SESSIONVAULT_METRICS_ADDR": "not an address"},
			want: "Metrics.Addr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestHome(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Equal(t, errs.CategoryInvalidInput, errs.CategoryOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	setupTestHome(t)
	t.Setenv("SESSIONVAULT_CHECKPOINT_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	home, dataDir := setupTestHome(t)
	path := filepath.Join(home, "custom", FileName)

	require.NoError(t, WriteDefault(path, dataDir))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "interval: 30m0s")

	assert.Error(t, WriteDefault(path, dataDir), "existing file is not overwritten")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(dataDir).Retention, cfg.Retention)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "retention.max_bytes", envKey("SESSIONVAULT_RETENTION_MAX_BYTES"))
	assert.Equal(t, "checkpoint.interval", envKey("SESSIONVAULT_CHECKPOINT_INTERVAL"))
	assert.Equal(t, "data_dir", envKey("SESSIONVAULT_DATA_DIR"))
}

func TestConversions(t *testing.T) {
	cfg := Default("/tmp/vault")
	cfg.Checkpoint.Interval = Duration(5 * time.Minute)
	cfg.Retention.EmergencyWindow = Duration(10 * 24 * time.Hour)

	cp := cfg.CheckpointSettings()
	assert.Equal(t, 5*time.Minute, cp.Interval)
	assert.Equal(t, 10, cp.RetentionDays[models.TypeEmergency])
	assert.Equal(t, 10, cp.RetentionDays[models.TypeRecovery])
	assert.Equal(t, 0, cp.RetentionDays[models.TypeManual])
	assert.Equal(t, 28, cp.RetentionDays[models.TypeAuto])

	policy := cfg.RetentionPolicy()
	assert.Equal(t, 10*24*time.Hour, policy.EmergencyWindow)
	assert.Equal(t, 0.95, policy.CriticalWater)

	assert.Equal(t, filepath.Join("/tmp/vault", "checkpoints"), cfg.StorageDir())
	assert.Equal(t, filepath.Join("/tmp/vault", "progress.json"), cfg.ProgressPath())
}
