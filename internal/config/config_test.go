package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.LessOrEqual(t, cfg.Budget.DefaultSoftCents, cfg.Budget.DefaultLimitCents)
	assert.Equal(t, 0.05, cfg.Referee.MergeGap)
	assert.Equal(t, 0, cfg.Scheduling.OffPeakStartHour)
	assert.Equal(t, 6, cfg.Scheduling.OffPeakEndHour)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	yaml := `
budget:
  total_units: 500
  session_units: 50
quality:
  regression_delta: 0.2
referee:
  merge_gap: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.Budget.TotalUnits)
	assert.Equal(t, int64(50), cfg.Budget.SessionUnits)
	assert.Equal(t, 0.2, cfg.Quality.RegressionDelta)
	assert.Equal(t, 0.1, cfg.Referee.MergeGap)
	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.Scheduling.BatchWindowMinutes)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env beats yaml", func(t *testing.T) {
		t.Setenv("WARDEN_TOTAL_UNITS", "777")
		t.Setenv("WARDEN_BATCH_MINUTES", "15")
		t.Setenv("WARDEN_DEBUG", "true")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, int64(777), cfg.Budget.TotalUnits)
		assert.Equal(t, 15, cfg.Scheduling.BatchWindowMinutes)
		assert.True(t, cfg.Logging.Debug)
	})

	t.Run("window duration from milliseconds", func(t *testing.T) {
		t.Setenv("WARDEN_WINDOW_MS", "3600000")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, time.Hour, cfg.Budget.WindowDuration)
	})

	t.Run("malformed values ignored", func(t *testing.T) {
		t.Setenv("WARDEN_TOTAL_UNITS", "not-a-number")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Budget.TotalUnits, cfg.Budget.TotalUnits)
	})
}

func TestValidateRejectsInvertedLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget.DefaultSoftCents = cfg.Budget.DefaultLimitCents + 1
	assert.Error(t, cfg.Validate())
}
