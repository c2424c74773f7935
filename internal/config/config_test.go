package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Lease.Duration)
	assert.Equal(t, 2, cfg.Retry.Threshold)
	assert.Equal(t, 10*time.Minute, cfg.Reaper.JobTimeout)
	assert.Equal(t, "@every 2m", cfg.Reaper.SweepSchedule)
	assert.Equal(t, 50, cfg.Batch.Size)
	assert.Equal(t, 5, cfg.Batch.MaxConcurrent)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.AuthLimit)
	assert.Equal(t, 100, cfg.RateLimit.StandardLimit)
	assert.Equal(t, 300, cfg.RateLimit.ReadLimit)
	assert.Equal(t, 50, cfg.RateLimit.WriteLimit)
	assert.Equal(t, 10, cfg.Leaderboard.DefaultLimit)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_CompositeWeightsSumToOne(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	sum := cfg.Leaderboard.WeightSignups + cfg.Leaderboard.WeightDomains +
		cfg.Leaderboard.WeightRetention + cfg.Leaderboard.WeightLeads +
		cfg.Leaderboard.WeightRevenue
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROSPECT_STORE_DRIVER", "sqlite")
	t.Setenv("PROSPECT_RETRY_THRESHOLD", "4")
	t.Setenv("PROSPECT_LEASE_DURATION", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Retry.Threshold)
	assert.Equal(t, 90*time.Second, cfg.Lease.Duration)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "noisy", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
}
