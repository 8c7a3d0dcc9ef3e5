package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_PORT", "")
	t.Setenv("ENGINE_SESSION_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.App.Addr())
	assert.Equal(t, 30*time.Minute, cfg.Engine.SessionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Engine.PurgeAfter)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.InDelta(t, 0.3, cfg.Engine.PriorityFactorUrgent, 1e-9)
	assert.Equal(t, 20, cfg.Engine.HandleTimeSamples)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENGINE_SESSION_TIMEOUT", "45m")
	t.Setenv("ENGINE_PURGE_AFTER", "120")
	t.Setenv("ENGINE_PRIORITY_FACTOR_VIP", "0.5")
	t.Setenv("ENGINE_RECONCILE_PRESENCE", "false")
	t.Setenv("WS_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Engine.SessionTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Engine.PurgeAfter)
	assert.InDelta(t, 0.5, cfg.Engine.PriorityFactorVIP, 1e-9)
	assert.False(t, cfg.Engine.ReconcilePresence)
	assert.Equal(t, "0.0.0.0:9000", cfg.WS.Addr())
}

func TestLoad_InvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestGetEnvAsDuration_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvAsDuration("SOME_DURATION", time.Second))
}
