package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := LoadConfig(false)
	require.NoError(t, err)

	assert.Equal(t, "8080", conf.Port)
	assert.Equal(t, "./output/sessions", conf.SessionDir)
	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, 3*time.Second, conf.BaseReconnectDelay)
	assert.Equal(t, 60*time.Second, conf.MaxReconnectDelay)
	assert.Equal(t, 5*time.Minute, conf.KeepAliveInterval)
	assert.Equal(t, 15*time.Minute, conf.ZombieSweepInterval)
	assert.Equal(t, 60*time.Minute, conf.ZombieThreshold)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WEBHOOK_URL", "https://example.com/hook")
	t.Setenv("BASE_RECONNECT_DELAY", "500ms")
	t.Setenv("ZOMBIE_THRESHOLD", "2h")

	conf, err := LoadConfig(false)
	require.NoError(t, err)

	assert.Equal(t, "9090", conf.Port)
	assert.Equal(t, "https://example.com/hook", conf.WebhookURL)
	assert.Equal(t, 500*time.Millisecond, conf.BaseReconnectDelay)
	assert.Equal(t, 2*time.Hour, conf.ZombieThreshold)
}

func TestGetEnvDurationRejectsGarbage(t *testing.T) {
	t.Setenv("KEEPALIVE_INTERVAL", "not-a-duration")
	assert.Panics(t, func() { _, _ = LoadConfig(false) })
}
