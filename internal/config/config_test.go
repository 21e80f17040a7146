package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 2*time.Minute, cfg.Lock.Ceiling)
	assert.Equal(t, 5*time.Second, cfg.Lock.SweepInterval)
	assert.Equal(t, 300*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, 54*time.Second, cfg.Session.PingInterval)
	assert.Equal(t, 256, cfg.Session.SendQueue)
	assert.Equal(t, 16, cfg.Session.InitWindow)
	assert.Equal(t, 10, cfg.AI.HistoryLimit)
	assert.Nil(t, cfg.AI.Temperature)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "s")
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("LOCK_CEILING", "30s")
	t.Setenv("ARK_TEMPERATURE", "0.3")
	t.Setenv("ARK_MAX_TOKENS", "512")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("Model", "ep-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Lock.Ceiling)
	require.NotNil(t, cfg.AI.Temperature)
	assert.InDelta(t, 0.3, *cfg.AI.Temperature, 1e-9)
	require.NotNil(t, cfg.AI.MaxTokens)
	assert.Equal(t, 512, *cfg.AI.MaxTokens)
	assert.True(t, cfg.AI.Enabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"driver":   {"STORE_DRIVER", "postgres"},
		"port":     {"PORT", "80 80"},
		"ping":     {"WS_PING_INTERVAL", "10m"},
		"window":   {"SESSION_INIT_WINDOW", "0"},
		"duration": {"LOCK_CEILING", "soon"},
		"float":    {"ARK_TOP_P", "high"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("AUTH_SECRET", "s")
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDevelopment(t *testing.T) {
	assert.True(t, ServerConfig{Env: "development"}.Development())
	assert.False(t, ServerConfig{Env: "production"}.Development())
}
