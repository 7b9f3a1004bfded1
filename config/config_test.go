package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, 10*time.Second, cfg.JWTLeeway)
	assert.Equal(t, "redis", cfg.BrokerDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 1000, cfg.WSMaxConnections)
	assert.Equal(t, 30*time.Second, cfg.WSPingInterval)
	assert.Equal(t, 90*time.Second, cfg.WSIdleTimeout)
	assert.Equal(t, 256, cfg.Socket().SendBuffer)
	assert.Equal(t, 4, cfg.WebhookWorkers)
	assert.Equal(t, 1024, cfg.WebhookQueueSize)
	assert.False(t, cfg.WebhookStrictSignatures)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("BROKER_DRIVER", "memory")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_CHANNEL_PREFIX", "prod:")
	t.Setenv("WS_MAX_CONNECTIONS", "0")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("WS_IDLE_TIMEOUT", "20s")
	t.Setenv("WEBHOOK_STRICT_SIGNATURES", "true")
	t.Setenv("JWT_ALGORITHM", "hs512")
	t.Setenv("SYSTEM_API_KEY", "sys")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, "memory", cfg.BrokerDriver)
	assert.True(t, cfg.WebhookStrictSignatures)

	redis := cfg.Redis()
	assert.Equal(t, 3, redis.DB)
	assert.Equal(t, "prod:", redis.Prefix)

	sock := cfg.Socket()
	assert.Equal(t, 0, sock.MaxConnections)
	assert.Equal(t, 5*time.Second, sock.PingInterval)
	assert.Equal(t, 20*time.Second, sock.IdleTimeout)

	a := cfg.Auth()
	assert.Equal(t, "HS512", a.JWTAlgorithm)
	assert.Equal(t, "sys", a.SystemAPIKey)
	assert.Equal(t, "test-secret", a.JWTSecret)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing JWT_SECRET", "JWT_SECRET", "", "JWT_SECRET is required"},
		{"bad algorithm", "JWT_ALGORITHM", "RS256", `JWT_ALGORITHM must be HS256, HS384 or HS512, got "RS256"`},
		{"bad driver", "BROKER_DRIVER", "kafka", `BROKER_DRIVER must be "redis" or "memory", got "kafka"`},
		{"zero workers", "WEBHOOK_WORKERS", "0", "WEBHOOK_WORKERS must be positive"},
		{"negative max connections", "WS_MAX_CONNECTIONS", "-1", "WS_MAX_CONNECTIONS must not be negative"},
		{"idle below ping", "WS_IDLE_TIMEOUT", "10s", "WS_IDLE_TIMEOUT (10s) must exceed WS_PING_INTERVAL (30s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestLoad_UnparsableValue(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WS_PING_INTERVAL", "soon")

	_, err := Load()
	assert.Error(t, err)
}
