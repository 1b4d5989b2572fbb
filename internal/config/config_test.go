package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "livechat.delivery", cfg.NATS.DeliverySubject)
	assert.Equal(t, time.Hour, cfg.Redis.PresenceTTL)
	assert.Equal(t, 16, cfg.WorkerPools.Reply.PoolSize)
	assert.Equal(t, 5, cfg.WorkerPools.Reply.MaxAttempts)
	assert.Equal(t, time.Second, cfg.WorkerPools.Reply.PollInterval)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://u:p@db:5432/livechat")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WORKERPOOLS_REPLY_POOLSIZE", "4")
	t.Setenv("INSTANCEID", "node-a")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/livechat", cfg.Database.PostgresDSN)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 4, cfg.WorkerPools.Reply.PoolSize)
	assert.Equal(t, "node-a", cfg.InstanceID)
}
