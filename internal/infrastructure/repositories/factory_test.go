package repositories

import (
	"context"
	"testing"

	"rtmsrelay/internal/infrastructure/repositories/memory"
	"rtmsrelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	factory := NewRepositoryFactory(context.Background(), cfg, "instance-1", zaptest.NewLogger(t).Sugar())
	defer factory.Close()

	dir := factory.CreateSessionDirectory()
	require.IsType(t, &memory.SessionDirectory{}, dir)
	dir.(*memory.SessionDirectory).Close()

	assert.Nil(t, factory.RedisClient())
	assert.NoError(t, factory.HealthCheck(context.Background()))
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	factory := NewRepositoryFactory(ctx, cfg, "instance-1", zaptest.NewLogger(t).Sugar())
	defer factory.Close()

	dir := factory.CreateSessionDirectory()
	assert.IsType(t, &memory.SessionDirectory{}, dir)
	dir.(*memory.SessionDirectory).Close()
	assert.Nil(t, factory.RedisClient())
}
