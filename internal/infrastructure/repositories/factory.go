package repositories

import (
	"context"

	"rtmsrelay/internal/core/ports"
	"rtmsrelay/internal/infrastructure/repositories/memory"
	redisrepo "rtmsrelay/internal/infrastructure/repositories/redis"
	"rtmsrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the Redis-backed directory when Redis is enabled
// and reachable, and the in-memory one otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		instanceID: instanceID,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx,
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory session directory",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis session directory")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory session directory")
	}

	return factory
}

func (f *RepositoryFactory) CreateSessionDirectory() ports.SessionDirectory {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewSessionDirectory(f.redisClient, f.instanceID, f.logger)
	}
	return memory.NewSessionDirectory()
}

// RedisClient is nil when the factory fell back to memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
