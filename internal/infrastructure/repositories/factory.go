package repositories

import (
	"context"

	"aetherlive/internal/core/ports"
	"aetherlive/internal/infrastructure/repositories/memory"
	redisrepo "aetherlive/internal/infrastructure/repositories/redis"
	"aetherlive/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with memory fallback when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) CreateSessionStatsRepository() ports.SessionStatsRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionStatsRepository(f.redisClient)
	}
	return memory.NewMemorySessionStatsRepository()
}

// Close closes the Redis connection if one is held.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck verifies Redis connectivity when Redis is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
