package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"intercom/internal/core/ports"
	badgerrepo "intercom/internal/infrastructure/repositories/badger"
	"intercom/internal/infrastructure/repositories/memory"
	redisrepo "intercom/internal/infrastructure/repositories/redis"
	"intercom/pkg/config"
)

// RepositoryFactory opens the configured settings store. A redis store
// that cannot be reached falls back to memory.
type RepositoryFactory struct {
	store       string
	redisClient *redis.Client
	badger      *badgerrepo.SettingsRepository
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{
		store:  cfg.Settings.Store,
		cfg:    cfg,
		logger: logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Settings.RedisKey,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "error", err)
		} else {
			f.redisClient = client
		}
	}

	if f.store == config.StoreRedis && f.redisClient == nil {
		logger.Warnw("redis settings store unavailable, falling back to memory")
		f.store = config.StoreMemory
	}

	if f.store == config.StoreBadger {
		repo, err := badgerrepo.Open(cfg.Settings.BadgerDir, logger)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.badger = repo
	}

	logger.Infow("settings store selected", "store", f.store)
	return f, nil
}

// Store reports the store actually in use.
func (f *RepositoryFactory) Store() string { return f.store }

// RedisClient returns the shared client, or nil when redis is off.
func (f *RepositoryFactory) RedisClient() *redis.Client { return f.redisClient }

func (f *RepositoryFactory) CreateSettingsRepository() (ports.SettingsRepository, error) {
	switch f.store {
	case config.StoreMemory:
		return memory.NewSettingsRepository(), nil
	case config.StoreRedis:
		return redisrepo.NewRedisSettingsRepository(f.redisClient, f.cfg.Settings.RedisKey), nil
	case config.StoreBadger:
		return f.badger, nil
	default:
		return nil, fmt.Errorf("unknown settings store %q", f.store)
	}
}

func (f *RepositoryFactory) Close() error {
	var errs []error
	if f.badger != nil {
		errs = append(errs, f.badger.Close())
	}
	if f.redisClient != nil {
		errs = append(errs, redisrepo.CloseRedisClient(f.redisClient))
	}
	return errors.Join(errs...)
}

// HealthCheck pings redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
