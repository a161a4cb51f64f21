package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
)

type RedisSettingsRepository struct {
	client *redis.Client
	key    string
}

func NewRedisSettingsRepository(client *redis.Client, key string) ports.SettingsRepository {
	if key == "" {
		key = "intercom:settings"
	}
	return &RedisSettingsRepository{client: client, key: key}
}

func (r *RedisSettingsRepository) Load(ctx context.Context) (*domain.Settings, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings from Redis: %w", err)
	}

	var s domain.Settings
	if err := s.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisSettingsRepository) Save(ctx context.Context, s domain.Settings) error {
	record, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, record, 0).Err(); err != nil {
		return fmt.Errorf("failed to set settings in Redis: %w", err)
	}
	return nil
}
