package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"intercom/internal/core/ports"
)

var ErrEngineNotReady = errors.New("call engine not running")

// AddRedisCheck pings client.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSettingsStoreCheck verifies the settings record can be read.
func (h *HealthChecker) AddSettingsStoreCheck(repo ports.SettingsRepository, timeout time.Duration) {
	h.AddCheck("settings_store", func(ctx context.Context) (bool, error) {
		if _, err := repo.Load(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddEngineCheck passes once ready is closed and until done is closed.
func (h *HealthChecker) AddEngineCheck(ready, done <-chan struct{}) {
	h.AddCheck("engine", func(ctx context.Context) (bool, error) {
		select {
		case <-done:
			return false, ErrEngineNotReady
		default:
		}
		select {
		case <-ready:
			return true, nil
		default:
			return false, ErrEngineNotReady
		}
	}, time.Second)
}
