package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"intercom/internal/core/domain"
	"intercom/pkg/cache"
	"intercom/pkg/distributed"
)

const (
	defaultRegistrationTTL = 30 * time.Second
	resolveCacheTTL        = 5 * time.Second
)

// Registration is what a device publishes about itself.
type Registration struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DeviceRegistry lets intercoms find each other by device name. A name is
// claimed with a lease so two running instances cannot share it. It
// implements ports.AddressResolver.
type DeviceRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
	prefix     string

	lock     *distributed.Lock
	reg      Registration
	resolved *cache.Cache[string]
}

func NewDeviceRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *DeviceRegistry {
	if ttl <= 0 {
		ttl = defaultRegistrationTTL
	}
	return &DeviceRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		prefix:     "intercom:device:",
		resolved:   cache.New[string](resolveCacheTTL),
	}
}

// Close stops the resolve cache.
func (r *DeviceRegistry) Close() {
	r.resolved.Stop()
}

func (r *DeviceRegistry) deviceKey(name string) string { return r.prefix + name }
func (r *DeviceRegistry) lockKey(name string) string   { return "intercom:lock:device:" + name }
func (r *DeviceRegistry) indexKey() string             { return "intercom:devices" }

// Register claims name and publishes addr until ctx is done, refreshing
// the entry at half the TTL. It returns when ctx ends or the claim is lost.
func (r *DeviceRegistry) Register(ctx context.Context, name, addr string) error {
	lock := distributed.NewLock(r.client, r.lockKey(name), r.ttl)
	if err := lock.TryLock(ctx); err != nil {
		if errors.Is(err, distributed.ErrLockHeld) {
			return fmt.Errorf("device name %q already registered: %w", name, err)
		}
		return err
	}
	r.lock = lock
	r.reg = Registration{Name: name, Address: addr, InstanceID: r.instanceID, RegisteredAt: time.Now()}

	if err := r.publish(ctx); err != nil {
		_ = lock.Unlock(context.Background())
		return err
	}
	r.logger.Infow("device registered", "device", name, "address", addr)

	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.unregister()
			return nil
		case <-lock.Lost():
			r.logger.Warnw("device registration lost", "device", name)
			return fmt.Errorf("device name %q: %w", name, distributed.ErrLockNotHeld)
		case <-ticker.C:
			if err := r.publish(ctx); err != nil {
				r.logger.Warnw("failed to refresh device registration", "device", name, "error", err)
			}
		}
	}
}

func (r *DeviceRegistry) publish(ctx context.Context) error {
	data, err := json.Marshal(r.reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.deviceKey(r.reg.Name), data, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), r.reg.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

func (r *DeviceRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.deviceKey(r.reg.Name))
	pipe.SRem(ctx, r.indexKey(), r.reg.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("failed to unregister device", "device", r.reg.Name, "error", err)
	}
	if err := r.lock.Unlock(ctx); err != nil {
		r.logger.Debugw("device lock release", "device", r.reg.Name, "error", err)
	}
	r.logger.Infow("device unregistered", "device", r.reg.Name)
}

// Lookup returns the registration for name.
func (r *DeviceRegistry) Lookup(ctx context.Context, name string) (*Registration, error) {
	data, err := r.client.Get(ctx, r.deviceKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("device %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
	}
	return &reg, nil
}

// Resolve returns the address registered for name. Hits are cached for a
// few seconds so repeated dials do not each round-trip to redis.
func (r *DeviceRegistry) Resolve(ctx context.Context, name string) (string, error) {
	return r.resolved.GetOrLoad(ctx, name, func(ctx context.Context) (string, error) {
		reg, err := r.Lookup(ctx, name)
		if err != nil {
			return "", err
		}
		return reg.Address, nil
	})
}

// List returns the live registrations, pruning index entries whose
// registration expired.
func (r *DeviceRegistry) List(ctx context.Context) ([]Registration, error) {
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	out := make([]Registration, 0, len(names))
	for _, name := range names {
		reg, err := r.Lookup(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			r.client.SRem(ctx, r.indexKey(), name)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, nil
}
