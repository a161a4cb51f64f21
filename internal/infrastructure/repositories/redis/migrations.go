package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"intercom/internal/core/domain"
)

const (
	schemaVersionKey     = "intercom:schema:version"
	currentSchemaVersion = 1
)

// Migration upgrades the stored layout by one version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, settingsKey string) error
}

// Migrate runs all pending migrations.
func Migrate(ctx context.Context, client *redis.Client, settingsKey string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "current_version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, settingsKey); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Early builds stored settings as JSON. Re-encode them as the
			// binary record.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, settingsKey string) error {
				raw, err := client.Get(ctx, settingsKey).Bytes()
				if err == redis.Nil {
					return nil
				}
				if err != nil {
					return err
				}
				if len(raw) == 0 || raw[0] != '{' {
					return nil
				}
				var s domain.Settings
				if err := json.Unmarshal(raw, &s); err != nil {
					return client.Del(ctx, settingsKey).Err()
				}
				record, err := s.MarshalBinary()
				if err != nil {
					return err
				}
				return client.Set(ctx, settingsKey, record, 0).Err()
			},
		},
	}
}
