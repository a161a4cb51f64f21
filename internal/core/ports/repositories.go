package ports

import (
	"context"

	"intercom/internal/core/domain"
)

// SettingsRepository persists user settings. Load returns nil, nil when
// nothing has been stored yet.
type SettingsRepository interface {
	Load(ctx context.Context) (*domain.Settings, error)
	Save(ctx context.Context, s domain.Settings) error
}
