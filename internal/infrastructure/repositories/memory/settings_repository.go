package memory

import (
	"context"
	"sync"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
)

// SettingsRepository keeps the encoded record in memory. It exists for
// tests and for hosts that should not persist anything.
type SettingsRepository struct {
	mu     sync.RWMutex
	record []byte
}

func NewSettingsRepository() ports.SettingsRepository {
	return &SettingsRepository{}
}

func (r *SettingsRepository) Load(ctx context.Context) (*domain.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.record == nil {
		return nil, nil
	}
	var s domain.Settings
	if err := s.UnmarshalBinary(r.record); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SettingsRepository) Save(ctx context.Context, s domain.Settings) error {
	record, err := s.MarshalBinary()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record = record
	return nil
}
