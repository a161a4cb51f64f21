// Package badger stores settings in an embedded badger database so the
// record survives restarts on a device without external services.
package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"intercom/internal/core/domain"
)

var settingsKey = []byte("settings/v1")

type SettingsRepository struct {
	db *badger.DB
}

// Open opens (or creates) the database in dir. An empty dir opens an
// in-memory database.
func Open(dir string, logger *zap.SugaredLogger) (*SettingsRepository, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(zapLogger{logger}).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open settings store %q: %w", dir, err)
	}
	return &SettingsRepository{db: db}, nil
}

func (r *SettingsRepository) Load(ctx context.Context) (*domain.Settings, error) {
	var record []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(settingsKey)
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s domain.Settings
	if err := s.UnmarshalBinary(record); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SettingsRepository) Save(ctx context.Context, s domain.Settings) error {
	record, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(settingsKey, record)
	})
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func (r *SettingsRepository) Close() error {
	return r.db.Close()
}

// zapLogger adapts a sugared logger to badger.Logger. Badger is chatty at
// info level, so info goes to debug.
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) logger() *zap.SugaredLogger {
	if z.l == nil {
		return zap.NewNop().Sugar()
	}
	return z.l.With("component", "badger")
}

func (z zapLogger) Errorf(f string, v ...interface{})   { z.logger().Errorf(f, v...) }
func (z zapLogger) Warningf(f string, v ...interface{}) { z.logger().Warnf(f, v...) }
func (z zapLogger) Infof(f string, v ...interface{})    { z.logger().Debugf(f, v...) }
func (z zapLogger) Debugf(f string, v ...interface{})   { z.logger().Debugf(f, v...) }
