package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
	"intercom/pkg/debounce"
	"intercom/pkg/pcm"
	"intercom/pkg/tracing"

	"go.uber.org/zap"
)

// SettingsService owns the live settings. Values are atomics so the audio
// tasks can read them every iteration without locking. Changes are applied
// immediately and written to the repository after a quiet period.
type SettingsService struct {
	repo      ports.SettingsRepository
	storeName string
	defaults  domain.Settings
	logger    *zap.SugaredLogger
	metrics   ports.MetricsRecorder

	volume     atomic.Uint64 // float64 bits
	gainDB     atomic.Int32
	gainFactor atomic.Uint64 // float64 bits
	autoAnswer atomic.Bool
	aec        atomic.Bool

	loadOnce sync.Once
	saver    *debounce.Debouncer

	// updateMu serializes read-modify-write updates.
	updateMu sync.Mutex

	mu       sync.Mutex
	onChange []func(prev, next domain.Settings)
}

func NewSettingsService(
	repo ports.SettingsRepository,
	storeName string,
	defaults domain.Settings,
	saveDelay time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SettingsService {
	s := &SettingsService{
		repo:      repo,
		storeName: storeName,
		defaults:  defaults.Normalize(),
		logger:    logger,
		metrics:   metrics,
	}
	s.store(s.defaults)
	s.saver = debounce.New(saveDelay, s.persist, debounce.WithErrorHandler(func(err error) {
		s.logger.Warnw("failed to save settings", "store", s.storeName, "error", err)
	}))
	return s
}

// Load reads the stored settings once. A missing or unreadable record leaves
// the defaults in place.
func (s *SettingsService) Load(ctx context.Context) domain.Settings {
	s.loadOnce.Do(func() {
		stored, err := s.repo.Load(ctx)
		switch {
		case err != nil:
			s.logger.Warnw("failed to load settings, using defaults", "store", s.storeName, "error", err)
		case stored == nil:
			s.logger.Infow("no stored settings, using defaults", "store", s.storeName)
		default:
			s.updateMu.Lock()
			s.store(stored.Normalize())
			s.updateMu.Unlock()
			s.logger.Infow("settings loaded",
				"store", s.storeName,
				"volume", stored.Volume,
				"mic_gain_db", stored.MicGainDB,
				"auto_answer", stored.AutoAnswer,
				"aec", stored.AEC,
			)
		}
	})
	return s.Get()
}

// Get returns a snapshot of the current settings.
func (s *SettingsService) Get() domain.Settings {
	return domain.Settings{
		Volume:     s.Volume(),
		MicGainDB:  int(s.gainDB.Load()),
		AutoAnswer: s.autoAnswer.Load(),
		AEC:        s.aec.Load(),
	}
}

func (s *SettingsService) Volume() float64 {
	return math.Float64frombits(s.volume.Load())
}

// GainFactor returns the linear microphone gain.
func (s *SettingsService) GainFactor() float64 {
	return math.Float64frombits(s.gainFactor.Load())
}

func (s *SettingsService) AutoAnswer() bool { return s.autoAnswer.Load() }
func (s *SettingsService) AEC() bool        { return s.aec.Load() }

// OnChange registers a callback run after every applied change, with the
// settings before and after it.
func (s *SettingsService) OnChange(fn func(prev, next domain.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *SettingsService) SetVolume(v float64) domain.Settings {
	return s.Update(func(cur *domain.Settings) { cur.Volume = v })
}

func (s *SettingsService) SetMicGainDB(db int) domain.Settings {
	return s.Update(func(cur *domain.Settings) { cur.MicGainDB = db })
}

func (s *SettingsService) SetAutoAnswer(on bool) domain.Settings {
	return s.Update(func(cur *domain.Settings) { cur.AutoAnswer = on })
}

func (s *SettingsService) SetAEC(on bool) domain.Settings {
	return s.Update(func(cur *domain.Settings) { cur.AEC = on })
}

// Apply replaces all settings, clamping out-of-range values, and schedules a
// save. It returns what was actually applied.
func (s *SettingsService) Apply(next domain.Settings) domain.Settings {
	return s.Update(func(cur *domain.Settings) { *cur = next })
}

// Update changes the current settings with fn. Concurrent updates are
// serialized, so each one sees the result of the previous.
func (s *SettingsService) Update(fn func(*domain.Settings)) domain.Settings {
	s.updateMu.Lock()
	prev := s.Get()
	next := prev
	fn(&next)
	next = next.Normalize()
	if next == prev {
		s.updateMu.Unlock()
		return next
	}
	s.store(next)
	s.updateMu.Unlock()

	s.mu.Lock()
	callbacks := append([]func(prev, next domain.Settings){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(prev, next)
	}

	s.saver.Trigger()
	return next
}

// Flush writes a pending change immediately.
func (s *SettingsService) Flush(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Close flushes and stops the background writer.
func (s *SettingsService) Close() {
	s.saver.Stop()
}

func (s *SettingsService) store(v domain.Settings) {
	s.volume.Store(math.Float64bits(v.Volume))
	s.gainDB.Store(int32(v.MicGainDB))
	s.gainFactor.Store(math.Float64bits(pcm.GainFromDB(float64(v.MicGainDB))))
	s.autoAnswer.Store(v.AutoAnswer)
	s.aec.Store(v.AEC)
}

func (s *SettingsService) persist(ctx context.Context) error {
	ctx, span := tracing.TraceSettingsSave(ctx, s.storeName)
	defer span.End()

	err := s.repo.Save(ctx, s.Get())
	if s.metrics != nil {
		s.metrics.SettingsSaved(err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("save settings to %s: %w", s.storeName, err)
	}
	s.logger.Debugw("settings saved", "store", s.storeName)
	return nil
}
