package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"intercom/internal/infrastructure/audio"
	"intercom/pkg/client"
	"intercom/pkg/config"
	"intercom/pkg/retry"
)

const playTimeout = 20 * time.Millisecond

// session couples a protocol client with local audio devices: the mic is
// sent while the client is streaming and received audio goes to the speaker.
type session struct {
	cli     *client.Client
	devices *audio.Devices
	log     *zap.SugaredLogger
}

func dialSession(ctx context.Context, cfg *config.Config, addr string, log *zap.SugaredLogger) (*session, error) {
	opts := client.DefaultOptions()
	opts.ConnectTimeout = cfg.Intercom.ConnectTimeout
	opts.PingInterval = cfg.Intercom.PingInterval
	opts.Retry = retry.Config{
		Enabled:      cfg.Dial.MaxAttempts > 0,
		MaxAttempts:  cfg.Dial.MaxAttempts,
		InitialDelay: cfg.Dial.InitialDelay,
		MaxDelay:     cfg.Dial.MaxDelay,
		Multiplier:   cfg.Dial.Multiplier,
		Jitter:       true,
	}
	opts.Logger = log.Desugar()

	devices, err := audio.NewDevices(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open audio devices: %w", err)
	}
	cli, err := client.Dial(ctx, addr, opts)
	if err != nil {
		devices.Close()
		return nil, err
	}

	s := &session{cli: cli, devices: devices, log: log.With("peer", addr)}
	devices.Mic.OnData(s.onMic)
	if err := devices.Speaker.Start(); err != nil {
		s.Close()
		return nil, err
	}
	if err := devices.Mic.Start(); err != nil {
		s.Close()
		return nil, err
	}
	s.log.Infow("connected")
	return s, nil
}

func (s *session) onMic(pcm []byte) {
	if !s.cli.Streaming() {
		return
	}
	if err := s.cli.SendAudio(pcm); err != nil {
		s.log.Debugw("audio send failed", "error", err)
	}
}

func (s *session) play(pcm []byte) {
	s.devices.Speaker.Play(pcm, playTimeout)
}

func (s *session) Close() {
	_ = s.devices.Mic.Stop()
	_ = s.devices.Speaker.Stop()
	_ = s.cli.Close()
	_ = s.devices.Close()
	if n := s.cli.Dropped(); n > 0 {
		s.log.Infow("audio dropped while playing", "chunks", n)
	}
}
