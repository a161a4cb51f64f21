// Package audio provides software audio devices for hosts without a sound
// card binding: paced PCM sources for the microphone side and writer-backed
// sinks for the speaker side.
package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"intercom/pkg/pcm"
)

// fillFunc produces the next block of PCM into p.
type fillFunc func(p []byte) error

// PacedMic delivers chunkSize bytes of PCM every chunk period, like a
// capture driver would.
type PacedMic struct {
	name   string
	fill   fillFunc
	chunk  int
	period time.Duration
	logger *zap.SugaredLogger
	closer io.Closer

	mu   sync.Mutex
	fn   func([]byte)
	stop chan struct{}
	done chan struct{}
}

func newPacedMic(name string, fill fillFunc, chunkSize, sampleRate int, logger *zap.SugaredLogger) *PacedMic {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	samples := chunkSize / pcm.BytesPerSample
	return &PacedMic{
		name:   name,
		fill:   fill,
		chunk:  chunkSize,
		period: time.Duration(samples) * time.Second / time.Duration(sampleRate),
		logger: logger,
	}
}

// NewSilenceMic returns a microphone producing digital silence.
func NewSilenceMic(chunkSize, sampleRate int, logger *zap.SugaredLogger) *PacedMic {
	return newPacedMic("silence", func(p []byte) error {
		clear(p)
		return nil
	}, chunkSize, sampleRate, logger)
}

// NewToneMic returns a microphone producing a sine wave at hz with the given
// peak amplitude (0..1).
func NewToneMic(hz, amplitude float64, chunkSize, sampleRate int, logger *zap.SugaredLogger) *PacedMic {
	step := 2 * math.Pi * hz / float64(sampleRate)
	peak := amplitude * pcm.MaxSample
	var phase float64
	return newPacedMic("tone", func(p []byte) error {
		for i := 0; i < pcm.Samples(p); i++ {
			pcm.PutSample(p, i, int16(peak*math.Sin(phase)))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		return nil
	}, chunkSize, sampleRate, logger)
}

// NewReaderMic plays raw little-endian 16-bit PCM from r. A seekable reader
// loops at EOF; any other reader falls silent.
func NewReaderMic(r io.Reader, chunkSize, sampleRate int, logger *zap.SugaredLogger) *PacedMic {
	seeker, _ := r.(io.Seeker)
	return newPacedMic("reader", func(p []byte) error {
		n, err := io.ReadFull(r, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		clear(p[n:])
		if seeker != nil {
			_, err = seeker.Seek(0, io.SeekStart)
			return err
		}
		return nil
	}, chunkSize, sampleRate, logger)
}

// OpenFileMic plays a raw PCM file in a loop.
func OpenFileMic(path string, chunkSize, sampleRate int, logger *zap.SugaredLogger) (*PacedMic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mic input %s: %w", path, err)
	}
	m := NewReaderMic(f, chunkSize, sampleRate, logger)
	m.name = "file"
	m.closer = f
	return m, nil
}

func (m *PacedMic) OnData(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
}

// Start begins delivering chunks. Starting a running mic is a no-op.
func (m *PacedMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return nil
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	m.logger.Debugw("microphone started", "source", m.name, "period", m.period)
	return nil
}

// Stop halts delivery and waits for the last callback to return.
func (m *PacedMic) Stop() error {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	m.logger.Debugw("microphone stopped", "source", m.name)
	return nil
}

// Close stops the mic and releases its input.
func (m *PacedMic) Close() error {
	_ = m.Stop()
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func (m *PacedMic) run(stop, done chan struct{}) {
	defer close(done)

	buf := make([]byte, m.chunk)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := m.fill(buf); err != nil {
			m.logger.Errorw("microphone source failed", "source", m.name, "error", err)
			clear(buf)
		}
		m.mu.Lock()
		fn := m.fn
		m.mu.Unlock()
		if fn != nil {
			fn(buf)
		}
	}
}
