package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"intercom/pkg/pcm"
	"intercom/pkg/ringbuffer"
)

const speakerLock = 5 * time.Millisecond

// PacedSpeaker queues played PCM in a ring buffer and hands it to a sink one
// chunk per chunk period, like an output driver draining its DMA ring. Play
// blocks for room up to its timeout, so a caller producing faster than real
// time is held back instead of silently dropping.
type PacedSpeaker struct {
	name   string
	sink   io.Writer
	closer io.Closer
	chunk  int
	period time.Duration
	buf    *ringbuffer.RingBuffer
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	played atomic.Int64
}

// NewPacedSpeaker plays into w at sampleRate, holding at most bufferSize
// bytes not yet played.
func NewPacedSpeaker(w io.Writer, bufferSize, chunkSize, sampleRate int, logger *zap.SugaredLogger) (*PacedSpeaker, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if chunkSize <= 0 || sampleRate <= 0 {
		return nil, errors.New("speaker chunk size and sample rate must be > 0")
	}
	rb, err := ringbuffer.New(bufferSize)
	if err != nil {
		return nil, fmt.Errorf("speaker buffer: %w", err)
	}
	samples := chunkSize / pcm.BytesPerSample
	return &PacedSpeaker{
		name:   "writer",
		sink:   w,
		chunk:  chunkSize,
		period: time.Duration(samples) * time.Second / time.Duration(sampleRate),
		buf:    rb,
		logger: logger,
	}, nil
}

// NewNullSpeaker plays in real time and discards the samples.
func NewNullSpeaker(bufferSize, chunkSize, sampleRate int, logger *zap.SugaredLogger) (*PacedSpeaker, error) {
	s, err := NewPacedSpeaker(io.Discard, bufferSize, chunkSize, sampleRate, logger)
	if err != nil {
		return nil, err
	}
	s.name = "null"
	return s, nil
}

// OpenFileSpeaker records played audio as raw PCM at path.
func OpenFileSpeaker(path string, bufferSize, chunkSize, sampleRate int, logger *zap.SugaredLogger) (*PacedSpeaker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open speaker output %s: %w", path, err)
	}
	s, err := NewPacedSpeaker(f, bufferSize, chunkSize, sampleRate, logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.name = "file"
	s.closer = f
	return s, nil
}

// Start begins draining the buffer. Starting a running speaker is a no-op.
func (s *PacedSpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	if err := s.buf.Reset(speakerLock); err != nil {
		return fmt.Errorf("clear speaker buffer: %w", err)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started.Store(true)
	go s.run(s.stop, s.done)
	s.logger.Debugw("speaker started", "sink", s.name, "period", s.period)
	return nil
}

// Stop halts the device and discards anything not yet played.
func (s *PacedSpeaker) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.started.Store(false)
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	if err := s.buf.Reset(speakerLock); err != nil {
		s.logger.Warnw("failed to clear speaker buffer", "sink", s.name, "error", err)
	}
	s.logger.Debugw("speaker stopped", "sink", s.name, "played_bytes", s.played.Load())
	return nil
}

// Play queues pcm, waiting up to timeout for room, and returns the bytes
// accepted. A stopped speaker accepts nothing.
func (s *PacedSpeaker) Play(data []byte, timeout time.Duration) int {
	if !s.started.Load() {
		return 0
	}
	n, err := s.buf.WriteTimeout(data, timeout)
	if err != nil && !errors.Is(err, ringbuffer.ErrTimeout) {
		s.logger.Warnw("speaker write failed", "sink", s.name, "error", err)
	}
	return n
}

// HasBufferedData reports whether queued audio has not reached the sink yet.
func (s *PacedSpeaker) HasBufferedData() bool { return s.buf.Available() > 0 }

// Played returns the total bytes handed to the sink.
func (s *PacedSpeaker) Played() int64 { return s.played.Load() }

func (s *PacedSpeaker) Close() error {
	_ = s.Stop()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *PacedSpeaker) run(stop, done chan struct{}) {
	defer close(done)

	chunk := make([]byte, s.chunk)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, err := s.buf.Read(chunk, 0)
		if err != nil || n == 0 {
			continue
		}
		w, err := s.sink.Write(chunk[:n])
		if err != nil {
			s.logger.Warnw("speaker sink write failed", "sink", s.name, "error", err)
		}
		s.played.Add(int64(w))
	}
}
