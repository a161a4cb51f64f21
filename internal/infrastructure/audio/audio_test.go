package audio

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercom/pkg/config"
	"intercom/pkg/pcm"
)

type chunkCollector struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *chunkCollector) add(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, bytes.Clone(p))
}

func (c *chunkCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *chunkCollector) first() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks[0]
}

func TestToneMic_DeliversPacedChunks(t *testing.T) {
	// 160 samples at 16 kHz is a 10 ms period.
	m := NewToneMic(1000, 0.5, 320, 16000, nil)
	var got chunkCollector
	m.OnData(got.add)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start(), "second start is a no-op")
	require.Eventually(t, func() bool { return got.count() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	n := got.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, got.count(), "no callbacks after Stop returns")

	chunk := got.first()
	require.Len(t, chunk, 320)
	var peak int16
	for i := 0; i < pcm.Samples(chunk); i++ {
		if s := pcm.Sample(chunk, i); s > peak {
			peak = s
		}
	}
	assert.InDelta(t, 0.5*pcm.MaxSample, float64(peak), 200)
}

func TestReaderMic_LoopsSeekableInput(t *testing.T) {
	data := make([]byte, 6)
	for i := 0; i < 3; i++ {
		pcm.PutSample(data, i, int16(i+1))
	}
	m := NewReaderMic(bytes.NewReader(data), 4, 16000, nil)

	buf := make([]byte, 4)
	require.NoError(t, m.fill(buf))
	assert.Equal(t, []int16{1, 2}, pcm.Decode(make([]int16, 2), buf))
	require.NoError(t, m.fill(buf))
	assert.Equal(t, []int16{3, 0}, pcm.Decode(make([]int16, 2), buf), "short tail is zero padded")
	require.NoError(t, m.fill(buf))
	assert.Equal(t, []int16{1, 2}, pcm.Decode(make([]int16, 2), buf), "rewound to start")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func TestPacedSpeaker_DrainsInRealTime(t *testing.T) {
	var out lockedBuffer
	// 160 samples at 16 kHz is a 10 ms period.
	s, err := NewPacedSpeaker(&out, 2048, 320, 16000, nil)
	require.NoError(t, err)
	defer s.Close()

	data := make([]byte, 960)
	for i := range data {
		data[i] = byte(i)
	}
	assert.Zero(t, s.Play(data, time.Millisecond), "stopped speaker accepts nothing")

	require.NoError(t, s.Start())
	assert.Equal(t, len(data), s.Play(data, time.Millisecond))
	assert.True(t, s.HasBufferedData())

	require.Eventually(t, func() bool { return !s.HasBufferedData() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Played() == int64(len(data)) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, data, out.Bytes())
}

func TestPacedSpeaker_PlayWaitsForRoom(t *testing.T) {
	var out lockedBuffer
	// Two samples at 2 Hz: one chunk leaves the buffer per second.
	s, err := NewPacedSpeaker(&out, 8, 4, 2, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Start())

	assert.Equal(t, 8, s.Play([]byte{1, 2, 3, 4, 5, 6, 7, 8}, time.Millisecond))

	start := time.Now()
	assert.Zero(t, s.Play([]byte{9, 10, 11, 12}, 30*time.Millisecond), "full buffer times out")
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	require.Eventually(t, func() bool { return s.Played() == 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, s.Play([]byte{9, 10, 11, 12}, 100*time.Millisecond), "room freed by the device")
	assert.Equal(t, []byte{1, 2, 3, 4}, out.Bytes())

	require.NoError(t, s.Stop())
	assert.False(t, s.HasBufferedData(), "stop discards unplayed audio")
	assert.Zero(t, s.Play([]byte{1, 2}, time.Millisecond))
}

func energy(samples []int16) float64 {
	var e float64
	for _, s := range samples {
		e += float64(s) * float64(s)
	}
	return e
}

func TestNLMS_ConvergesOnDelayedEcho(t *testing.T) {
	const frame = 160
	const delay = 5
	a := NewNLMS(frame, 32, 0.5)
	require.True(t, a.IsInitialized())
	require.Equal(t, frame, a.FrameSize())

	rng := rand.New(rand.NewSource(12))
	var history []int16
	ref := make([]int16, frame)
	mic := make([]int16, frame)
	out := make([]int16, frame)

	var inE, outE float64
	for f := 0; f < 200; f++ {
		for i := range ref {
			ref[i] = int16(rng.NormFloat64() * 3000)
			history = append(history, ref[i])
			n := len(history) - 1 - delay
			if n >= 0 {
				mic[i] = int16(0.6 * float64(history[n]))
			} else {
				mic[i] = 0
			}
		}
		a.Process(mic, ref, out)
		if f >= 150 {
			inE += energy(mic)
			outE += energy(out)
		}
	}

	require.Positive(t, inE)
	erle := 10 * math.Log10(inE/math.Max(outE, 1))
	assert.Greater(t, erle, 20.0, "echo return loss enhancement in dB")

	a.Reset()
	assert.Zero(t, a.energy)
}

func TestNLMS_PassesNearEndWithoutReference(t *testing.T) {
	a := NewNLMS(4, 8, 0.2)
	mic := []int16{100, -200, 300, -400}
	out := make([]int16, 4)
	a.Process(mic, make([]int16, 4), out)
	assert.Equal(t, mic, out)
}

func TestNewDevices(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audio.Input.Kind = "tone"
	d, err := NewDevices(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "tone", d.Mic.name)
	assert.Equal(t, "null", d.Speaker.name)
	assert.Equal(t, cfg.Audio.PlaybackBuffer, d.Speaker.buf.Cap())
	assert.Equal(t, cfg.Audio.AEC.FrameSize, d.AEC.FrameSize())
	require.NoError(t, d.Close())

	dir := t.TempDir()
	in := filepath.Join(dir, "in.raw")
	require.NoError(t, os.WriteFile(in, make([]byte, 64), 0o600))
	cfg.Audio.Input.Kind = "file"
	cfg.Audio.Input.Path = in
	cfg.Audio.Output.Kind = "file"
	cfg.Audio.Output.Path = filepath.Join(dir, "out.raw")
	d, err = NewDevices(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	cfg.Audio.Input.Kind = "alsa"
	_, err = NewDevices(cfg, nil)
	assert.Error(t, err)
}
