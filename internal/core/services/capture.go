package services

import (
	"context"
	"errors"
	"time"

	"intercom/internal/core/ports"
	"intercom/pkg/pcm"
	"intercom/pkg/protocol"
)

// onMicData runs on the microphone's goroutine. It applies DC removal and
// gain and queues the result; a full queue drops the overflow.
func (e *Engine) onMicData(data []byte) {
	if !e.active.Load() || len(data) == 0 {
		return
	}
	if cap(e.micScratch) < len(data) {
		e.micScratch = make([]byte, len(data))
	}
	samples := e.micScratch[:copy(e.micScratch[:len(data)], data)]

	if e.cfg.DCOffsetRemoval {
		e.dc.Process(samples)
	}
	pcm.ApplyGain(samples, e.settings.GainFactor())

	n, err := e.captureBuf.Write(samples, captureWriteLock)
	if err != nil {
		e.metrics.LockTimeout("capture_write")
		n = 0
	}
	if dropped := len(samples) - n; dropped > 0 {
		total := e.captureDrops.Add(uint64(dropped))
		e.metrics.BufferDrop("capture", dropped)
		if e.dropLog.Allow() {
			e.logger.Warnw("capture buffer overflow", "dropped_bytes", dropped, "total_dropped", total)
		}
	}
}

// aecFrame accumulates mic samples until a full canceller frame is ready.
// Leftover samples carry over between chunks so any chunk/frame ratio works.
type aecFrame struct {
	size     int
	fill     int
	chunk    []int16
	mic      []int16
	ref      []int16
	out      []int16
	refBytes []byte
	outBytes []byte
}

func (a *aecFrame) ensure(frameSamples, chunkSamples int) {
	if a.size == frameSamples && len(a.chunk) >= chunkSamples {
		return
	}
	*a = aecFrame{
		size:     frameSamples,
		chunk:    make([]int16, chunkSamples),
		mic:      make([]int16, frameSamples),
		ref:      make([]int16, frameSamples),
		out:      make([]int16, frameSamples),
		refBytes: make([]byte, 2*frameSamples),
		outBytes: make([]byte, 2*frameSamples),
	}
}

func (a *aecFrame) reset() {
	a.fill = 0
}

// captureLoop drains the capture buffer in whole chunks and sends them to
// the peer, through the echo canceller when it is enabled.
func (e *Engine) captureLoop(ctx context.Context) error {
	chunk := make([]byte, e.cfg.ChunkSize)
	var acc aecFrame
	gen := e.refGen.Load()

	for {
		if ctx.Err() != nil {
			return nil
		}

		p := e.streamingPeer()
		if p == nil {
			acc.reset()
			sleep(ctx, e.cfg.IdleSleep)
			continue
		}
		if g := e.refGen.Load(); g != gen {
			gen = g
			acc.reset()
			if e.aec != nil {
				e.aec.Reset()
			}
		}

		ok, err := e.captureBuf.ReadFull(chunk, captureReadLock)
		if err != nil {
			e.metrics.LockTimeout("capture_read")
			continue
		}
		if !ok {
			sleep(ctx, captureRetry)
			continue
		}

		if e.aecActive() {
			e.cancelEcho(p, chunk, &acc)
		} else {
			acc.reset()
			e.sendAudio(p, chunk)
		}
	}
}

func (e *Engine) cancelEcho(p *peerConn, chunk []byte, acc *aecFrame) {
	frameSamples := e.aec.FrameSize()
	if frameSamples <= 0 {
		e.sendAudio(p, chunk)
		return
	}
	acc.ensure(frameSamples, pcm.Samples(chunk))

	samples := pcm.Decode(acc.chunk, chunk)
	for len(samples) > 0 {
		n := copy(acc.mic[acc.fill:], samples)
		acc.fill += n
		samples = samples[n:]
		if acc.fill < frameSamples {
			return
		}

		got, err := e.refBuf.ReadAvailable(acc.refBytes, referenceLock)
		if err != nil {
			e.metrics.LockTimeout("reference_read")
			got = 0
		}
		if got < len(acc.refBytes) {
			clear(acc.refBytes[got:])
			e.metrics.ReferenceUnderrun()
			if e.underrunLog.Allow() {
				e.logger.Warnw("echo reference running low, padding with silence",
					"have_bytes", got, "want_bytes", len(acc.refBytes))
			}
		}

		ref := pcm.Decode(acc.ref, acc.refBytes)
		e.aec.Process(acc.mic, ref, acc.out)
		e.metrics.AECFrame()
		acc.fill = 0

		e.sendAudio(p, pcm.Encode(acc.outBytes, acc.out))
	}
}

// sendAudio sends one AUDIO frame. A busy socket drops the frame; a lost
// connection is reported to the controller.
func (e *Engine) sendAudio(p *peerConn, data []byte) {
	err := p.send(protocol.TypeAudio, protocol.FlagNone, data)
	switch {
	case err == nil:
		e.metrics.FrameSent(len(data))
		e.tap.Mirror(ports.TapOutbound, data)
	case errors.Is(err, protocol.ErrSendTimeout):
		e.metrics.SendTimeout()
		if e.sendLog.Allow() {
			e.logger.Debugw("audio frame dropped, socket busy")
		}
	default:
		if p.streaming.Load() && e.sendLog.Allow() {
			e.logger.Warnw("failed to send audio", "error", err)
		}
		if errors.Is(err, protocol.ErrConnectionLost) {
			select {
			case e.peerErrs <- peerError{peer: p, err: err}:
			default:
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
