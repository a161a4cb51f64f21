package services

import (
	"context"
	"runtime"
	"time"

	"intercom/internal/core/ports"
	"intercom/pkg/pcm"
)

// mutedVolume is the level below which nothing is sent to the speaker.
const mutedVolume = 0.001

// playbackLoop owns the speaker. It drains the playback buffer in whole
// chunks, applies the volume and feeds what was played to the echo
// reference.
func (e *Engine) playbackLoop(ctx context.Context) error {
	chunk := e.cfg.ChunkSize
	buf := make([]byte, chunk*e.cfg.PlaybackMaxChunks)
	scaled := make([]byte, len(buf))
	idle := time.NewTimer(e.cfg.IdleSleep)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drainSpeakerRequests()
			return nil
		case req := <-e.speakerReqs:
			e.serveSpeaker(req)
			continue
		default:
		}

		if e.streamingPeer() == nil {
			idle.Reset(e.cfg.IdleSleep)
			select {
			case <-ctx.Done():
				e.drainSpeakerRequests()
				return nil
			case req := <-e.speakerReqs:
				e.serveSpeaker(req)
			case <-idle.C:
			}
			continue
		}

		n, err := e.playbackBuf.Read(buf, playbackReadLock)
		if err != nil {
			e.metrics.LockTimeout("playback_read")
			continue
		}
		if n == 0 {
			continue
		}

		// Partial chunks are padded with silence so the device always
		// receives whole frames.
		padded := (n + chunk - 1) / chunk * chunk
		clear(buf[n:padded])
		frame := buf[:padded]

		vol := e.settings.Volume()
		if vol <= mutedVolume {
			if e.aecActive() {
				silence := scaled[:len(frame)]
				clear(silence)
				e.writeReference(silence)
			}
			runtime.Gosched()
			continue
		}

		out := pcm.Scale(scaled[:0], frame, vol)
		played := e.speaker.Play(out, speakerPlayWait)
		if played < len(out) {
			e.metrics.BufferDrop("speaker", len(out)-played)
			// Only whole samples reach the reference.
			played -= played % pcm.BytesPerSample
			out = out[:played]
		}
		e.tap.Mirror(ports.TapInbound, out)
		if e.aecActive() {
			e.writeReference(out)
		}
		runtime.Gosched()
	}
}

// writeReference records exactly what went to the speaker, after volume.
func (e *Engine) writeReference(played []byte) {
	n, err := e.refBuf.Write(played, referenceLock)
	if err != nil {
		e.metrics.LockTimeout("reference_write")
		return
	}
	if n < len(played) {
		e.metrics.BufferDrop("reference", len(played)-n)
	}
}

// drainSpeakerRequests acknowledges requests left at shutdown so the
// controller never waits on a goroutine that has exited.
func (e *Engine) drainSpeakerRequests() {
	for {
		select {
		case req := <-e.speakerReqs:
			e.serveSpeaker(req)
		default:
			return
		}
	}
}
