package services

import (
	"time"

	"intercom/internal/core/domain"
)

// setActive turns the local audio devices on or off. It is idempotent and
// runs on the controller goroutine only.
//
// The speaker belongs to the playback goroutine, so switching it is a request
// that goroutine acknowledges. If no acknowledgement arrives within
// StopAckTimeout the controller switches the speaker itself; speakerOn
// guarantees the device sees exactly one Start or Stop either way.
func (e *Engine) setActive(on bool) {
	if e.active.Swap(on) == on {
		return
	}

	if on {
		if err := e.mic.Start(); err != nil {
			e.logger.Errorw("failed to start microphone", "error", err)
		}
		e.requestSpeaker(true)
		e.logger.Infow("audio started")
		e.publish(domain.EventStarted)
		return
	}

	e.requestSpeaker(false)
	if err := e.mic.Stop(); err != nil {
		e.logger.Errorw("failed to stop microphone", "error", err)
	}
	e.logger.Infow("audio stopped")
	e.publish(domain.EventStopped)
}

func (e *Engine) requestSpeaker(start bool) {
	req := speakerRequest{start: start, done: make(chan struct{})}
	select {
	case e.speakerReqs <- req:
	default:
		e.logger.Warnw("speaker request queue full, switching directly", "start", start)
		e.switchSpeaker(start)
		return
	}

	timer := time.NewTimer(e.cfg.StopAckTimeout)
	defer timer.Stop()
	select {
	case <-req.done:
	case <-timer.C:
		e.logger.Warnw("playback task did not acknowledge, switching speaker directly",
			"start", start, "timeout", e.cfg.StopAckTimeout)
		e.switchSpeaker(start)
	}
}

// serveSpeaker runs on the playback goroutine. Requests that no longer match
// the wanted state are stale and only acknowledged.
func (e *Engine) serveSpeaker(req speakerRequest) {
	defer close(req.done)
	if req.start != e.active.Load() {
		return
	}
	if !req.start {
		deadline := time.Now().Add(speakerDrain)
		for e.speakerOn.Load() && e.speaker.HasBufferedData() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	e.switchSpeaker(req.start)
}

func (e *Engine) switchSpeaker(start bool) {
	if start {
		if !e.speakerOn.CompareAndSwap(false, true) {
			return
		}
		if err := e.speaker.Start(); err != nil {
			e.logger.Errorw("failed to start speaker", "error", err)
		}
		return
	}
	if !e.speakerOn.CompareAndSwap(true, false) {
		return
	}
	if err := e.speaker.Stop(); err != nil {
		e.logger.Errorw("failed to stop speaker", "error", err)
	}
}
