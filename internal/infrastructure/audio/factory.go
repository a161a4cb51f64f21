package audio

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"intercom/pkg/config"
)

const toneAmplitude = 0.25

// Devices is the set of audio devices the engine runs against.
type Devices struct {
	Mic     *PacedMic
	Speaker *PacedSpeaker
	AEC     *NLMS
}

// Close releases file-backed devices.
func (d *Devices) Close() error {
	var errs []error
	for _, c := range []io.Closer{d.Mic, d.Speaker} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDevices builds the devices named by the audio config section.
func NewDevices(cfg *config.Config, logger *zap.SugaredLogger) (*Devices, error) {
	a := cfg.Audio
	d := &Devices{
		AEC: NewNLMS(a.AEC.FrameSize, a.AEC.Taps, a.AEC.StepSize),
	}

	switch a.Input.Kind {
	case "", "silence":
		d.Mic = NewSilenceMic(a.ChunkSize, a.SampleRate, logger)
	case "tone":
		hz := a.Input.ToneHz
		if hz <= 0 {
			hz = 440
		}
		d.Mic = NewToneMic(hz, toneAmplitude, a.ChunkSize, a.SampleRate, logger)
	case "file":
		m, err := OpenFileMic(a.Input.Path, a.ChunkSize, a.SampleRate, logger)
		if err != nil {
			return nil, err
		}
		d.Mic = m
	default:
		return nil, fmt.Errorf("unknown audio input kind %q", a.Input.Kind)
	}

	var err error
	switch a.Output.Kind {
	case "", "null":
		d.Speaker, err = NewNullSpeaker(a.PlaybackBuffer, a.ChunkSize, a.SampleRate, logger)
	case "file":
		d.Speaker, err = OpenFileSpeaker(a.Output.Path, a.PlaybackBuffer, a.ChunkSize, a.SampleRate, logger)
	default:
		err = fmt.Errorf("unknown audio output kind %q", a.Output.Kind)
	}
	if err != nil {
		_ = d.Mic.Close()
		return nil, err
	}

	return d, nil
}
