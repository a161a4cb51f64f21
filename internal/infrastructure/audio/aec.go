package audio

import (
	"math"

	"intercom/pkg/pcm"
)

// NLMS is a normalized least-mean-squares echo canceller. It adapts an FIR
// estimate of the speaker-to-mic path and subtracts the predicted echo.
type NLMS struct {
	frame int
	taps  int
	step  float64

	w      []float64
	hist   []float64 // reference history, duplicated for contiguous windows
	pos    int
	energy float64
}

const nlmsEpsilon = 1e-6

// NewNLMS returns a canceller processing frameSize samples per call with
// taps filter coefficients and adaptation step (typically 0.05 to 0.5).
func NewNLMS(frameSize, taps int, step float64) *NLMS {
	if taps <= 0 {
		taps = 256
	}
	if step <= 0 {
		step = 0.1
	}
	return &NLMS{
		frame: frameSize,
		taps:  taps,
		step:  step,
		w:     make([]float64, taps),
		hist:  make([]float64, 2*taps),
	}
}

func (a *NLMS) IsInitialized() bool { return a.frame > 0 }

func (a *NLMS) FrameSize() int { return a.frame }

// Process cancels ref from mic into out. All three must hold FrameSize
// samples. It is not safe for concurrent use.
func (a *NLMS) Process(mic, ref, out []int16) {
	for i := range mic {
		x := float64(ref[i]) / pcm.MaxSample

		old := a.hist[a.pos+a.taps-1]
		a.pos = (a.pos + a.taps - 1) % a.taps
		a.hist[a.pos] = x
		a.hist[a.pos+a.taps] = x
		a.energy += x*x - old*old
		if a.energy < 0 {
			a.energy = 0
		}

		window := a.hist[a.pos : a.pos+a.taps]
		var y float64
		for k, wk := range a.w {
			y += wk * window[k]
		}

		e := float64(mic[i])/pcm.MaxSample - y
		g := a.step * e / (a.energy + nlmsEpsilon)
		for k := range a.w {
			a.w[k] += g * window[k]
		}

		out[i] = pcm.Clamp(int32(math.Round(e * pcm.MaxSample)))
	}
}

// Reset forgets the adapted path.
func (a *NLMS) Reset() {
	clear(a.w)
	clear(a.hist)
	a.pos = 0
	a.energy = 0
}
