package ports

import "time"

// Microphone delivers captured PCM through a callback. The slice passed to
// the callback is only valid for the duration of the call.
type Microphone interface {
	Start() error
	Stop() error
	OnData(fn func(pcm []byte))
}

// Speaker plays PCM. Start and Stop must only be called from the task that
// owns the device.
type Speaker interface {
	Start() error
	Stop() error
	Play(pcm []byte, timeout time.Duration) int
	HasBufferedData() bool
}

// EchoCanceller removes the speaker signal from the microphone signal.
// Process is treated as a pure function of its inputs.
type EchoCanceller interface {
	IsInitialized() bool
	FrameSize() int // samples
	Process(mic, ref, out []int16)
	// Reset forgets the adapted echo path. It is called by the task that
	// calls Process.
	Reset()
}
