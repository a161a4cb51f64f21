// Package pcm holds sample-level helpers for 16-bit little-endian mono PCM.
package pcm

import (
	"encoding/binary"
	"math"
)

const (
	MaxSample = math.MaxInt16
	MinSample = math.MinInt16

	BytesPerSample = 2
)

// Clamp saturates v to the int16 range.
func Clamp(v int32) int16 {
	if v > MaxSample {
		return MaxSample
	}
	if v < MinSample {
		return MinSample
	}
	return int16(v)
}

// GainFromDB converts a gain in decibels to a linear factor.
func GainFromDB(db float64) float64 {
	return math.Pow(10, db/20)
}

// Samples returns the number of whole samples in b.
func Samples(b []byte) int {
	return len(b) / BytesPerSample
}

// Sample reads sample i of b.
func Sample(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[2*i:]))
}

// PutSample writes sample i of b.
func PutSample(b []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
}

// Decode converts b into dst, which must hold Samples(b) samples.
func Decode(dst []int16, b []byte) []int16 {
	n := Samples(b)
	for i := 0; i < n; i++ {
		dst[i] = Sample(b, i)
	}
	return dst[:n]
}

// Encode converts samples into dst, which must hold 2*len(samples) bytes.
func Encode(dst []byte, samples []int16) []byte {
	for i, s := range samples {
		PutSample(dst, i, s)
	}
	return dst[:2*len(samples)]
}

// ApplyGain scales b in place with saturation. A factor of 1 is a no-op.
func ApplyGain(b []byte, factor float64) {
	if factor == 1 {
		return
	}
	n := Samples(b)
	for i := 0; i < n; i++ {
		PutSample(b, i, Clamp(int32(float64(Sample(b, i))*factor)))
	}
}

// Scale writes src scaled by factor into dst with saturation and returns
// the written prefix of dst. src is not modified.
func Scale(dst, src []byte, factor float64) []byte {
	dst = dst[:len(src)&^1]
	if factor == 1 {
		copy(dst, src)
		return dst
	}
	n := Samples(src)
	for i := 0; i < n; i++ {
		PutSample(dst, i, Clamp(int32(float64(Sample(src, i))*factor)))
	}
	return dst
}

// DCBlocker removes a slowly varying DC offset with a one-pole filter.
// It keeps state across calls and must be used from one goroutine.
type DCBlocker struct {
	acc int32
}

// Process filters b in place.
func (d *DCBlocker) Process(b []byte) {
	n := Samples(b)
	for i := 0; i < n; i++ {
		s := int32(Sample(b, i))
		d.acc = ((d.acc * 255) >> 8) + s
		PutSample(b, i, Clamp(s-(d.acc>>8)))
	}
}

// Reset clears the filter state.
func (d *DCBlocker) Reset() {
	d.acc = 0
}

// RMS returns the root mean square level of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
