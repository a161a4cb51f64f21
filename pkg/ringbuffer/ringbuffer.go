// Package ringbuffer provides a fixed-capacity byte FIFO shared between one
// producer and one consumer goroutine. Every operation bounds how long it
// waits for the buffer's lock so audio paths never stall on each other.
package ringbuffer

import (
	"errors"
	"sync/atomic"
	"time"

	"intercom/pkg/syncx"
)

var (
	// ErrLockTimeout is returned when the buffer lock could not be acquired
	// in time. Callers treat it as "try again next iteration".
	ErrLockTimeout = errors.New("ringbuffer: lock timeout")

	// ErrTimeout is returned by WriteTimeout when not all data fit before
	// the deadline.
	ErrTimeout = errors.New("ringbuffer: timed out waiting for space")

	ErrInvalidCapacity = errors.New("ringbuffer: capacity must be > 0")
)

// RingBuffer is a bounded FIFO of bytes. Writes never overwrite unread data.
type RingBuffer struct {
	mu  *syncx.TimedMutex
	buf []byte
	r   int
	w   int
	n   int

	// avail mirrors n for lock-free readers. It is a hint only.
	avail atomic.Int64

	readable chan struct{}
	writable chan struct{}
}

// New creates a ring buffer holding at most capacity bytes.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer{
		mu:       syncx.NewTimedMutex(),
		buf:      make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}, nil
}

// Cap returns the buffer capacity in bytes.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Available returns the number of unread bytes. The value may be stale by
// the time it is used; never use it as a precondition for a read or write
// performed by another goroutine.
func (rb *RingBuffer) Available() int {
	return int(rb.avail.Load())
}

// Free returns the number of bytes that can currently be written. Hint only.
func (rb *RingBuffer) Free() int {
	return len(rb.buf) - rb.Available()
}

// Write copies as much of p as fits and returns the number of bytes stored.
// A short count means the buffer is full; unread data is never replaced.
// lockWait bounds lock acquisition.
func (rb *RingBuffer) Write(p []byte, lockWait time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !rb.mu.TryLockFor(lockWait) {
		return 0, ErrLockTimeout
	}
	n := rb.put(p)
	rb.mu.Unlock()

	if n > 0 {
		signal(rb.readable)
	}
	return n, nil
}

// WriteTimeout stores all of p, waiting up to timeout for the consumer to
// make room. It returns the bytes stored and ErrTimeout if p did not fit
// before the deadline.
func (rb *RingBuffer) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	written := 0

	for written < len(p) {
		remaining := time.Until(deadline)
		if !rb.mu.TryLockFor(remaining) {
			return written, ErrTimeout
		}
		n := rb.put(p[written:])
		rb.mu.Unlock()

		if n > 0 {
			written += n
			signal(rb.readable)
			continue
		}

		if !wait(rb.writable, time.Until(deadline)) {
			return written, ErrTimeout
		}
	}
	return written, nil
}

// WriteZeros appends n bytes of silence, subject to the same rules as Write.
func (rb *RingBuffer) WriteZeros(n int, lockWait time.Duration) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if !rb.mu.TryLockFor(lockWait) {
		return 0, ErrLockTimeout
	}
	written := 0
	for written < n && rb.n < len(rb.buf) {
		chunk := min(n-written, len(rb.buf)-rb.n, len(rb.buf)-rb.w)
		clear(rb.buf[rb.w : rb.w+chunk])
		rb.advanceWrite(chunk)
		written += chunk
	}
	rb.mu.Unlock()

	if written > 0 {
		signal(rb.readable)
	}
	return written, nil
}

// Read copies up to len(p) bytes into p. If the buffer is empty it waits up
// to timeout for data. The count may be short; fixed-frame callers pad the
// remainder with silence. A zero count with a nil error means no data.
func (rb *RingBuffer) Read(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(timeout)

	for {
		if !rb.mu.TryLockFor(time.Until(deadline)) {
			return 0, ErrLockTimeout
		}
		n := rb.take(p)
		rb.mu.Unlock()

		if n > 0 {
			signal(rb.writable)
			return n, nil
		}
		if !wait(rb.readable, time.Until(deadline)) {
			return 0, nil
		}
	}
}

// ReadAvailable copies up to len(p) bytes that are already buffered.
// lockWait bounds only the lock acquisition; it never waits for data.
func (rb *RingBuffer) ReadAvailable(p []byte, lockWait time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !rb.mu.TryLockFor(lockWait) {
		return 0, ErrLockTimeout
	}
	n := rb.take(p)
	rb.mu.Unlock()

	if n > 0 {
		signal(rb.writable)
	}
	return n, nil
}

// ReadFull fills p completely or reads nothing. The availability check and
// the copy happen under one lock acquisition.
func (rb *RingBuffer) ReadFull(p []byte, lockWait time.Duration) (bool, error) {
	if !rb.mu.TryLockFor(lockWait) {
		return false, ErrLockTimeout
	}
	if rb.n < len(p) {
		rb.mu.Unlock()
		return false, nil
	}
	rb.take(p)
	rb.mu.Unlock()

	signal(rb.writable)
	return true, nil
}

// Reset discards all unread data.
func (rb *RingBuffer) Reset(lockWait time.Duration) error {
	if !rb.mu.TryLockFor(lockWait) {
		return ErrLockTimeout
	}
	rb.r, rb.w, rb.n = 0, 0, 0
	rb.avail.Store(0)
	rb.mu.Unlock()

	signal(rb.writable)
	return nil
}

func (rb *RingBuffer) put(p []byte) int {
	written := 0
	for written < len(p) && rb.n < len(rb.buf) {
		chunk := min(len(p)-written, len(rb.buf)-rb.n, len(rb.buf)-rb.w)
		copy(rb.buf[rb.w:rb.w+chunk], p[written:written+chunk])
		rb.advanceWrite(chunk)
		written += chunk
	}
	return written
}

func (rb *RingBuffer) take(p []byte) int {
	read := 0
	for read < len(p) && rb.n > 0 {
		chunk := min(len(p)-read, rb.n, len(rb.buf)-rb.r)
		copy(p[read:read+chunk], rb.buf[rb.r:rb.r+chunk])
		rb.r = (rb.r + chunk) % len(rb.buf)
		rb.n -= chunk
		read += chunk
	}
	rb.avail.Store(int64(rb.n))
	return read
}

func (rb *RingBuffer) advanceWrite(n int) {
	rb.w = (rb.w + n) % len(rb.buf)
	rb.n += n
	rb.avail.Store(int64(rb.n))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func wait(ch chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
