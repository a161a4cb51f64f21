package ringbuffer

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func mustNew(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	rb, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d) failed: %v", capacity, err)
	}
	return rb
}

func TestNew_InvalidCapacity(t *testing.T) {
	if _, err := New(0); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected ErrInvalidCapacity, got %v", err)
	}
}

func TestRingBuffer_FIFOWithinCapacity(t *testing.T) {
	rb := mustNew(t, 16)

	writes := [][]byte{
		[]byte("abc"),
		[]byte("defgh"),
		[]byte("ijklmnop"),
	}
	var want []byte
	for _, w := range writes {
		n, err := rb.Write(w, time.Millisecond)
		if err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if n != len(w) {
			t.Fatalf("Write stored %d bytes, want %d", n, len(w))
		}
		want = append(want, w...)
	}

	got := make([]byte, len(want))
	n, err := rb.Read(got, time.Millisecond)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("Read = %q (%d), want %q", got[:n], n, want)
	}
	if rb.Available() != 0 {
		t.Errorf("Available = %d after draining, want 0", rb.Available())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := mustNew(t, 8)

	_, _ = rb.Write([]byte("123456"), 0)
	tmp := make([]byte, 4)
	if n, _ := rb.Read(tmp, 0); n != 4 {
		t.Fatalf("expected to read 4 bytes, got %d", n)
	}

	// Write crosses the end of the backing array.
	if n, _ := rb.Write([]byte("789abc"), 0); n != 6 {
		t.Fatalf("expected to store 6 bytes, got %d", n)
	}

	got := make([]byte, 8)
	n, _ := rb.Read(got, 0)
	if string(got[:n]) != "56789abc" {
		t.Fatalf("Read = %q, want %q", got[:n], "56789abc")
	}
}

func TestRingBuffer_ShortWriteDoesNotOverwrite(t *testing.T) {
	rb := mustNew(t, 8)

	n, err := rb.Write([]byte("0123456789"), 0)
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n >= 10 {
		t.Fatalf("expected short write, got %d", n)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes stored, got %d", n)
	}

	if n, _ := rb.Write([]byte("x"), 0); n != 0 {
		t.Fatalf("expected full buffer to reject write, stored %d", n)
	}

	got := make([]byte, 8)
	rb.Read(got, 0)
	if string(got) != "01234567" {
		t.Fatalf("unread data was modified: %q", got)
	}
}

func TestRingBuffer_ReadShortAndEmpty(t *testing.T) {
	rb := mustNew(t, 8)
	_, _ = rb.Write([]byte("ab"), 0)

	got := make([]byte, 8)
	n, err := rb.Read(got, 0)
	if err != nil || n != 2 {
		t.Fatalf("Read = %d, %v; want 2, nil", n, err)
	}

	start := time.Now()
	n, err = rb.Read(got, 5*time.Millisecond)
	if err != nil || n != 0 {
		t.Fatalf("Read on empty = %d, %v; want 0, nil", n, err)
	}
	if time.Since(start) < 4*time.Millisecond {
		t.Errorf("expected Read to wait for data up to the timeout")
	}
}

func TestRingBuffer_ReadWaitsForWriter(t *testing.T) {
	rb := mustNew(t, 8)

	go func() {
		time.Sleep(2 * time.Millisecond)
		_, _ = rb.Write([]byte("hi"), 10*time.Millisecond)
	}()

	got := make([]byte, 4)
	n, err := rb.Read(got, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if string(got[:n]) != "hi" {
		t.Fatalf("Read = %q, want %q", got[:n], "hi")
	}
}

func TestRingBuffer_ReadFullAllOrNothing(t *testing.T) {
	rb := mustNew(t, 16)
	_, _ = rb.Write([]byte("abc"), 0)

	chunk := make([]byte, 4)
	ok, err := rb.ReadFull(chunk, 0)
	if err != nil || ok {
		t.Fatalf("ReadFull with 3/4 bytes = %v, %v; want false, nil", ok, err)
	}
	if rb.Available() != 3 {
		t.Fatalf("ReadFull consumed data on failure, Available = %d", rb.Available())
	}

	_, _ = rb.Write([]byte("d"), 0)
	ok, err = rb.ReadFull(chunk, 0)
	if err != nil || !ok {
		t.Fatalf("ReadFull = %v, %v; want true, nil", ok, err)
	}
	if string(chunk) != "abcd" {
		t.Fatalf("ReadFull = %q, want %q", chunk, "abcd")
	}
}

func TestRingBuffer_WriteTimeoutBlocksForSpace(t *testing.T) {
	rb := mustNew(t, 4)
	_, _ = rb.Write([]byte("1234"), 0)

	go func() {
		time.Sleep(2 * time.Millisecond)
		buf := make([]byte, 4)
		rb.Read(buf, 10*time.Millisecond)
	}()

	n, err := rb.WriteTimeout([]byte("ab"), 200*time.Millisecond)
	if err != nil || n != 2 {
		t.Fatalf("WriteTimeout = %d, %v; want 2, nil", n, err)
	}
}

func TestRingBuffer_WriteTimeoutExpires(t *testing.T) {
	rb := mustNew(t, 4)
	_, _ = rb.Write([]byte("123"), 0)

	n, err := rb.WriteTimeout([]byte("abc"), 5*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 byte stored before timeout, got %d", n)
	}
}

func TestRingBuffer_LockTimeout(t *testing.T) {
	rb := mustNew(t, 4)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if _, err := rb.Write([]byte("a"), time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Write: expected ErrLockTimeout, got %v", err)
	}
	if _, err := rb.Read(make([]byte, 1), time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Read: expected ErrLockTimeout, got %v", err)
	}
	if err := rb.Reset(time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Reset: expected ErrLockTimeout, got %v", err)
	}
}

func TestRingBuffer_ResetAndSilence(t *testing.T) {
	rb := mustNew(t, 8)
	_, _ = rb.Write([]byte("stale"), 0)

	if err := rb.Reset(0); err != nil {
		t.Fatalf("Reset error: %v", err)
	}
	if rb.Available() != 0 {
		t.Fatalf("Available = %d after Reset", rb.Available())
	}

	n, err := rb.WriteZeros(6, 0)
	if err != nil || n != 6 {
		t.Fatalf("WriteZeros = %d, %v; want 6, nil", n, err)
	}
	got := make([]byte, 6)
	ok, _ := rb.ReadFull(got, 0)
	if !ok || !bytes.Equal(got, make([]byte, 6)) {
		t.Fatalf("expected 6 zero bytes, got %v", got)
	}
}

func TestRingBuffer_ReadAvailableNeverWaitsForData(t *testing.T) {
	rb := mustNew(t, 8)
	got := make([]byte, 8)

	start := time.Now()
	n, err := rb.ReadAvailable(got, 50*time.Millisecond)
	if err != nil || n != 0 {
		t.Fatalf("ReadAvailable on empty buffer = %d, %v; want 0, nil", n, err)
	}
	if elapsed := time.Since(start); elapsed >= 25*time.Millisecond {
		t.Fatalf("ReadAvailable waited %v for data", elapsed)
	}

	_, _ = rb.Write([]byte("xyz"), 0)
	n, err = rb.ReadAvailable(got, 0)
	if err != nil || string(got[:n]) != "xyz" {
		t.Fatalf("ReadAvailable = %q, %v; want \"xyz\"", got[:n], err)
	}
}

func TestRingBuffer_ReadAvailableLockTimeout(t *testing.T) {
	rb := mustNew(t, 8)
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if _, err := rb.ReadAvailable(make([]byte, 4), time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}
