package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf))
	}

	// A resliced buffer comes back at full length.
	pool.Put(buf[:10])
	buf2 := pool.Get()
	if len(buf2) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf2))
	}
}

func TestBytePool_DropsSmallSlices(t *testing.T) {
	pool := NewBytePool(64)
	pool.Put(make([]byte, 8))

	if got := pool.Get(); len(got) != 64 {
		t.Errorf("expected buffer size 64, got %d", len(got))
	}
}

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(2116)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		buf[0] = byte(i)
		pool.Put(buf)
	}
}
