package writecoalescing

import (
	"sync"
	"testing"
	"time"
)

func TestBufferSmallWriteIsBuffered(t *testing.T) {
	var flushCount int
	var mu sync.Mutex
	flush := func(data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		flushCount++
		return nil
	}

	b := NewBuffer(&Config{Threshold: 1024, Window: 10 * time.Millisecond, Capacity: 4096, Enabled: true}, flush)

	if err := b.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 0 {
		t.Error("small write should not trigger immediate flush")
	}
	mu.Unlock()

	if err := b.Write(make([]byte, 2048), 5); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 2 {
		t.Errorf("expected 2 flushes (buffered+large), got %d", flushCount)
	}
	mu.Unlock()
}

func TestBufferDisabledFlushesImmediately(t *testing.T) {
	var flushCount int
	var mu sync.Mutex
	flush := func(data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		flushCount++
		return nil
	}

	b := NewBuffer(&Config{Enabled: false}, flush)
	if err := b.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 1 {
		t.Errorf("expected 1 immediate flush, got %d", flushCount)
	}
	mu.Unlock()
}

func TestBufferWindowTimeout(t *testing.T) {
	var flushCount int
	var mu sync.Mutex
	flush := func(data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		flushCount++
		return nil
	}

	b := NewBuffer(&Config{Threshold: 1024, Window: 5 * time.Millisecond, Capacity: 4096, Enabled: true}, flush)
	if err := b.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 0 {
		t.Error("small write should not trigger immediate flush")
	}
	mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	if err := b.Write([]byte("world"), 5); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 1 {
		t.Errorf("expected 1 flush due to stale window, got %d", flushCount)
	}
	mu.Unlock()
}

func TestBufferCapacityOverflow(t *testing.T) {
	var flushCount int
	var mu sync.Mutex
	flush := func(data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		flushCount++
		return nil
	}

	b := NewBuffer(&Config{Threshold: 1024, Window: 100 * time.Millisecond, Capacity: 100, Enabled: true}, flush)
	if err := b.Write(make([]byte, 50), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := b.Write(make([]byte, 60), 50); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	mu.Lock()
	if flushCount != 1 {
		t.Errorf("expected 1 flush due to capacity overflow, got %d", flushCount)
	}
	mu.Unlock()
}

func TestManagerPerHandleBuffers(t *testing.T) {
	var flushedHandles []uint64
	var mu sync.Mutex

	flush := func(fh uint64, data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		flushedHandles = append(flushedHandles, fh)
		return nil
	}

	m := NewManager(DefaultConfig(), flush)

	if err := m.Write(1, []byte("hello"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := m.Write(2, []byte("world"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	mu.Lock()
	if len(flushedHandles) != 2 {
		t.Errorf("expected 2 flushed handles, got %d", len(flushedHandles))
	}
	mu.Unlock()

	stats := m.Stats()
	if stats["buffer_count"].(int) != 2 {
		t.Errorf("expected 2 buffers, got %v", stats["buffer_count"])
	}

	if err := m.Forget(1); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	stats = m.Stats()
	if stats["buffer_count"].(int) != 1 {
		t.Errorf("expected 1 buffer after Forget, got %v", stats["buffer_count"])
	}
}

func BenchmarkBufferWrite(b *testing.B) {
	flush := func(data []byte, offset int64) error { return nil }
	buf := NewBuffer(DefaultConfig(), flush)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Write([]byte("test data"), int64(i*10))
	}
}

func BenchmarkBufferWriteDisabled(b *testing.B) {
	flush := func(data []byte, offset int64) error { return nil }
	buf := NewBuffer(&Config{Enabled: false}, flush)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Write([]byte("test data"), int64(i*10))
	}
}
