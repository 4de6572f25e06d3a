// Package writecoalescing buffers the small, scattered writes a
// userspace filesystem sees from real workloads (single-byte appends,
// unaligned rewrites from editors) and submits them to the seekable
// crypto writer as fewer, larger calls. Every coalesced
// write still eventually reaches contentenc.SeekableWriter byte-for-
// byte identical to an uncoalesced one; this package only changes how
// many times Write is called and with what batching, never what bytes
// land where.
package writecoalescing

import (
	"sync"
	"time"

	"github.com/sealfs/sealfs/internal/tlog"
)

const (
	// DefaultThreshold is the write size, in bytes, at or above which
	// coalescing is skipped and the write goes straight through: once a
	// write is this large it already amortizes the backing store's
	// read-modify-write cost on its own.
	DefaultThreshold = 1024
	// DefaultWindow is how long pending bytes may sit idle before the
	// next Write flushes them first instead of appending. There is no
	// timer: an idle buffer is drained only by that next Write, by
	// Flush, or by Forget.
	DefaultWindow = 10 * time.Millisecond
	// DefaultCapacity is the buffer size, in bytes, that forces a flush
	// regardless of the timing window. Matches contentenc.DefaultBS so
	// a fully-coalesced buffer lines up with one plaintext block.
	DefaultCapacity = 64 * 1024
)

// Config tunes when a Buffer flushes.
type Config struct {
	// Threshold is the write size that bypasses coalescing entirely.
	Threshold int
	// Window is the idle time after which the next Write flushes a
	// partial buffer before staging its own bytes.
	Window time.Duration
	// Capacity is the buffer size that forces an immediate flush.
	Capacity int
	// Enabled controls whether coalescing happens at all; when false
	// every write is submitted immediately, unbuffered.
	Enabled bool
}

// DefaultConfig returns the coalescing parameters sized around one
// content block (internal/contentenc.DefaultBS).
func DefaultConfig() *Config {
	return &Config{
		Threshold: DefaultThreshold,
		Window:    DefaultWindow,
		Capacity:  DefaultCapacity,
		Enabled:   true,
	}
}

// Flusher submits coalesced bytes to their real destination — in
// practice, a seek-then-write against one handle's
// contentenc.SeekableWriter.
type Flusher func(data []byte, offset int64) error

// Buffer coalesces the writes aimed at one open handle.
type Buffer struct {
	cfg     *Config
	flush   Flusher
	mu      sync.Mutex
	pend    []byte
	pendAt  int64
	touched time.Time
}

// NewBuffer creates a Buffer that submits coalesced writes through
// flush. A nil cfg falls back to DefaultConfig.
func NewBuffer(cfg *Config, flush Flusher) *Buffer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Buffer{cfg: cfg, flush: flush, pend: make([]byte, 0, cfg.Capacity)}
}

// Write stages data at offset, submitting it (and any already-pending
// bytes) immediately if coalescing is disabled, the write is large, or
// the pending buffer would overflow or has gone stale. A write that does
// not start where the pending bytes end flushes them first, so only
// adjacent writes are merged.
func (b *Buffer) Write(data []byte, offset int64) error {
	if !b.cfg.Enabled {
		return b.flush(data, offset)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) >= b.cfg.Threshold {
		if len(b.pend) > 0 {
			if err := b.drainLocked(); err != nil {
				return err
			}
		}
		return b.flush(data, offset)
	}

	now := time.Now()
	if len(b.pend) > 0 && now.Sub(b.touched) > b.cfg.Window {
		if err := b.drainLocked(); err != nil {
			return err
		}
	}
	if len(b.pend)+len(data) > b.cfg.Capacity {
		if err := b.drainLocked(); err != nil {
			return err
		}
	}

	if len(b.pend) > 0 && offset != b.pendAt+int64(len(b.pend)) {
		if err := b.drainLocked(); err != nil {
			return err
		}
	}

	if len(b.pend) == 0 {
		b.pendAt = offset
	}
	b.pend = append(b.pend, data...)
	b.touched = now
	return nil
}

// Flush submits any pending bytes now.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainLocked()
}

func (b *Buffer) drainLocked() error {
	if len(b.pend) == 0 {
		return nil
	}
	data := make([]byte, len(b.pend))
	copy(data, b.pend)
	offset := b.pendAt
	b.pend = b.pend[:0]
	return b.flush(data, offset)
}

// Pending reports how many bytes are currently buffered.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pend)
}

// Manager owns one Buffer per open handle, identified by its facade
// file handle id.
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	buffers map[uint64]*Buffer
	flush   func(fh uint64, data []byte, offset int64) error
}

// NewManager creates a Manager that routes each handle's coalesced
// writes through flush. A nil cfg falls back to DefaultConfig.
func NewManager(cfg *Config, flush func(fh uint64, data []byte, offset int64) error) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{cfg: cfg, buffers: make(map[uint64]*Buffer), flush: flush}
}

func (m *Manager) bufferFor(fh uint64) *Buffer {
	m.mu.RLock()
	b, ok := m.buffers[fh]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[fh]; ok {
		return b
	}
	b = NewBuffer(m.cfg, func(data []byte, offset int64) error {
		return m.flush(fh, data, offset)
	})
	m.buffers[fh] = b
	return b
}

// Write stages data at offset for handle fh.
func (m *Manager) Write(fh uint64, data []byte, offset int64) error {
	return m.bufferFor(fh).Write(data, offset)
}

// Flush submits fh's pending bytes, if any buffer exists for it yet.
func (m *Manager) Flush(fh uint64) error {
	m.mu.RLock()
	b, ok := m.buffers[fh]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Flush()
}

// FlushAll submits every handle's pending bytes. Per-handle errors are
// collected; the last one encountered is returned, matching the
// facade's single-error-per-call contract (every handle is still
// attempted even if an earlier one fails).
func (m *Manager) FlushAll() error {
	m.mu.RLock()
	buffers := make([]*Buffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		buffers = append(buffers, b)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, b := range buffers {
		if err := b.Flush(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Forget flushes and drops the buffer for fh, called from Release.
func (m *Manager) Forget(fh uint64) error {
	m.mu.Lock()
	b, ok := m.buffers[fh]
	delete(m.buffers, fh)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Flush()
}

// Stats reports the manager's current buffer population, used by
// LogStats for debug logging.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, b := range m.buffers {
		total += b.Pending()
	}
	return map[string]interface{}{
		"buffer_count":      len(m.buffers),
		"total_buffer_size": total,
	}
}

// LogStats writes the manager's current buffer population to the
// debug log.
func (m *Manager) LogStats() {
	s := m.Stats()
	tlog.Debug.Printf("writecoalescing: buffers=%v total_bytes=%v", s["buffer_count"], s["total_buffer_size"])
}
