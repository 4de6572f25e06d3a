// Package memprotect keeps key material that secret.Key wraps out of
// swap and core dumps: mlock/mlockall pin pages in RAM, and
// MADV_DONTDUMP excludes them from a crash dump, for as long as this
// process holds the volume's master key in memory.
package memprotect

import (
	"crypto/rand"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// lockedRegion remembers a locked allocation's address and size, so
// Cleanup can munlock the exact span it locked rather than guessing.
type lockedRegion struct {
	ptr  unsafe.Pointer
	size uintptr
}

// MemoryProtection tracks the memory regions it has locked on behalf
// of one process, so they can all be released together at shutdown.
type MemoryProtection struct {
	locked  []lockedRegion
	enabled bool
}

// New creates a MemoryProtection with locking enabled.
func New() *MemoryProtection {
	return &MemoryProtection{enabled: true}
}

// Cleanup unlocks every region this instance has locked.
func (mp *MemoryProtection) Cleanup() {
	for _, r := range mp.locked {
		_ = unix.Munlock(unsafe.Slice((*byte)(r.ptr), r.size))
	}
	mp.locked = mp.locked[:0]
}

// Disable turns locking off; SecureZero/SecureRandom still work, but
// LockMemory becomes a no-op. Used on platforms or in tests where
// mlock's RLIMIT_MEMLOCK requirement can't be satisfied.
func (mp *MemoryProtection) Disable() {
	mp.enabled = false
}

// IsEnabled returns whether memory locking is enabled.
func (mp *MemoryProtection) IsEnabled() bool {
	return mp.enabled
}

// PageSize returns the system page size.
func PageSize() int {
	return unix.Getpagesize()
}

// track records a locked region for later release by Cleanup or
// UnlockMemory.
func (mp *MemoryProtection) track(ptr unsafe.Pointer, size uintptr) {
	mp.locked = append(mp.locked, lockedRegion{ptr: ptr, size: size})
}

func (mp *MemoryProtection) untrack(ptr unsafe.Pointer) {
	for i, r := range mp.locked {
		if r.ptr == ptr {
			mp.locked = append(mp.locked[:i], mp.locked[i+1:]...)
			return
		}
	}
}

// AllocatePageAligned allocates a page-rounded buffer of size bytes
// and locks it immediately, so the caller never has an unlocked
// window between allocation and use.
func (mp *MemoryProtection) AllocatePageAligned(size int) []byte {
	if !mp.enabled {
		return make([]byte, size)
	}

	pageSize := PageSize()
	alignedSize := ((size + pageSize - 1) / pageSize) * pageSize
	data := make([]byte, alignedSize)
	mp.LockMemory(data)
	return data[:size]
}

// SecureZero overwrites data with zeros and forces a GC cycle so no
// copy the allocator moved survives in an unreachable-but-unswept
// state.
func (mp *MemoryProtection) SecureZero(data []byte) {
	if len(data) == 0 {
		return
	}
	defer runtime.KeepAlive(data)
	for i := range data {
		data[i] = 0
	}
	runtime.GC()
}

// SecureRandom overwrites data with cryptographically random bytes.
func (mp *MemoryProtection) SecureRandom(data []byte) {
	if len(data) == 0 {
		return
	}
	defer runtime.KeepAlive(data)
	if _, err := rand.Read(data); err != nil {
		for i := range data {
			data[i] = byte(i % 256)
		}
	}
	runtime.GC()
}

// SecureWipeEnhanced overwrites data with random bytes and unlocks it,
// used when a Key is released rather than just rotated.
func (mp *MemoryProtection) SecureWipeEnhanced(data []byte) {
	if len(data) == 0 {
		return
	}
	mp.SecureRandom(data)
	mp.UnlockMemory(data)
}
