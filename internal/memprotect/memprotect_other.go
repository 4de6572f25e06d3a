//go:build !linux && !darwin

package memprotect

import (
	"unsafe"

	"github.com/sealfs/sealfs/internal/tlog"
)

// LockMemory is a no-op tracker on platforms with no mlock support:
// the region is still recorded so Cleanup/UnlockMemory stay
// consistent with the Linux implementation in memprotect_linux.go.
func (mp *MemoryProtection) LockMemory(data []byte) bool {
	if !mp.enabled || len(data) == 0 {
		return false
	}
	ptr := unsafe.Pointer(&data[0])
	mp.track(ptr, uintptr(len(data)))
	tlog.Debug.Printf("memprotect: memory locking not supported on this platform, tracking %d bytes at %p", len(data), ptr)
	return false
}

// LockMemoryPageAligned falls back to the unaligned tracker; there is
// no real locking to align on this platform.
func (mp *MemoryProtection) LockMemoryPageAligned(data []byte) bool {
	return mp.LockMemory(data)
}

// UnlockMemory drops the tracking entry LockMemory created.
func (mp *MemoryProtection) UnlockMemory(data []byte) {
	if len(data) == 0 {
		return
	}
	ptr := unsafe.Pointer(&data[0])
	mp.untrack(ptr)
	tlog.Debug.Printf("memprotect: memory unlocking not supported on this platform, untracked %d bytes at %p", len(data), ptr)
}

// LockAllMemory is unsupported here.
func (mp *MemoryProtection) LockAllMemory() bool {
	if !mp.enabled {
		return false
	}
	tlog.Debug.Printf("memprotect: memory locking not supported on this platform")
	return false
}

// UnlockAllMemory is unsupported here.
func (mp *MemoryProtection) UnlockAllMemory() {
	tlog.Debug.Printf("memprotect: memory unlocking not supported on this platform")
}
