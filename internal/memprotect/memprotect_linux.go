//go:build linux

package memprotect

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sealfs/sealfs/internal/tlog"
)

// LockMemory locks data against swap and excludes it from core dumps
// via MADV_DONTDUMP. Returns false if either syscall failed, but the
// region is still tracked for Cleanup either way: a failed mlock on a
// hardened system (RLIMIT_MEMLOCK too low) shouldn't leak a key's
// pages from the unlock path too.
func (mp *MemoryProtection) LockMemory(data []byte) bool {
	if !mp.enabled || len(data) == 0 {
		return false
	}

	ptr := unsafe.Pointer(&data[0])
	ok := true

	if err := unix.Mlock(data); err != nil {
		tlog.Debug.Printf("memprotect: mlock failed: %v", err)
		ok = false
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		tlog.Debug.Printf("memprotect: madvise MADV_DONTDUMP failed: %v", err)
		ok = false
	}

	mp.track(ptr, uintptr(len(data)))
	return ok
}

// LockMemoryPageAligned locks data after rounding its bounds out to
// whole pages, so mlock pins every page the slice touches rather than
// just the bytes it nominally covers.
func (mp *MemoryProtection) LockMemoryPageAligned(data []byte) bool {
	if !mp.enabled || len(data) == 0 {
		return false
	}
	ps := uintptr(PageSize())
	start := uintptr(unsafe.Pointer(&data[0]))
	aligned := start &^ (ps - 1)
	size := (start + uintptr(len(data)) - aligned + ps - 1) &^ (ps - 1)

	alignedPtr := unsafe.Pointer(aligned)
	if err := unix.Mlock(unsafe.Slice((*byte)(alignedPtr), size)); err != nil {
		tlog.Debug.Printf("memprotect: page-aligned mlock failed: %v", err)
		return false
	}
	mp.track(alignedPtr, size)
	return true
}

// UnlockMemory releases a region previously locked by LockMemory.
func (mp *MemoryProtection) UnlockMemory(data []byte) {
	if len(data) == 0 {
		return
	}
	ptr := unsafe.Pointer(&data[0])
	if err := unix.Munlock(data); err != nil {
		tlog.Debug.Printf("memprotect: munlock failed: %v", err)
	}
	mp.untrack(ptr)
}

// LockAllMemory locks every page this process currently holds or will
// allocate. Aggressive: it pins the whole address space, not just key
// buffers.
func (mp *MemoryProtection) LockAllMemory() bool {
	if !mp.enabled {
		return false
	}
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		tlog.Debug.Printf("memprotect: mlockall failed: %v", err)
		return false
	}
	return true
}

// UnlockAllMemory reverses LockAllMemory.
func (mp *MemoryProtection) UnlockAllMemory() {
	if err := unix.Munlockall(); err != nil {
		tlog.Debug.Printf("memprotect: munlockall failed: %v", err)
	}
}

// SecureWipe overwrites data with a non-zero pattern and unlocks it.
// Callers handling actual key material should prefer
// MemoryProtection.SecureWipeEnhanced, which uses crypto/rand.
func (mp *MemoryProtection) SecureWipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = byte(i % 256)
	}
	runtime.GC()
	mp.UnlockMemory(data)
}
