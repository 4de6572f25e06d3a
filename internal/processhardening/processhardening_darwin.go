//go:build darwin

package processhardening

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/sealfs/sealfs/internal/memprotect"
	"github.com/sealfs/sealfs/internal/tlog"
)

// HardenProcess zeroes the core dump limit. macOS has no
// PR_SET_DUMPABLE equivalent reachable without entitlements, so this
// is strictly weaker than the Linux hardening.
func (ph *ProcessHardening) HardenProcess() {
	if !ph.enabled {
		return
	}

	ph.disableCoreDumps()

	tlog.Debug.Printf("processhardening: applied (darwin)")
}

func (ph *ProcessHardening) disableCoreDumps() {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		tlog.Debug.Printf("processhardening: RLIMIT_CORE failed: %v", err)
	}
}

// KeepAlive mlocks data through internal/memprotect and keeps it
// reachable past the call.
func (ph *ProcessHardening) KeepAlive(data []byte, mp *memprotect.MemoryProtection) {
	if len(data) == 0 {
		return
	}
	runtime.KeepAlive(data)
	if mp != nil {
		mp.LockMemory(data)
	}
}

// SecureWipe overwrites data with a non-zero pattern. Callers handling
// real key material should use memprotect.SecureWipeEnhanced instead.
func (ph *ProcessHardening) SecureWipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = byte(i % 256)
	}
	runtime.GC()
}
