//go:build linux

package processhardening

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/sealfs/sealfs/internal/memprotect"
	"github.com/sealfs/sealfs/internal/tlog"
)

// HardenProcess marks the process non-dumpable and zeroes its core
// dump limit, so a crash (or a ptrace attach by another user) can't
// recover key material from a core file.
func (ph *ProcessHardening) HardenProcess() {
	if !ph.enabled {
		return
	}

	ph.setDumpable(false)
	ph.disableCoreDumps()

	tlog.Debug.Printf("processhardening: applied (linux)")
}

func (ph *ProcessHardening) setDumpable(dumpable bool) {
	arg := uintptr(0)
	if dumpable {
		arg = 1
	}
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, arg, 0, 0, 0); err != nil {
		tlog.Debug.Printf("processhardening: PR_SET_DUMPABLE failed: %v", err)
	}
}

func (ph *ProcessHardening) disableCoreDumps() {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		tlog.Debug.Printf("processhardening: RLIMIT_CORE failed: %v", err)
	}
}

// KeepAlive mlocks data through internal/memprotect and keeps it
// reachable past the call, so the caller can hold a key buffer across
// a region the garbage collector might otherwise reclaim or move.
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
// real key material should use memprotect.SecureWipeEnhanced instead,
// which uses crypto/rand and actually unlocks the region afterward.
func (ph *ProcessHardening) SecureWipe(data []byte) {
	if len(data) == 0 {
		return
	}
	for i := range data {
		data[i] = byte(i % 256)
	}
	runtime.GC()
}
