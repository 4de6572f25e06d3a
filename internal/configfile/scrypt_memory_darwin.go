//go:build darwin

package configfile

import "golang.org/x/sys/unix"

// totalMemoryBytes reports this host's total RAM via the hw.memsize sysctl.
func totalMemoryBytes() (uint64, bool) {
	v, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, false
	}
	return v, true
}
