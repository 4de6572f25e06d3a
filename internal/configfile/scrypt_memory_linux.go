//go:build linux

package configfile

import "golang.org/x/sys/unix"

// totalMemoryBytes reports this host's total RAM via sysinfo(2), so
// GetRecommendedScryptLogN can size scrypt's memory cost to what the
// machine can actually spare instead of a single fixed constant.
func totalMemoryBytes() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	return uint64(info.Totalram) * uint64(info.Unit), true
}
