// Package cpudetection reports which AEAD a host's CPU can run
// fastest, so internal/cryptocore can pick AES-256-GCM or
// ChaCha20-Poly1305 without the caller needing to know anything about
// the underlying hardware.
package cpudetection

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/sealfs/sealfs/internal/tlog"
)

// Features is a snapshot of the instructions this process's CPU
// exposes that matter for AEAD throughput. Every field is read from
// golang.org/x/sys/cpu's own feature probe (which parses /proc/cpuinfo
// on Linux, sysctl on Darwin, and the CPUID/MRS equivalents elsewhere
// at process start), not guessed from GOARCH alone.
type Features struct {
	Arch string
	// AESHardware is true when the CPU exposes a dedicated AES
	// instruction set: AES-NI on amd64, the ARMv8 Cryptography
	// Extensions on arm64.
	AESHardware bool
	// WideVector is true when the CPU additionally has AVX2 (amd64),
	// which Go's assembly AES-GCM path uses for the GHASH multiply; on
	// arm64 it reports the SHA2 extension instead.
	WideVector bool
}

// Detect probes the current process's CPU for the features that
// influence AEAD backend choice.
func Detect() Features {
	f := Features{Arch: runtime.GOARCH}
	switch runtime.GOARCH {
	case "amd64":
		f.AESHardware = cpu.X86.HasAES
		f.WideVector = cpu.X86.HasAVX2
	case "arm64":
		f.AESHardware = cpu.ARM64.HasAES
		f.WideVector = cpu.ARM64.HasSHA2
	}
	tlog.Debug.Printf("cpudetection: arch=%s aes_hw=%v wide_vector=%v", f.Arch, f.AESHardware, f.WideVector)
	return f
}

// PreferAESGCM reports whether AES-256-GCM should be expected to
// outperform ChaCha20-Poly1305 on this CPU. Go's crypto/aes already
// contains the AES-NI/ARMv8 assembly kernels; this only decides which
// of the two supported backends cryptocore.RecommendedBackend returns
// when config.Cipher is "auto", not how either is implemented.
func (f Features) PreferAESGCM() bool {
	return f.AESHardware
}

// String renders a short, human-readable feature summary for the
// `sealfs speed` command and debug logs.
func (f Features) String() string {
	s := f.Arch
	if f.AESHardware {
		s += "+aes"
	}
	if f.WideVector {
		s += "+wide"
	}
	return s
}
