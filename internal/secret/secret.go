// Package secret holds raw key material in page-locked, non-dumpable
// memory for as long as it is needed, and overwrites it the moment it
// is no longer in use.
package secret

import "github.com/sealfs/sealfs/internal/memprotect"

// Key is a fixed-length secret byte string, typically a mount key or
// a derived subkey, backed by locked memory.
type Key struct {
	mp    *memprotect.MemoryProtection
	data  []byte
	wiped bool
}

// New copies raw into a freshly allocated, locked buffer. raw is not
// retained or modified; callers that derived raw themselves are
// responsible for wiping their own copy.
func New(raw []byte) *Key {
	mp := memprotect.New()
	buf := mp.AllocatePageAligned(len(raw))
	copy(buf, raw)
	return &Key{mp: mp, data: buf}
}

// Reveal invokes f with the underlying key bytes. The slice passed to
// f aliases Key's internal buffer and must not be retained or mutated
// beyond the call, so a caller can never hold on to key material past
// the point where Wipe is expected to have destroyed it.
func (k *Key) Reveal(f func([]byte)) {
	if k.wiped {
		panic("secret: Reveal after Wipe")
	}
	f(k.data)
}

// Wipe overwrites the key with random data, unlocks its memory, and
// marks the Key unusable. It is idempotent.
func (k *Key) Wipe() {
	if k.wiped {
		return
	}
	k.mp.SecureWipeEnhanced(k.data)
	k.wiped = true
}
