// Package cryptocore implements the block codec: construction of the
// two required AEAD backends (ChaCha20-Poly1305 and AES-256-GCM) and
// generation of the random per-block nonces that are sealed into every
// ciphertext record.
package cryptocore

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sealfs/sealfs/internal/tlog"
)

// KeyLen is the length, in bytes, of the mount key (256 bits for both
// supported AEADs).
const KeyLen = 32

// AuthTagLen is the AEAD authentication tag length; both ChaCha20-Poly1305
// and AES-256-GCM use 16-byte (128-bit) tags.
const AuthTagLen = 16

// Backend selects which AEAD construction a CryptoCore uses.
type Backend int

const (
	// BackendChaCha20Poly1305 uses golang.org/x/crypto/chacha20poly1305.
	BackendChaCha20Poly1305 Backend = iota
	// BackendAESGCM uses crypto/aes + crypto/cipher.NewGCM.
	BackendAESGCM
)

func (b Backend) String() string {
	switch b {
	case BackendAESGCM:
		return "AES-256-GCM"
	default:
		return "ChaCha20-Poly1305"
	}
}

// CryptoCore bundles the AEAD primitive with the random nonce source
// used for every block encryption.
type CryptoCore struct {
	// AEADCipher performs the actual seal/open of a single block.
	AEADCipher cipher.AEAD
	// AEADBackend records which construction AEADCipher implements.
	AEADBackend Backend
	// IVLen is the nonce length AEADCipher expects.
	IVLen int
	// IVGenerator produces fresh, random per-block nonces.
	IVGenerator *NonceGenerator
}

// New derives a CryptoCore from a raw mount key and the selected
// backend. The key is not retained beyond what the underlying AEAD
// construction copies internally; callers are expected to wipe their
// own copy via internal/secret.
func New(key []byte, backend Backend) (*CryptoCore, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("cryptocore: wrong key length: got %d, want %d", len(key), KeyLen)
	}

	var aead cipher.AEAD
	var err error
	switch backend {
	case BackendAESGCM:
		aead, err = newAESGCM(key)
	default:
		aead, err = chacha20poly1305.New(key)
	}
	if err != nil {
		return nil, err
	}

	tlog.Debug.Printf("cryptocore.New: backend=%s, nonceLen=%d", backend, aead.NonceSize())

	return &CryptoCore{
		AEADCipher:  aead,
		AEADBackend: backend,
		IVLen:       aead.NonceSize(),
		IVGenerator: NewNonceGenerator(aead.NonceSize()),
	}, nil
}

// Wipe drops the reference to the AEAD cipher and wipes the nonce
// generator's pooled random bytes. It does not zero the key bytes
// backing the AEAD construction; callers own that via
// internal/secret.Key.Wipe.
func (cc *CryptoCore) Wipe() {
	cc.IVGenerator.Close()
	cc.AEADCipher = nil
}

// RandBytes returns n cryptographically random bytes: nonce pool
// refills, KDF salts, file IDs.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand.Read on a supported OS does not fail; a failure
		// here means the system RNG is unusable and nothing downstream
		// can be trusted.
		panic("cryptocore: system RNG failed: " + err.Error())
	}
	return b
}
