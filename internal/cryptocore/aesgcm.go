package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
)

// newAESGCM builds the AES-256-GCM cipher.AEAD directly from
// crypto/aes and crypto/cipher.NewGCM. There is no SIMD or batching
// layer here: Go's crypto/aes already dispatches to the AES-NI/ARMv8
// assembly implementation at runtime when the host CPU supports it
// (see crypto/aes/cipher_asm.go), so a second hand-rolled dispatch
// layer on top would only duplicate that work. cpudetection is used
// one level up, in autoselect.go, to choose AES-256-GCM over
// ChaCha20-Poly1305 in the first place when config selects the "auto"
// cipher.
func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
