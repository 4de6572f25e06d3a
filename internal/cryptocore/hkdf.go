package cryptocore

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFDerive derives outLen bytes from masterKey using HKDF-SHA256
// with info as the context string, per RFC 5869. It is used to split
// a single mount key into independent subkeys for unrelated purposes
// (e.g. filename authentication) without ever reusing the mount key
// itself for anything but block content encryption.
func HKDFDerive(masterKey, info []byte, outLen int) []byte {
	r := hkdf.New(sha256.New, masterKey, nil, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("cryptocore: HKDF expand failed: " + err.Error())
	}
	return out
}
