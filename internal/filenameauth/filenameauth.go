// Package filenameauth adds a second, independent integrity check over
// directory entries, on top of the AEAD seal internal/dirindex already
// applies to each entry's encrypted name. The MAC here is bound to the
// parent inode, so an attacker who splices an entry from one directory
// into another (both encrypted under the same master key) is caught
// even if the spliced ciphertext itself decrypts cleanly.
package filenameauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/ferrors"
)

const (
	// FilenameAuthMACLen is the length of the MAC in bytes.
	FilenameAuthMACLen = 32 // SHA256 HMAC
	// FilenameAuthSeparator separates the encrypted name from the MAC.
	FilenameAuthSeparator = "."
)

// FilenameAuth authenticates directory entry names against the inode
// of the directory that holds them.
type FilenameAuth struct {
	enabled bool
	macKey  []byte
}

// New creates a FilenameAuth. masterKey is the volume's content master
// key; the MAC key actually used is derived from it so a leaked
// filename MAC can never be used to recover masterKey.
func New(masterKey []byte, enabled bool) *FilenameAuth {
	fa := &FilenameAuth{enabled: enabled}
	if enabled {
		fa.macKey = deriveFilenameMACKey(masterKey)
	}
	return fa
}

// IsEnabled returns whether filename authentication is enabled.
func (fa *FilenameAuth) IsEnabled() bool {
	return fa.enabled
}

// AuthenticateFilename appends a MAC over encryptedName bound to
// parentIno, the inode number of the directory the entry lives in.
func (fa *FilenameAuth) AuthenticateFilename(parentIno uint64, encryptedName string) (string, error) {
	if !fa.enabled {
		return encryptedName, nil
	}

	mac := fa.calculateMAC(parentIno, []byte(encryptedName))
	macB64 := base64.URLEncoding.EncodeToString(mac)
	return encryptedName + FilenameAuthSeparator + macB64, nil
}

// VerifyFilename checks authenticatedName's MAC against parentIno and
// returns the encrypted name it covers. A name authenticated under a
// different parent inode is rejected, even if the MAC itself is
// otherwise well-formed.
func (fa *FilenameAuth) VerifyFilename(parentIno uint64, authenticatedName string) (string, error) {
	if !fa.enabled {
		return authenticatedName, nil
	}

	parts := splitAuthenticatedName(authenticatedName)
	if len(parts) != 2 {
		return "", ferrors.New(ferrors.CorruptBlock, "authenticated filename has no MAC suffix")
	}

	encryptedName := parts[0]
	macB64 := parts[1]

	mac, err := base64.URLEncoding.DecodeString(macB64)
	if err != nil {
		return "", ferrors.Wrap(ferrors.CorruptBlock, err)
	}

	expectedMAC := fa.calculateMAC(parentIno, []byte(encryptedName))
	if !hmac.Equal(mac, expectedMAC) {
		return "", ferrors.New(ferrors.CorruptBlock, "filename authentication failed: MAC mismatch")
	}

	return encryptedName, nil
}

// calculateMAC computes HMAC-SHA256 over parentIno (as a fixed 8-byte
// big-endian prefix) followed by data, so the MAC can never be
// replayed against a directory entry with a different parent.
func (fa *FilenameAuth) calculateMAC(parentIno uint64, data []byte) []byte {
	var inoBuf [8]byte
	binary.BigEndian.PutUint64(inoBuf[:], parentIno)

	h := hmac.New(sha256.New, fa.macKey)
	h.Write(inoBuf[:])
	h.Write(data)
	return h.Sum(nil)
}

// deriveFilenameMACKey derives a key for filename authentication from
// the master key via HKDF, so it never collides with the content or
// name encryption keys derived from the same master key.
func deriveFilenameMACKey(masterKey []byte) []byte {
	info := []byte("sealfs-filename-auth-v1")
	return cryptocore.HKDFDerive(masterKey, info, FilenameAuthMACLen)
}

// splitAuthenticatedName splits an authenticated filename at the last
// occurrence of FilenameAuthSeparator, since the encrypted name itself
// may legitimately contain the separator byte.
func splitAuthenticatedName(authenticatedName string) []string {
	lastSep := -1
	for i := len(authenticatedName) - 1; i >= 0; i-- {
		if authenticatedName[i] == FilenameAuthSeparator[0] {
			lastSep = i
			break
		}
	}

	if lastSep == -1 {
		return []string{authenticatedName}
	}

	return []string{
		authenticatedName[:lastSep],
		authenticatedName[lastSep+1:],
	}
}

// GetMACLength returns the length of the MAC in bytes.
func (fa *FilenameAuth) GetMACLength() int {
	if !fa.enabled {
		return 0
	}
	return FilenameAuthMACLen
}

// GetSeparator returns the separator used between encrypted name and MAC.
func (fa *FilenameAuth) GetSeparator() string {
	return FilenameAuthSeparator
}

// Wipe securely wipes the MAC key from memory.
func (fa *FilenameAuth) Wipe() {
	if fa.macKey != nil {
		for i := range fa.macKey {
			fa.macKey[i] = 0
		}
		fa.macKey = nil
	}
}
