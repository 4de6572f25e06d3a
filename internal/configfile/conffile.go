package configfile

import (
	"crypto/rand"
	"encoding/json"
	"os"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/ferrors"
)

// confFileVersion is the on-disk format version written by Create.
const confFileVersion = 2

// FeatureFlag names an optional on-disk behavior a config file opts
// into, so a build that does not understand a flag can refuse to
// mount rather than silently getting it wrong.
type FeatureFlag string

const (
	FlagArgon2id              FeatureFlag = "Argon2id"
	FlagFilenameAuth          FeatureFlag = "FilenameAuth"
	FlagAESSIV                FeatureFlag = "AESSIV"
	FlagPlaintextNames        FeatureFlag = "PlaintextNames"
	FlagConfigurableBlockSize FeatureFlag = "ConfigurableBlockSize"
)

// ConfFile is the on-disk, JSON-encoded mount configuration: the KDF
// parameters that turn a passphrase into a key-encryption key, the
// random master key wrapped under it, and the feature flags this
// mount was created with. ScryptObject is always populated, even when
// Argon2id is the active KDF; in that case the master key is wrapped
// only under the Argon2id-derived key, and the scrypt parameters alone
// cannot unwrap it.
type ConfFile struct {
	Creator        string        `json:"creator"`
	Version        int           `json:"version"`
	FeatureFlags   []FeatureFlag `json:"feature_flags,omitempty"`
	ScryptObject   *ScryptKDF    `json:"scrypt_object,omitempty"`
	Argon2idObject *Argon2idKDF  `json:"argon2id_object,omitempty"`
	EncryptedKey   []byte        `json:"encrypted_key"`
	BlockSize      int           `json:"block_size,omitempty"`
}

// CreateArgs collects the choices Create needs to mint a new mount's
// config file.
type CreateArgs struct {
	Filename       string
	Password       []byte
	Creator        string
	LogN           int
	Argon2id       bool
	FilenameAuth   bool
	AESSIV         bool
	PlaintextNames bool
	// BlockSize overrides the compiled-in plaintext block size; 0
	// keeps the default and omits FlagConfigurableBlockSize.
	BlockSize int
}

// Create derives a fresh random master key, wraps it under a
// passphrase-derived key-encryption key, and writes the result as
// JSON to args.Filename.
func Create(args *CreateArgs) error {
	masterKey := cryptocore.RandBytes(cryptocore.KeyLen)
	defer wipe(masterKey)

	cf := &ConfFile{
		Creator:   args.Creator,
		Version:   confFileVersion,
		BlockSize: args.BlockSize,
	}

	scrypt := NewScryptKDF(args.LogN)
	cf.ScryptObject = &scrypt
	kek := cf.ScryptObject.DeriveKey(args.Password)

	if args.Argon2id {
		argon2id := NewArgon2idKDF()
		cf.Argon2idObject = &argon2id
		wipe(kek)
		kek = cf.Argon2idObject.DeriveKey(args.Password)
		cf.FeatureFlags = append(cf.FeatureFlags, FlagArgon2id)
	}
	defer wipe(kek)

	if args.FilenameAuth {
		cf.FeatureFlags = append(cf.FeatureFlags, FlagFilenameAuth)
	}
	if args.AESSIV {
		cf.FeatureFlags = append(cf.FeatureFlags, FlagAESSIV)
	}
	if args.PlaintextNames {
		cf.FeatureFlags = append(cf.FeatureFlags, FlagPlaintextNames)
	}
	if args.BlockSize != 0 {
		cf.FeatureFlags = append(cf.FeatureFlags, FlagConfigurableBlockSize)
	}

	sealed, err := sealKey(kek, masterKey)
	if err != nil {
		return err
	}
	cf.EncryptedKey = sealed

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return ferrors.Wrap(ferrors.Other, err)
	}
	if err := os.WriteFile(args.Filename, data, 0o600); err != nil {
		return ferrors.Wrap(ferrors.Io, err)
	}
	return nil
}

// Load reads and JSON-decodes the config file at path. It does not
// derive or unwrap any key; call DecryptMasterKey for that.
func Load(path string) (*ConfFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Io, err)
	}
	var cf ConfFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	return &cf, nil
}

// IsFeatureFlagSet reports whether flag is present in cf's feature
// flag list.
func (cf *ConfFile) IsFeatureFlagSet(flag FeatureFlag) bool {
	for _, f := range cf.FeatureFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// DeriveKEK derives the key-encryption key from password using
// whichever KDF this config file is set up with, preferring Argon2id
// when the flag is set. The KDF run is the expensive part of
// unwrapping the master key; a caller that wants to re-unwrap later
// (to bound how long the unwrapped master key stays in memory) keeps
// the KEK and calls UnwrapMasterKey per use instead.
func (cf *ConfFile) DeriveKEK(password []byte) ([]byte, error) {
	switch {
	case cf.IsFeatureFlagSet(FlagArgon2id) && cf.Argon2idObject != nil:
		return cf.Argon2idObject.DeriveKey(password), nil
	case cf.ScryptObject != nil:
		return cf.ScryptObject.DeriveKey(password), nil
	default:
		return nil, ferrors.New(ferrors.Other, "config file has no key derivation parameters")
	}
}

// UnwrapMasterKey opens the wrapped master key under kek. Cheap
// relative to DeriveKEK; safe to call once per cache miss.
func (cf *ConfFile) UnwrapMasterKey(kek []byte) ([]byte, error) {
	return openKey(kek, cf.EncryptedKey)
}

// DecryptMasterKey derives the key-encryption key from password and
// unwraps the random master key in one step, wiping the intermediate
// KEK before returning.
func (cf *ConfFile) DecryptMasterKey(password []byte) ([]byte, error) {
	kek, err := cf.DeriveKEK(password)
	if err != nil {
		return nil, err
	}
	defer wipe(kek)
	return cf.UnwrapMasterKey(kek)
}

func sealKey(kek, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openKey(kek, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Other, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ferrors.New(ferrors.CorruptBlock, "config file encrypted key truncated")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ferrors.New(ferrors.CorruptBlock, "wrong password or corrupt config file")
	}
	return plain, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
