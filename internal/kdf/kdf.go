// Package kdf adapts the configuration file's key derivation
// functions into a single interface the mount bootstrap uses to turn
// a user passphrase into the raw mount key, independent of which
// algorithm a given config file was created with.
package kdf

import (
	"fmt"

	"github.com/sealfs/sealfs/internal/configfile"
	"github.com/sealfs/sealfs/internal/cryptocore"
)

// Algorithm identifies which KDF a config file uses.
type Algorithm string

const (
	Argon2id Algorithm = "argon2id"
	Scrypt   Algorithm = "scrypt"
)

// Params is the serializable KDF configuration stored in the mount's
// config file, covering both supported algorithms; only the fields
// relevant to Algorithm are populated.
type Params struct {
	Algorithm   Algorithm `json:"algorithm"`
	Salt        []byte    `json:"salt"`
	Memory      uint32    `json:"memory,omitempty"`      // argon2id
	Iterations  uint32    `json:"iterations,omitempty"`  // argon2id
	Parallelism uint8     `json:"parallelism,omitempty"` // argon2id
	LogN        int       `json:"log_n,omitempty"`       // scrypt
}

// NewDefaultParams returns Argon2id parameters with secure defaults,
// the recommended default for newly created mounts.
func NewDefaultParams() Params {
	a := configfile.NewArgon2idKDF()
	return Params{
		Algorithm:   Argon2id,
		Salt:        a.Salt,
		Memory:      a.Memory,
		Iterations:  a.Iterations,
		Parallelism: a.Parallelism,
	}
}

// DeriveKey derives the cryptocore.KeyLen-byte mount key from pw using
// the algorithm and parameters recorded in p.
func DeriveKey(p Params, pw []byte) ([]byte, error) {
	switch p.Algorithm {
	case Argon2id:
		a := configfile.Argon2idKDF{
			Salt:        p.Salt,
			Memory:      p.Memory,
			Iterations:  p.Iterations,
			Parallelism: p.Parallelism,
			KeyLen:      cryptocore.KeyLen,
		}
		return a.DeriveKey(pw), nil
	case Scrypt:
		s := configfile.ScryptKDF{
			Salt:   p.Salt,
			N:      1 << uint32(p.LogN),
			R:      8,
			P:      1,
			KeyLen: cryptocore.KeyLen,
		}
		return s.DeriveKey(pw), nil
	default:
		return nil, fmt.Errorf("kdf: unknown algorithm %q", p.Algorithm)
	}
}
