package configfile

import (
	"fmt"
	"log"
	"math"
	"os"

	"golang.org/x/crypto/scrypt"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/exitcodes"
	"github.com/sealfs/sealfs/internal/tlog"
)

const (
	// ScryptDefaultLogN is the baseline cost parameter for new mounts.
	// N=2^17 with r=8 costs 128MB of memory per derivation.
	ScryptDefaultLogN = 17
	// RFC 7914 section 2 recommends r=8, p=1. Values below that in a
	// config file mean the file was weakened, so they are rejected.
	scryptMinR = 8
	scryptMinP = 1
	// Below logN=10 the derivation is fast enough to brute-force;
	// nothing legitimate writes such a config.
	scryptMinLogN = 10
	// Salts are always generated at 32 bytes; shorter ones are rejected.
	scryptMinSaltLen = 32
)

// ScryptKDF carries the scrypt parameters stored in the sealed config
// file.
type ScryptKDF struct {
	// Salt is the random salt that is passed to scrypt
	Salt []byte
	// N: scrypt CPU/Memory cost parameter
	N int
	// R: scrypt block size parameter
	R int
	// P: scrypt parallelization parameter
	P int
	// KeyLen is the output data length
	KeyLen int
}

// NewScryptKDF returns a new instance of ScryptKDF. A non-positive
// logN falls back to GetRecommendedScryptLogN rather than a single
// fixed constant, so a caller that passes 0 gets the host-appropriate
// cost; a positive logN is used as given.
func NewScryptKDF(logN int) ScryptKDF {
	var s ScryptKDF
	s.Salt = cryptocore.RandBytes(cryptocore.KeyLen)
	if logN <= 0 {
		s.N = 1 << uint32(GetRecommendedScryptLogN())
	} else {
		s.N = 1 << uint32(logN)
	}
	s.R = 8
	s.P = 1
	s.KeyLen = cryptocore.KeyLen
	return s
}

// DeriveKey derives the key-encryption key from pw. Parameters are
// validated first; a weakened config file is fatal, not an error the
// mount could sensibly continue past.
func (s *ScryptKDF) DeriveKey(pw []byte) []byte {
	if err := s.validateParams(); err != nil {
		tlog.Fatal.Println(err.Error())
		os.Exit(exitcodes.ScryptParams)
	}
	k, err := scrypt.Key(pw, s.Salt, s.N, s.R, s.P, s.KeyLen)
	if err != nil {
		// Only reachable with parameters validateParams already vetted.
		log.Panicf("scrypt.Key: %v", err)
	}
	return k
}

// LogN returns Log2(N); N is persisted as a power of two but the CLI
// and config file speak in exponents.
func (s *ScryptKDF) LogN() int {
	return int(math.Log2(float64(s.N)) + 0.5)
}

// validateParams rejects parameters below the hardcoded floors, so a
// tampered config file cannot quietly downgrade the derivation cost.
func (s *ScryptKDF) validateParams() error {
	if s.N < 1<<scryptMinLogN {
		return fmt.Errorf("fatal: scrypt N below 2^%d is too weak", scryptMinLogN)
	}
	if s.R < scryptMinR {
		return fmt.Errorf("fatal: scrypt parameter R below minimum: value=%d, min=%d", s.R, scryptMinR)
	}
	if s.P < scryptMinP {
		return fmt.Errorf("fatal: scrypt parameter P below minimum: value=%d, min=%d", s.P, scryptMinP)
	}
	if len(s.Salt) < scryptMinSaltLen {
		return fmt.Errorf("fatal: scrypt salt length below minimum: value=%d, min=%d", len(s.Salt), scryptMinSaltLen)
	}
	if s.KeyLen < cryptocore.KeyLen {
		return fmt.Errorf("fatal: scrypt parameter KeyLen below minimum: value=%d, min=%d", s.KeyLen, cryptocore.KeyLen)
	}
	return nil
}

// GetRecommendedScryptLogN returns the scrypt logN parameter to use
// for a new mount, scaled up on hosts with enough RAM to afford it:
// scrypt's memory use is roughly 128*N*r bytes, so each extra logN bit
// doubles it. totalMemoryBytes reports 0, false on platforms with no
// probe (internal/configfile/scrypt_memory_other.go), in which case
// this falls back to ScryptDefaultLogN.
func GetRecommendedScryptLogN() int {
	total, ok := totalMemoryBytes()
	if !ok {
		return ScryptDefaultLogN
	}
	const gib = 1 << 30
	switch {
	case total >= 16*gib:
		return ScryptDefaultLogN + 2 // 512MB
	case total >= 8*gib:
		return ScryptDefaultLogN + 1 // 256MB
	default:
		return ScryptDefaultLogN // 128MB
	}
}
