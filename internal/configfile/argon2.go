package configfile

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/crypto/argon2"

	"github.com/sealfs/sealfs/internal/cryptocore"
	"github.com/sealfs/sealfs/internal/exitcodes"
	"github.com/sealfs/sealfs/internal/tlog"
)

const (
	// Argon2idDefaultMemory is the default memory usage in KB (64MB)
	Argon2idDefaultMemory = 64 * 1024
	// Argon2idDefaultIterations is the default number of iterations
	Argon2idDefaultIterations = 3
	// Argon2idDefaultParallelism is the default parallelism factor
	Argon2idDefaultParallelism = 4
	// Argon2idMinMemory is the minimum memory usage in KB (16MB)
	Argon2idMinMemory = 16 * 1024
	// Argon2idMinIterations is the minimum number of iterations
	Argon2idMinIterations = 1
	// Argon2idMinParallelism is the minimum parallelism factor
	Argon2idMinParallelism = 1
	// Argon2idMinSaltLen is the minimum salt length
	Argon2idMinSaltLen = 16
)

// Argon2idKDF is an instance of the Argon2id key derivation function.
type Argon2idKDF struct {
	// Salt is the random salt that is passed to Argon2id
	Salt []byte
	// Memory is the memory usage in KB
	Memory uint32
	// Iterations is the number of iterations
	Iterations uint32
	// Parallelism is the parallelism factor
	Parallelism uint8
	// KeyLen is the output data length
	KeyLen uint32
}

// NewArgon2idKDF returns a new instance of Argon2idKDF sized to the
// host's core count via GetRecommendedArgon2idParams, so a mount
// created on an 8-core build server doesn't spend mkfs time the
// single costly derivation could have spread across its idle cores.
func NewArgon2idKDF() Argon2idKDF {
	memory, iterations, parallelism := GetRecommendedArgon2idParams()
	var a Argon2idKDF
	a.Salt = cryptocore.RandBytes(cryptocore.KeyLen)
	a.Memory = memory
	a.Iterations = iterations
	a.Parallelism = parallelism
	a.KeyLen = cryptocore.KeyLen
	return a
}

// NewArgon2idKDFWithParams returns a new instance of Argon2idKDF with custom parameters.
func NewArgon2idKDFWithParams(memory uint32, iterations uint32, parallelism uint8) Argon2idKDF {
	var a Argon2idKDF
	a.Salt = cryptocore.RandBytes(cryptocore.KeyLen)
	a.Memory = memory
	a.Iterations = iterations
	a.Parallelism = parallelism
	a.KeyLen = cryptocore.KeyLen
	return a
}

// DeriveKey returns a new key from a supplied password using Argon2id.
func (a *Argon2idKDF) DeriveKey(pw []byte) []byte {
	if err := a.validateParams(); err != nil {
		tlog.Fatal.Println(err.Error())
		os.Exit(exitcodes.Argon2Params)
	}

	// Argon2id(password, salt, time, memory, parallelism, keyLen)
	key := argon2.IDKey(pw, a.Salt, a.Iterations, a.Memory, a.Parallelism, a.KeyLen)
	return key
}

// validateParams checks that all parameters are at or above hardcoded limits.
func (a *Argon2idKDF) validateParams() error {
	if a.Memory < Argon2idMinMemory {
		return fmt.Errorf("fatal: Argon2id memory below minimum: value=%d KB, min=%d KB", a.Memory, Argon2idMinMemory)
	}
	if a.Iterations < Argon2idMinIterations {
		return fmt.Errorf("fatal: Argon2id iterations below minimum: value=%d, min=%d", a.Iterations, Argon2idMinIterations)
	}
	if a.Parallelism < Argon2idMinParallelism {
		return fmt.Errorf("fatal: Argon2id parallelism below minimum: value=%d, min=%d", a.Parallelism, Argon2idMinParallelism)
	}
	if len(a.Salt) < Argon2idMinSaltLen {
		return fmt.Errorf("fatal: Argon2id salt length below minimum: value=%d, min=%d", len(a.Salt), Argon2idMinSaltLen)
	}
	if a.KeyLen < cryptocore.KeyLen {
		return fmt.Errorf("fatal: Argon2id key length below minimum: value=%d, min=%d", a.KeyLen, cryptocore.KeyLen)
	}
	return nil
}

// GetRecommendedArgon2idParams returns Argon2id parameters scaled to
// the host's core count, capped at 8 lanes since Argon2id's
// parallelism benefit saturates well before most multi-core hosts'
// actual core counts. Memory scales with parallelism so the per-lane
// memory (and thus each lane's individual memory-hardness) never drops
// below Argon2idDefaultMemory/Argon2idDefaultParallelism as more lanes
// are added; with fewer lanes than Argon2idDefaultParallelism the total
// stays at Argon2idDefaultMemory, so each lane gets more.
func GetRecommendedArgon2idParams() (memory uint32, iterations uint32, parallelism uint8) {
	cpus := runtime.NumCPU()
	if cpus < 1 {
		cpus = 1
	}
	if cpus > 8 {
		cpus = 8
	}
	parallelism = uint8(cpus)
	memory = Argon2idDefaultMemory * uint32(parallelism) / Argon2idDefaultParallelism
	if memory < Argon2idDefaultMemory {
		memory = Argon2idDefaultMemory
	}
	iterations = Argon2idDefaultIterations
	return memory, iterations, parallelism
}
