// Package speed implements the "speed" command-line option, similar
// to "openssl speed": it benchmarks the AEAD backends this core can
// select between so an operator can see which one a given machine
// should prefer.
package speed

import (
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/sealfs/sealfs/internal/contentenc"
	"github.com/sealfs/sealfs/internal/cryptocore"
)

// 128-bit file ID + 64-bit block number = 192 bits = 24 bytes of AD.
const adLen = 24

const benchDuration = 300 * time.Millisecond

// Run benchmarks every cryptocore.Backend at the default block size
// and prints a table of throughput in MB/s.
func Run() {
	key := randBytes(cryptocore.KeyLen)
	defer wipe(key)

	backends := []cryptocore.Backend{
		cryptocore.BackendChaCha20Poly1305,
		cryptocore.BackendAESGCM,
	}
	for _, backend := range backends {
		cc, err := cryptocore.New(key, backend)
		if err != nil {
			fmt.Printf("%-24s\t%s\n", backend, err)
			continue
		}
		engine := contentenc.NewEngine(cc, contentenc.DefaultBS)
		mbs := benchmarkEncrypt(engine)
		fmt.Printf("%-24s\t%7.2f MB/s\n", backend, mbs)
	}
}

// benchmarkEncrypt measures how many plaintext blocks engine can seal
// per second, sustained for benchDuration, and returns MB/s.
func benchmarkEncrypt(engine *contentenc.Engine) float64 {
	plaintext := randBytes(int(engine.PlainBS()))
	fileID := randBytes(16)

	var blocks uint64
	deadline := time.Now().Add(benchDuration)
	start := time.Now()
	for time.Now().Before(deadline) {
		engine.EncryptBlock(plaintext, blocks, fileID)
		blocks++
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return 0
	}
	totalBytes := blocks * uint64(len(plaintext))
	return (float64(totalBytes) / 1e6) / elapsed.Seconds()
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Panic("speed: failed to read random bytes: " + err.Error())
	}
	return b
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
