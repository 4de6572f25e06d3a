package cryptocore

import (
	"sync"
	"time"

	"github.com/sealfs/sealfs/internal/tlog"
)

// Nonce pool batch bounds, in nonces per crypto/rand draw.
const (
	minNonceBatch = 16
	maxNonceBatch = 1024
	// A pool that runs empty again within growWindow is being drained
	// by a sustained writer and doubles its batch; one that sat quiet
	// for shrinkWindow before draining halves it, so spare random
	// bytes do not linger in memory on an idle mount.
	growWindow   = time.Second
	shrinkWindow = time.Minute
)

// NonceGenerator produces the fresh, random per-block nonce every
// block encryption needs; the same (key, nonce) pair must never be
// reused across two successful writes. Nonces are pre-drawn from the
// system RNG in batches so a writer sealing thousands of blocks per
// second pays one syscall per batch instead of one per block, and the
// batch size tracks the observed drain rate in both directions.
type NonceGenerator struct {
	ivLen int

	mu        sync.Mutex
	pool      []byte // pre-drawn nonce bytes, consumed from the front
	batch     int    // nonces drawn per refill
	lastDrain time.Time
}

// NewNonceGenerator returns a generator that yields ivLen-byte nonces.
func NewNonceGenerator(ivLen int) *NonceGenerator {
	return &NonceGenerator{ivLen: ivLen, batch: minNonceBatch}
}

// Get returns a fresh random nonce of the generator's configured
// length. Handed-out bytes are zeroed in the pool, so no two calls can
// ever observe the same bytes.
func (g *NonceGenerator) Get() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pool) == 0 {
		g.refillLocked()
	}
	nonce := make([]byte, g.ivLen)
	copy(nonce, g.pool[:g.ivLen])
	zeroBytes(g.pool[:g.ivLen])
	g.pool = g.pool[g.ivLen:]
	return nonce
}

// Batch reports the current refill batch size, in nonces.
func (g *NonceGenerator) Batch() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.batch
}

// refillLocked resizes the batch based on how quickly the previous one
// drained, then draws the next one.
func (g *NonceGenerator) refillLocked() {
	now := time.Now()
	if !g.lastDrain.IsZero() {
		since := now.Sub(g.lastDrain)
		if since < growWindow && g.batch < maxNonceBatch {
			g.batch *= 2
			if g.batch > maxNonceBatch {
				g.batch = maxNonceBatch
			}
			tlog.Debug.Printf("noncegen: batch grown to %d nonces", g.batch)
		} else if since > shrinkWindow && g.batch > minNonceBatch {
			g.batch /= 2
			if g.batch < minNonceBatch {
				g.batch = minNonceBatch
			}
			tlog.Debug.Printf("noncegen: batch shrunk to %d nonces", g.batch)
		}
	}
	g.lastDrain = now
	g.pool = RandBytes(g.batch * g.ivLen)
}

// Close wipes any pre-drawn nonce bytes still pooled. The generator
// remains usable afterwards (the next Get simply refills), but a
// closed-and-idle generator holds no random state.
func (g *NonceGenerator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	zeroBytes(g.pool)
	g.pool = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
