// Package parallelcrypto fans a run of independent block
// encrypt/decrypt calls out across goroutines once there are enough
// blocks to make the coordination worthwhile. It backs
// contentenc.Engine.DecryptBlocks, the bulk-read path the facade's
// copy_file_range uses, and has no opinion about what
// the per-block work actually does — callers hand it a half-open
// [lo, hi) block-index range to process.
package parallelcrypto

import (
	"runtime"
	"sync"

	"github.com/sealfs/sealfs/internal/cpudetection"
	"github.com/sealfs/sealfs/internal/tlog"
)

const (
	// ParallelThreshold is the minimum block count before the overhead
	// of spinning up goroutines pays for itself.
	ParallelThreshold = 4
	// MaxParallelWorkers caps how many goroutines a single bulk
	// operation may use, regardless of GOMAXPROCS.
	MaxParallelWorkers = 16
	// MinParallelWorkers is the lowest CPU count parallel dispatch is
	// even attempted on; below it goroutine switching overhead tends
	// to dominate the AEAD work itself.
	MinParallelWorkers = 2
	// BatchThreshold is the minimum block count to prefer chunked
	// sequential processing over one call for the whole range, which
	// helps cache locality without paying for goroutine dispatch.
	BatchThreshold = 2
)

// Range is a half-open block-index span a worker is responsible for.
type Range struct{ Lo, Hi int }

// BlockJob processes the blocks in [lo, hi).
type BlockJob func(lo, hi int)

// ParallelCrypto decides, for a given block count, whether a bulk
// operation should run sequentially, in cache-friendly batches, or
// spread across multiple goroutines, based on the block count and
// this process's actual CPU feature probe (internal/cpudetection)
// rather than a hand-maintained guess.
type ParallelCrypto struct {
	enabled  bool
	cpuCount int
	cpu      cpudetection.Features
}

// New creates a ParallelCrypto sized to the running process's CPU.
func New() *ParallelCrypto {
	return &ParallelCrypto{
		enabled:  true,
		cpuCount: runtime.GOMAXPROCS(0),
		cpu:      cpudetection.Detect(),
	}
}

// IsEnabled returns whether parallel dispatch is enabled.
func (pc *ParallelCrypto) IsEnabled() bool { return pc.enabled }

// Enable turns parallel dispatch on.
func (pc *ParallelCrypto) Enable() { pc.enabled = true }

// Disable forces every bulk operation through the sequential path;
// used by tests that need deterministic ordering.
func (pc *ParallelCrypto) Disable() { pc.enabled = false }

// ShouldUseParallel reports whether blockCount blocks are worth
// spreading across goroutines on this machine.
func (pc *ParallelCrypto) ShouldUseParallel(blockCount int) bool {
	return pc.enabled && pc.cpuCount >= MinParallelWorkers && blockCount >= ParallelThreshold
}

// ShouldUseBatch reports whether blockCount blocks are worth chunking
// sequentially for cache locality, for the case where full goroutine
// dispatch isn't (ShouldUseParallel returned false).
func (pc *ParallelCrypto) ShouldUseBatch(blockCount int) bool {
	return pc.enabled && blockCount >= BatchThreshold
}

// GetOptimalWorkerCount returns how many goroutines a blockCount-block
// bulk operation should use, scaled up slightly on CPUs with wide
// vector units (where each worker's AEAD call itself runs faster, so
// more of them fit before goroutine overhead dominates) and capped at
// MaxParallelWorkers and at blockCount itself.
func (pc *ParallelCrypto) GetOptimalWorkerCount(blockCount int) int {
	if !pc.enabled || blockCount < ParallelThreshold || pc.cpuCount < MinParallelWorkers {
		return 1
	}
	workers := pc.cpuCount
	switch {
	case pc.cpu.AESHardware && pc.cpu.WideVector:
		workers = int(float64(workers) * 1.5)
	case pc.cpu.WideVector:
		workers = int(float64(workers) * 1.2)
	}
	if workers > MaxParallelWorkers {
		workers = MaxParallelWorkers
	}
	if workers > blockCount {
		workers = blockCount
	}
	return workers
}

// splitRanges divides [0, blockCount) into workers contiguous,
// roughly-equal ranges, the last of which absorbs any remainder.
func splitRanges(blockCount, workers int) []Range {
	groupSize := blockCount / workers
	ranges := make([]Range, workers)
	for i := 0; i < workers; i++ {
		lo := i * groupSize
		hi := lo + groupSize
		if i == workers-1 {
			hi = blockCount
		}
		ranges[i] = Range{Lo: lo, Hi: hi}
	}
	return ranges
}

// ProcessBlocksParallel runs job over [0, blockCount), split across
// GetOptimalWorkerCount(blockCount) goroutines, or inline if the block
// count doesn't clear ParallelThreshold.
func (pc *ParallelCrypto) ProcessBlocksParallel(blockCount int, job BlockJob) {
	if !pc.ShouldUseParallel(blockCount) {
		job(0, blockCount)
		return
	}
	ranges := splitRanges(blockCount, pc.GetOptimalWorkerCount(blockCount))
	var wg sync.WaitGroup
	wg.Add(len(ranges))
	for _, r := range ranges {
		go func(r Range) {
			defer wg.Done()
			job(r.Lo, r.Hi)
		}(r)
	}
	wg.Wait()
}

// ProcessBlocksParallelWithResult is ProcessBlocksParallel for jobs
// that produce a per-range result, one slot per goroutine in range
// order.
func (pc *ParallelCrypto) ProcessBlocksParallelWithResult(blockCount int, job func(lo, hi int) interface{}) []interface{} {
	if !pc.ShouldUseParallel(blockCount) {
		return []interface{}{job(0, blockCount)}
	}
	ranges := splitRanges(blockCount, pc.GetOptimalWorkerCount(blockCount))
	results := make([]interface{}, len(ranges))
	var wg sync.WaitGroup
	wg.Add(len(ranges))
	for i, r := range ranges {
		go func(i int, r Range) {
			defer wg.Done()
			results[i] = job(r.Lo, r.Hi)
		}(i, r)
	}
	wg.Wait()
	return results
}

// ProcessBlocksBatch runs job over [0, blockCount) in fixed-size
// sequential chunks, sized up on CPUs with a wide vector unit. Used
// when the range clears BatchThreshold but not ParallelThreshold.
func (pc *ParallelCrypto) ProcessBlocksBatch(blockCount int, job BlockJob) {
	if !pc.ShouldUseBatch(blockCount) {
		job(0, blockCount)
		return
	}
	batchSize := 4
	if pc.cpu.WideVector {
		batchSize = 8
	}
	for lo := 0; lo < blockCount; lo += batchSize {
		hi := lo + batchSize
		if hi > blockCount {
			hi = blockCount
		}
		job(lo, hi)
	}
}

// ProcessBlocksOptimized picks parallel, batched, or inline processing
// for blockCount blocks, whichever ShouldUseParallel/ShouldUseBatch
// recommend.
func (pc *ParallelCrypto) ProcessBlocksOptimized(blockCount int, job BlockJob) {
	switch {
	case pc.ShouldUseParallel(blockCount):
		pc.ProcessBlocksParallel(blockCount, job)
	case pc.ShouldUseBatch(blockCount):
		pc.ProcessBlocksBatch(blockCount, job)
	default:
		job(0, blockCount)
	}
}

// GetPerformanceStats reports the current dispatch parameters for
// debug logging.
func (pc *ParallelCrypto) GetPerformanceStats() map[string]interface{} {
	stats := map[string]interface{}{
		"enabled":            pc.enabled,
		"cpu_count":          pc.cpuCount,
		"parallel_threshold": ParallelThreshold,
		"max_workers":        MaxParallelWorkers,
		"min_workers":        MinParallelWorkers,
		"cpu_features":       pc.cpu.String(),
	}
	if pc.enabled {
		stats["optimal_workers"] = pc.GetOptimalWorkerCount(100)
	}
	return stats
}

// LogPerformanceInfo writes the current dispatch parameters to the
// debug log.
func (pc *ParallelCrypto) LogPerformanceInfo() {
	stats := pc.GetPerformanceStats()
	tlog.Debug.Printf("parallelcrypto: enabled=%v cpu_count=%v threshold=%v max_workers=%v features=%s",
		stats["enabled"], stats["cpu_count"], stats["parallel_threshold"], stats["max_workers"], pc.cpu.String())
}
