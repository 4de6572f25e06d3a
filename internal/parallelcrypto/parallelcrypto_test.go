package parallelcrypto

import (
	"sort"
	"sync"
	"testing"
)

func TestThresholds(t *testing.T) {
	pc := New()
	if !pc.IsEnabled() {
		t.Fatal("new ParallelCrypto must start enabled")
	}
	if pc.ShouldUseParallel(ParallelThreshold-1) && pc.cpuCount >= MinParallelWorkers {
		t.Errorf("ShouldUseParallel(%d) = true, want false below threshold", ParallelThreshold-1)
	}
	if pc.cpuCount >= MinParallelWorkers && !pc.ShouldUseParallel(ParallelThreshold) {
		t.Errorf("ShouldUseParallel(%d) = false on a %d-CPU machine", ParallelThreshold, pc.cpuCount)
	}
	if !pc.ShouldUseBatch(BatchThreshold) {
		t.Errorf("ShouldUseBatch(%d) = false", BatchThreshold)
	}
}

func TestDisableForcesSequential(t *testing.T) {
	pc := New()
	pc.Disable()
	if pc.ShouldUseParallel(1000) {
		t.Error("disabled dispatcher still wants parallel")
	}
	if got := pc.GetOptimalWorkerCount(1000); got != 1 {
		t.Errorf("GetOptimalWorkerCount while disabled = %d, want 1", got)
	}
	pc.Enable()
	if !pc.IsEnabled() {
		t.Error("Enable did not re-enable")
	}
}

func TestSplitRangesCoverWithoutOverlap(t *testing.T) {
	for _, tc := range []struct{ blocks, workers int }{
		{4, 2}, {10, 3}, {16, 16}, {100, 7},
	} {
		ranges := splitRanges(tc.blocks, tc.workers)
		if len(ranges) != tc.workers {
			t.Fatalf("splitRanges(%d, %d): %d ranges", tc.blocks, tc.workers, len(ranges))
		}
		covered := 0
		for i, r := range ranges {
			if r.Hi < r.Lo {
				t.Fatalf("range %d inverted: %+v", i, r)
			}
			if i > 0 && r.Lo != ranges[i-1].Hi {
				t.Fatalf("gap or overlap between range %d and %d", i-1, i)
			}
			covered += r.Hi - r.Lo
		}
		if covered != tc.blocks {
			t.Errorf("splitRanges(%d, %d) covers %d blocks", tc.blocks, tc.workers, covered)
		}
		if ranges[len(ranges)-1].Hi != tc.blocks {
			t.Errorf("last range ends at %d, want %d", ranges[len(ranges)-1].Hi, tc.blocks)
		}
	}
}

func TestProcessBlocksParallelVisitsEveryBlock(t *testing.T) {
	pc := New()
	const blocks = ParallelThreshold * 8

	var mu sync.Mutex
	seen := make([]int, 0, blocks)
	pc.ProcessBlocksParallel(blocks, func(lo, hi int) {
		mu.Lock()
		defer mu.Unlock()
		for b := lo; b < hi; b++ {
			seen = append(seen, b)
		}
	})

	if len(seen) != blocks {
		t.Fatalf("visited %d blocks, want %d", len(seen), blocks)
	}
	sort.Ints(seen)
	for i, b := range seen {
		if b != i {
			t.Fatalf("block %d visited out of place (got %d) or twice", i, b)
		}
	}
}

func TestProcessBlocksParallelInlineBelowThreshold(t *testing.T) {
	pc := New()
	visited := 0
	// Below threshold the job must run inline, so no locking is needed.
	pc.ProcessBlocksParallel(ParallelThreshold-1, func(lo, hi int) {
		visited += hi - lo
	})
	if visited != ParallelThreshold-1 {
		t.Errorf("visited %d blocks, want %d", visited, ParallelThreshold-1)
	}
}

func TestProcessBlocksParallelWithResultSumsToTotal(t *testing.T) {
	pc := New()
	const blocks = ParallelThreshold * 4
	results := pc.ProcessBlocksParallelWithResult(blocks, func(lo, hi int) interface{} {
		return hi - lo
	})
	total := 0
	for _, r := range results {
		total += r.(int)
	}
	if total != blocks {
		t.Errorf("per-range results sum to %d, want %d", total, blocks)
	}
}

func TestProcessBlocksBatchIsSequentialAndComplete(t *testing.T) {
	pc := New()
	const blocks = 37
	next := 0
	pc.ProcessBlocksBatch(blocks, func(lo, hi int) {
		if lo != next {
			t.Fatalf("batch started at %d, want %d", lo, next)
		}
		next = hi
	})
	if next != blocks {
		t.Errorf("batches ended at %d, want %d", next, blocks)
	}
}

func TestProcessBlocksOptimizedDispatch(t *testing.T) {
	pc := New()
	pc.Disable()
	visited := 0
	pc.ProcessBlocksOptimized(3, func(lo, hi int) { visited += hi - lo })
	if visited != 3 {
		t.Errorf("disabled optimized dispatch visited %d blocks, want 3", visited)
	}
}

func TestGetPerformanceStats(t *testing.T) {
	pc := New()
	stats := pc.GetPerformanceStats()
	if stats["enabled"] != true {
		t.Error("stats report enabled=false on a fresh dispatcher")
	}
	if stats["cpu_count"].(int) < 1 {
		t.Error("stats report zero CPUs")
	}
	if _, ok := stats["optimal_workers"]; !ok {
		t.Error("optimal_workers missing from enabled stats")
	}
}
