package fetcher

import (
	"sync/atomic"
	"testing"
)

func TestPartition(t *testing.T) {
	sigs := []string{"a", "b", "c", "d", "e"}
	runs := partition(sigs, 2)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if len(runs[0].signatures) != 2 || len(runs[2].signatures) != 1 {
		t.Fatalf("unexpected run sizes: %+v", runs)
	}
	if runs[2].indices[0] != 4 {
		t.Fatalf("expected last run to carry original index 4, got %d", runs[2].indices[0])
	}
}

func TestAdjustConcurrencyNeverDecreasesOnCleanRun(t *testing.T) {
	var c atomic.Int64
	c.Store(10)
	for i := 0; i < 5; i++ {
		adjustConcurrency(&c, 0, 0)
	}
	if c.Load() <= 10 {
		t.Fatalf("expected concurrency to climb on zero-error batches, got %d", c.Load())
	}
	if c.Load() > maxConcurrency {
		t.Fatalf("concurrency %d exceeded max %d", c.Load(), maxConcurrency)
	}
}

func TestAdjustConcurrencyNeverIncreasesOnHighErrorRun(t *testing.T) {
	var c atomic.Int64
	c.Store(10)
	before := c.Load()
	adjustConcurrency(&c, 0.5, 0)
	if c.Load() >= before {
		t.Fatalf("expected concurrency to drop on high failure rate, got %d (was %d)", c.Load(), before)
	}
	if c.Load() < minConcurrency {
		t.Fatalf("concurrency %d below min %d", c.Load(), minConcurrency)
	}
}

func TestAdjustConcurrencyFloorAndCeiling(t *testing.T) {
	var low atomic.Int64
	low.Store(minConcurrency)
	adjustConcurrency(&low, 0.9, 0.9)
	if low.Load() != minConcurrency {
		t.Fatalf("expected floor at %d, got %d", minConcurrency, low.Load())
	}

	var high atomic.Int64
	high.Store(maxConcurrency)
	adjustConcurrency(&high, 0, 0)
	if high.Load() != maxConcurrency {
		t.Fatalf("expected ceiling at %d, got %d", maxConcurrency, high.Load())
	}
}
