// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"errors"
	"testing"

	"github.com/lcfs-project/lcfs/lib/extent"
)

func TestAllocExactPullsSlabs(t *testing.T) {
	fs, _ := newTestFS(t)
	layer := fs.base

	// First allocation refills the empty pool with a whole slab.
	start, err := layer.allocExact(4, false)
	if err != nil {
		t.Fatalf("allocExact: %v", err)
	}
	layer.amu.Lock()
	pooled := layer.dataPool.Blocks()
	owned := layer.allocated.Contains(extent.Range{Start: start, Length: 4})
	layer.amu.Unlock()
	if pooled != slabSize-4 {
		t.Errorf("pool holds %d blocks after slab refill, want %d", pooled, slabSize-4)
	}
	if !owned {
		t.Error("allocation not recorded in the allocated map")
	}

	// The next small allocation comes from the pool, not the global
	// map.
	fs.mu.Lock()
	globalBefore := fs.free.Blocks()
	fs.mu.Unlock()
	if _, err := layer.allocExact(8, false); err != nil {
		t.Fatal(err)
	}
	fs.mu.Lock()
	globalAfter := fs.free.Blocks()
	fs.mu.Unlock()
	if globalBefore != globalAfter {
		t.Error("pool-satisfiable allocation touched the global map")
	}
	checkConservation(t, fs)
}

func TestAllocNearPrefersAdjacency(t *testing.T) {
	fs, _ := newTestFS(t)
	layer := fs.base

	start, err := layer.allocExact(4, false)
	if err != nil {
		t.Fatal(err)
	}
	// The slab is contiguous, so the blocks right after the first
	// allocation are in the pool.
	r, err := layer.allocNear(start+4, 4, false)
	if err != nil {
		t.Fatalf("allocNear: %v", err)
	}
	if r.Start != start+4 || r.Length != 4 {
		t.Errorf("allocNear = [%d,+%d), want [%d,+4)", r.Start, r.Length, start+4)
	}
}

func TestFreeBlocksRespectsOwnership(t *testing.T) {
	// Freeing a range the layer never allocated is the copy-on-write
	// no-op that protects parent layers.
	fs, _ := newTestFS(t)
	layer := fs.base

	start, err := layer.allocExact(4, false)
	if err != nil {
		t.Fatal(err)
	}

	layer.amu.Lock()
	pooledBefore := layer.dataPool.Blocks()
	layer.amu.Unlock()

	// Not ours: far outside any allocation.
	layer.freeBlocks(extent.Range{Start: 900, Length: 10}, false, true)
	layer.amu.Lock()
	if layer.dataPool.Blocks() != pooledBefore {
		t.Error("freeing foreign blocks changed the pool")
	}
	layer.amu.Unlock()

	// Ours: returns to the pool.
	layer.freeBlocks(extent.Range{Start: start, Length: 4}, false, true)
	layer.amu.Lock()
	if layer.dataPool.Blocks() != pooledBefore+4 {
		t.Error("freeing owned blocks did not refill the pool")
	}
	if layer.allocated.Contains(extent.Range{Start: start, Length: 1}) {
		t.Error("freed blocks still recorded as allocated")
	}
	layer.amu.Unlock()

	// Straddling: only the owned part moves.
	start2, err := layer.allocExact(4, false)
	if err != nil {
		t.Fatal(err)
	}
	layer.freeBlocks(extent.Range{Start: start2 + 2, Length: 100}, false, true)
	layer.amu.Lock()
	stillOwned := layer.allocated.Contains(extent.Range{Start: start2, Length: 2})
	droppedTail := !layer.allocated.Contains(extent.Range{Start: start2 + 2, Length: 1})
	layer.amu.Unlock()
	if !stillOwned || !droppedTail {
		t.Error("straddling free did not split on the ownership boundary")
	}
	checkConservation(t, fs)
}

func TestAllocExhaustion(t *testing.T) {
	fs, _ := newTestFSSize(t, 64)
	layer := fs.base

	if _, err := layer.allocExact(4096, false); !errors.Is(err, ErrNoSpace) {
		t.Errorf("oversized allocExact = %v, want ErrNoSpace", err)
	}

	// Drain the device block by block, then fail cleanly.
	for {
		_, err := layer.allocExact(1, false)
		if err != nil {
			if !errors.Is(err, ErrNoSpace) {
				t.Fatalf("drain hit %v, want ErrNoSpace", err)
			}
			break
		}
	}
	checkConservation(t, fs)
}

func TestReleasePoolsReturnsReservations(t *testing.T) {
	fs, _ := newTestFS(t)
	layer := fs.base

	if _, err := layer.allocExact(4, false); err != nil {
		t.Fatal(err)
	}
	if _, err := layer.allocExact(4, true); err != nil {
		t.Fatal(err)
	}
	layer.releasePools()

	layer.amu.Lock()
	pooled := layer.metaPool.Blocks() + layer.dataPool.Blocks()
	layer.amu.Unlock()
	if pooled != 0 {
		t.Errorf("pools hold %d blocks after release", pooled)
	}
	checkConservation(t, fs)
}
