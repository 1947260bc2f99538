// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"

	"github.com/lcfs-project/lcfs/lib/extent"
)

// Block allocation is two-tiered. The global free map, guarded by the
// filesystem lock, is the source of truth; each layer keeps two local
// pools (metadata and data) refilled from it one slab at a time, so
// the common allocation touches only the layer's allocator mutex.
//
// Every block handed out is also recorded in the layer's allocated
// map. That map is what makes copy-on-write freeing safe: a child
// layer that supersedes a physical block frees it only when the block
// is in its own allocated map. A block inherited from a parent layer
// is not, and is left untouched.

// allocGlobal removes a contiguous run of count blocks from the
// global free map, halving the request on failure down to min. The
// caller holds no layer locks.
func (fs *FileSystem) allocGlobal(count, min uint64) (extent.Range, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.allocGlobalLocked(count, min)
}

func (fs *FileSystem) allocGlobalLocked(count, min uint64) (extent.Range, error) {
	for want := count; want >= min; want /= 2 {
		if r, ok := fs.free.RemoveFirstFit(want); ok {
			return r, nil
		}
	}
	return extent.Range{}, fmt.Errorf("allocating %d blocks: %w", count, ErrNoSpace)
}

// freeGlobal returns a run to the global free map.
func (fs *FileSystem) freeGlobal(r extent.Range) {
	fs.mu.Lock()
	fs.free.Insert(r)
	fs.mu.Unlock()
}

// pool returns the layer's metadata or data pool. Caller holds amu.
func (l *Layer) pool(metadata bool) *extent.Map {
	if metadata {
		return &l.metaPool
	}
	return &l.dataPool
}

// allocExact allocates a contiguous run of exactly count blocks from
// the layer. When the layer-local pool has no fitting range, a fresh
// slab is pulled from the global free map and the allocation retried.
func (l *Layer) allocExact(count uint64, metadata bool) (uint64, error) {
	l.amu.Lock()
	defer l.amu.Unlock()

	pool := l.pool(metadata)
	r, ok := pool.RemoveFirstFit(count)
	if !ok {
		slab := count
		if slab < slabSize {
			slab = slabSize
		}
		fresh, err := l.gfs.allocGlobal(slab, count)
		if err != nil {
			return 0, err
		}
		pool.Insert(fresh)
		r, ok = pool.RemoveFirstFit(count)
		if !ok {
			// The refill was smaller than count; put it back where
			// the next exact fit can still find it.
			return 0, fmt.Errorf("allocating %d contiguous blocks: %w", count, ErrNoSpace)
		}
	}
	l.allocated.Insert(r)
	return r.Start, nil
}

// allocNear allocates up to count blocks, preferring the run starting
// exactly at hint so that a growing file stays contiguous. The
// returned range may be shorter than count. hint InvalidBlock means
// no preference.
func (l *Layer) allocNear(hint, count uint64, metadata bool) (extent.Range, error) {
	l.amu.Lock()
	pool := l.pool(metadata)
	if hint != InvalidBlock {
		if r, ok := pool.RemoveAt(hint, count); ok {
			l.allocated.Insert(r)
			l.amu.Unlock()
			return r, nil
		}
	}

	// First fit for the full run, shrinking on fragmentation.
	for want := count; want > 0; want /= 2 {
		if r, ok := pool.RemoveFirstFit(want); ok {
			l.allocated.Insert(r)
			l.amu.Unlock()
			return r, nil
		}
	}
	l.amu.Unlock()

	// Pool is empty; refill and retry once.
	start, err := l.allocExact(count, metadata)
	if err == nil {
		return extent.Range{Start: start, Length: count}, nil
	}
	start, err = l.allocExact(1, metadata)
	if err != nil {
		return extent.Range{}, err
	}
	return extent.Range{Start: start, Length: 1}, nil
}

// freeBlocks releases the blocks of r that the layer owns. Blocks not
// present in the layer's allocated map belong to a parent layer and
// are left untouched; that is the copy-on-write contract. When
// layerLocal is true the blocks return to the layer pool for reuse;
// otherwise they go straight back to the global free map.
func (l *Layer) freeBlocks(r extent.Range, metadata, layerLocal bool) {
	if r.Length == 0 {
		return
	}
	l.amu.Lock()
	var owned []extent.Range
	for b := r.Start; b < r.End(); {
		sub, ok := l.allocated.RemoveAt(b, r.End()-b)
		if !ok {
			b++
			continue
		}
		owned = append(owned, sub)
		b = sub.End()
	}
	if layerLocal {
		pool := l.pool(metadata)
		for _, sub := range owned {
			pool.Insert(sub)
		}
		l.amu.Unlock()
		return
	}
	l.amu.Unlock()
	for _, sub := range owned {
		l.gfs.freeGlobal(sub)
	}
}

// releasePools returns the layer's unused reservations to the global
// free map. Called at commit (the reservation is rebuilt on demand)
// and at teardown.
func (l *Layer) releasePools() {
	l.amu.Lock()
	meta := l.metaPool.Ranges()
	data := l.dataPool.Ranges()
	l.metaPool.Clear()
	l.dataPool.Clear()
	l.amu.Unlock()

	l.gfs.mu.Lock()
	for _, r := range meta {
		l.gfs.free.Insert(r)
	}
	for _, r := range data {
		l.gfs.free.Insert(r)
	}
	l.gfs.mu.Unlock()
}

// releaseAllBlocks returns everything the layer ever allocated,
// pools and in-use blocks alike, to the global free map. Only valid
// during layer removal, after which no structure may reference the
// layer's blocks.
func (l *Layer) releaseAllBlocks() {
	l.releasePools()
	l.amu.Lock()
	used := l.allocated.Ranges()
	l.allocated.Clear()
	l.amu.Unlock()

	l.gfs.mu.Lock()
	for _, r := range used {
		l.gfs.free.Insert(r)
	}
	l.gfs.mu.Unlock()
}
