// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"sort"

	"github.com/lcfs-project/lcfs/lib/extent"
)

// A regular file's logical→physical mapping has two representations.
// A file written sequentially from offset zero keeps the compact
// contiguous form: a single (extentBlock, extentLength) pair in the
// dinode. The first write that would break contiguity expands it into
// a sparse block map, a sorted slice of bmapExtent entries. The map
// only ever grows more precise; it never collapses back.
//
// Dirty data is staged in per-inode pages and materialized to blocks
// at flush time, so adjacent writes land in one allocation and one
// device cluster.

// bmapExtent maps a run of logical blocks to physical blocks.
type bmapExtent struct {
	logical  uint64
	physical uint64
	count    uint64
}

// bmapLookup resolves one logical block through either
// representation.
func bmapLookup(inode *Inode, logical uint64) (uint64, bool) {
	if inode.extentLength > 0 {
		if logical < inode.extentLength {
			return inode.extentBlock + logical, true
		}
		return 0, false
	}
	i := sort.Search(len(inode.bmap), func(i int) bool {
		return inode.bmap[i].logical+inode.bmap[i].count > logical
	})
	if i < len(inode.bmap) && inode.bmap[i].logical <= logical {
		return inode.bmap[i].physical + (logical - inode.bmap[i].logical), true
	}
	return 0, false
}

// bmapMaterialize copies a borrowed block map before mutation.
// Idempotent.
func bmapMaterialize(inode *Inode) {
	if !inode.shared {
		return
	}
	inode.bmap = append([]bmapExtent(nil), inode.bmap...)
	inode.shared = false
}

// bmapExpand converts the contiguous representation into a one-entry
// sparse map so divergent writes can be recorded.
func bmapExpand(inode *Inode) {
	if inode.extentLength == 0 {
		return
	}
	inode.bmap = []bmapExtent{{logical: 0, physical: inode.extentBlock, count: inode.extentLength}}
	inode.extentBlock = InvalidBlock
	inode.extentLength = 0
}

// bmapAdd records logical→physical for a run of count blocks,
// replacing any prior mapping of those logical blocks. Entries that
// become logically and physically adjacent are merged.
func bmapAdd(inode *Inode, logical, physical, count uint64) {
	bmapCarve(inode, logical, count)

	entry := bmapExtent{logical: logical, physical: physical, count: count}
	i := sort.Search(len(inode.bmap), func(i int) bool {
		return inode.bmap[i].logical >= logical
	})

	// Merge with the predecessor or successor when both the logical
	// and physical runs continue.
	if i > 0 {
		p := &inode.bmap[i-1]
		if p.logical+p.count == entry.logical && p.physical+p.count == entry.physical {
			p.count += entry.count
			if i < len(inode.bmap) {
				n := inode.bmap[i]
				if p.logical+p.count == n.logical && p.physical+p.count == n.physical {
					p.count += n.count
					inode.bmap = append(inode.bmap[:i], inode.bmap[i+1:]...)
				}
			}
			return
		}
	}
	if i < len(inode.bmap) {
		n := &inode.bmap[i]
		if entry.logical+entry.count == n.logical && entry.physical+entry.count == n.physical {
			n.logical = entry.logical
			n.physical = entry.physical
			n.count += entry.count
			return
		}
	}
	inode.bmap = append(inode.bmap[:i], append([]bmapExtent{entry}, inode.bmap[i:]...)...)
}

// bmapCarve removes the mapping of logical blocks [logical,
// logical+count), splitting entries that straddle the boundary.
func bmapCarve(inode *Inode, logical, count uint64) {
	end := logical + count
	out := make([]bmapExtent, 0, len(inode.bmap)+1)
	for _, e := range inode.bmap {
		eEnd := e.logical + e.count
		if eEnd <= logical || e.logical >= end {
			out = append(out, e)
			continue
		}
		if e.logical < logical {
			out = append(out, bmapExtent{logical: e.logical, physical: e.physical, count: logical - e.logical})
		}
		if eEnd > end {
			skip := end - e.logical
			out = append(out, bmapExtent{logical: end, physical: e.physical + skip, count: eEnd - end})
		}
	}
	inode.bmap = out
}

// mappedBlocks is the number of data blocks the file references.
func mappedBlocks(inode *Inode) uint64 {
	if inode.extentLength > 0 {
		return inode.extentLength
	}
	var n uint64
	for _, e := range inode.bmap {
		n += e.count
	}
	return n
}

// writeFile stages data at off into the inode's dirty pages. Blocks
// are not allocated here; allocation happens at flush so adjacent
// writes coalesce. The inode is write-locked by the caller.
func (l *Layer) writeFile(inode *Inode, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at offset %d: %w", off, ErrInvalid)
	}
	if inode.pages == nil {
		inode.pages = make(map[uint64][]byte)
	}

	written := 0
	for written < len(data) {
		pos := off + int64(written)
		logical := uint64(pos) / BlockSize
		inPage := int(uint64(pos) % BlockSize)
		n := BlockSize - inPage
		if n > len(data)-written {
			n = len(data) - written
		}

		pg, ok := inode.pages[logical]
		if !ok {
			pg = make([]byte, BlockSize)
			// A partial overwrite of an existing block keeps the
			// bytes outside the write.
			if inPage != 0 || n != BlockSize {
				if physical, mapped := bmapLookup(inode, logical); mapped {
					if err := l.gfs.dev.ReadBlockInto(physical, pg); err != nil {
						return written, err
					}
				}
			}
			inode.pages[logical] = pg
			l.gfs.memAdd(memPage, 1)
		}
		copy(pg[inPage:], data[written:written+n])
		written += n
	}

	if end := uint64(off) + uint64(len(data)); end > inode.size {
		inode.size = end
	}
	inode.touch(false, true, true)
	inode.bmapDirty = true
	inode.markDirty()
	return written, nil
}

// readFile reads up to len(dest) bytes at off, consulting dirty pages
// first, then the block map; holes read as zeros.
func (l *Layer) readFile(inode *Inode, off int64, dest []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at offset %d: %w", off, ErrInvalid)
	}
	if uint64(off) >= inode.size {
		return 0, nil
	}
	total := len(dest)
	if max := inode.size - uint64(off); uint64(total) > max {
		total = int(max)
	}

	var scratch []byte
	read := 0
	for read < total {
		pos := off + int64(read)
		logical := uint64(pos) / BlockSize
		inPage := int(uint64(pos) % BlockSize)
		n := BlockSize - inPage
		if n > total-read {
			n = total - read
		}

		if pg, ok := inode.pages[logical]; ok {
			copy(dest[read:read+n], pg[inPage:])
		} else if physical, mapped := bmapLookup(inode, logical); mapped {
			if scratch == nil {
				scratch = make([]byte, BlockSize)
			}
			if err := l.gfs.dev.ReadBlockInto(physical, scratch); err != nil {
				return read, err
			}
			copy(dest[read:read+n], scratch[inPage:])
		} else {
			clear(dest[read : read+n])
		}
		read += n
	}
	return read, nil
}

// flushPages materializes the inode's dirty pages into allocated
// blocks. A fresh file written from offset zero gets the contiguous
// representation; a pure append extends it when the adjacent blocks
// are free; anything else goes through the sparse map. Superseded
// blocks owned by this layer return to its data pool.
func (l *Layer) flushPages(inode *Inode) error {
	if len(inode.pages) == 0 {
		return nil
	}
	logicals := make([]uint64, 0, len(inode.pages))
	for logical := range inode.pages {
		logicals = append(logicals, logical)
	}
	sort.Slice(logicals, func(i, j int) bool { return logicals[i] < logicals[j] })

	// Group into runs of consecutive logical blocks.
	var runs [][]uint64
	run := []uint64{logicals[0]}
	for _, logical := range logicals[1:] {
		if logical == run[len(run)-1]+1 {
			run = append(run, logical)
			continue
		}
		runs = append(runs, run)
		run = []uint64{logical}
	}
	runs = append(runs, run)

	// Contiguous fast path: an empty private file written as one run
	// from block zero.
	if inode.extentLength == 0 && len(inode.bmap) == 0 && !inode.shared &&
		len(runs) == 1 && runs[0][0] == 0 {
		want := uint64(len(runs[0]))
		if start, err := l.allocExact(want, false); err == nil {
			if err := l.writeRun(inode, runs[0], start); err != nil {
				return err
			}
			inode.extentBlock = start
			inode.extentLength = want
			l.finishFlush(inode)
			return nil
		}
		// Fragmented pool; fall through to the sparse path.
	}

	// Append fast path: extend the contiguous run in place.
	if inode.extentLength > 0 && len(runs) == 1 && runs[0][0] == inode.extentLength {
		want := uint64(len(runs[0]))
		r, err := l.allocNear(inode.extentBlock+inode.extentLength, want, false)
		if err == nil && r.Start == inode.extentBlock+inode.extentLength && r.Length == want {
			if err := l.writeRun(inode, runs[0], r.Start); err != nil {
				return err
			}
			inode.extentLength += want
			l.finishFlush(inode)
			return nil
		}
		if err == nil {
			// Wrong place; give it back and take the sparse path.
			l.freeBlocks(r, false, true)
		} else if err != nil && r.Length == 0 {
			return err
		}
	}

	bmapMaterialize(inode)
	bmapExpand(inode)

	hint := InvalidBlock
	if len(inode.bmap) > 0 {
		last := inode.bmap[len(inode.bmap)-1]
		hint = last.physical + last.count
	}
	for _, run := range runs {
		remaining := run
		for len(remaining) > 0 {
			r, err := l.allocNear(hint, uint64(len(remaining)), false)
			if err != nil {
				return err
			}
			part := remaining[:r.Length]
			remaining = remaining[r.Length:]
			if err := l.writeRun(inode, part, r.Start); err != nil {
				return err
			}
			// Free the blocks these pages supersede. Blocks borrowed
			// from a parent layer fail the ownership check inside
			// freeBlocks and survive.
			for _, logical := range part {
				if old, mapped := bmapLookup(inode, logical); mapped {
					l.freeBlocks(extent.Range{Start: old, Length: 1}, false, true)
				}
			}
			bmapAdd(inode, part[0], r.Start, r.Length)
			hint = r.End()
		}
	}
	l.finishFlush(inode)
	return nil
}

// writeRun writes the pages of consecutive logical blocks in run to
// consecutive physical blocks starting at start.
func (l *Layer) writeRun(inode *Inode, run []uint64, start uint64) error {
	bufs := make([][]byte, len(run))
	for i, logical := range run {
		bufs[i] = inode.pages[logical]
	}
	return l.gfs.dev.WriteCluster(start, bufs)
}

// finishFlush drops the staged pages and refreshes the dinode's block
// accounting.
func (l *Layer) finishFlush(inode *Inode) {
	l.gfs.memAdd(memPage, -int64(len(inode.pages)))
	inode.pages = nil
	inode.blocks = mappedBlocks(inode)
	inode.markDirty()
}

// bmapFlush materializes dirty pages and persists the block map:
// nothing extra for the contiguous representation (it lives in the
// dinode), the inode tail for small maps, an overflow chain
// otherwise.
func (l *Layer) bmapFlush(inode *Inode) error {
	if err := l.flushPages(inode); err != nil {
		return err
	}
	l.freeChain(&inode.bmapDirExtents)
	inode.bmapDirBlock = InvalidBlock

	if len(inode.bmap) > 0 && len(inode.bmap)*bmapEntrySize+4 > inodeTailSize {
		payload := make([]byte, 0, len(inode.bmap)*bmapEntrySize)
		var entry [bmapEntrySize]byte
		for _, e := range inode.bmap {
			enc.PutUint64(entry[0:], e.logical)
			enc.PutUint64(entry[8:], e.physical)
			enc.PutUint64(entry[16:], e.count)
			payload = append(payload, entry[:]...)
		}
		head, err := l.writeMetaChain(payload, chainPayload, &inode.bmapDirExtents)
		if err != nil {
			return fmt.Errorf("flushing block map of inode %d: %w", inode.ino, err)
		}
		inode.bmapDirBlock = head
	}
	inode.bmapDirty = false
	inode.markDirty()
	return nil
}

// bmapRead rebuilds the sparse map at mount. The contiguous
// representation needs no work beyond ownership tracking.
func (l *Layer) bmapRead(inode *Inode, tail []byte) error {
	if inode.extentLength > 0 {
		return nil
	}
	var payload []byte
	if inode.bmapDirBlock != InvalidBlock {
		var err error
		payload, err = l.readMetaChain(inode.bmapDirBlock, &inode.bmapDirExtents)
		if err != nil {
			return fmt.Errorf("reading block map of inode %d: %w", inode.ino, err)
		}
	} else {
		count := int(enc.Uint32(tail[0:]))
		if count*bmapEntrySize+4 > inodeTailSize {
			return fmt.Errorf("inode %d inline block map of %d entries: %w", inode.ino, count, ErrIO)
		}
		payload = tail[4 : 4+count*bmapEntrySize]
	}
	if len(payload)%bmapEntrySize != 0 {
		return fmt.Errorf("inode %d block map payload of %d bytes: %w", inode.ino, len(payload), ErrIO)
	}
	for off := 0; off < len(payload); off += bmapEntrySize {
		inode.bmap = append(inode.bmap, bmapExtent{
			logical:  enc.Uint64(payload[off:]),
			physical: enc.Uint64(payload[off+8:]),
			count:    enc.Uint64(payload[off+16:]),
		})
	}
	return nil
}

// truncateFile shrinks or extends the file to size bytes, releasing
// blocks beyond the new end. The inode is write-locked by the caller.
func (l *Layer) truncateFile(inode *Inode, size uint64) error {
	if size >= inode.size {
		inode.size = size
		inode.touch(false, true, true)
		inode.markDirty()
		return nil
	}

	keepBlocks := (size + BlockSize - 1) / BlockSize

	// Drop staged pages beyond the new end; zero the tail of a
	// partial boundary page.
	for logical, pg := range inode.pages {
		if logical >= keepBlocks {
			delete(inode.pages, logical)
			l.gfs.memAdd(memPage, -1)
			continue
		}
		if logical == keepBlocks-1 && size%BlockSize != 0 {
			clear(pg[size%BlockSize:])
		}
	}

	// A boundary block already on disk keeps stale bytes past the
	// new size; stage a zeroed-tail copy so a later extension cannot
	// expose them.
	if size%BlockSize != 0 {
		logical := size / BlockSize
		if _, staged := inode.pages[logical]; !staged {
			if physical, mapped := bmapLookup(inode, logical); mapped {
				pg := make([]byte, BlockSize)
				if err := l.gfs.dev.ReadBlockInto(physical, pg); err != nil {
					return err
				}
				clear(pg[size%BlockSize:])
				if inode.pages == nil {
					inode.pages = make(map[uint64][]byte)
				}
				inode.pages[logical] = pg
				l.gfs.memAdd(memPage, 1)
			}
		}
	}

	if inode.extentLength > keepBlocks {
		drop := extent.Range{
			Start:  inode.extentBlock + keepBlocks,
			Length: inode.extentLength - keepBlocks,
		}
		l.freeBlocks(drop, false, true)
		inode.extentLength = keepBlocks
		if keepBlocks == 0 {
			inode.extentBlock = InvalidBlock
		}
	} else if len(inode.bmap) > 0 {
		bmapMaterialize(inode)
		out := inode.bmap[:0]
		for _, e := range inode.bmap {
			if e.logical >= keepBlocks {
				l.freeBlocks(extent.Range{Start: e.physical, Length: e.count}, false, true)
				continue
			}
			if e.logical+e.count > keepBlocks {
				keep := keepBlocks - e.logical
				l.freeBlocks(extent.Range{Start: e.physical + keep, Length: e.count - keep}, false, true)
				e.count = keep
			}
			out = append(out, e)
		}
		inode.bmap = out
	}

	inode.size = size
	inode.touch(false, true, true)
	inode.bmapDirty = true
	inode.markDirty()
	return nil
}
