// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"sync"
	"time"

	"github.com/lcfs-project/lcfs/lib/extent"
)

// Inode is the in-memory inode. The embedded dinode carries exactly
// the fields that go to disk; everything else is runtime state.
//
// Body ownership: an inode cloned into a child layer initially
// borrows its body (directory entries, block map, symlink target,
// xattr list) from the parent layer's inode. The shared flags mark
// the borrow; every mutating path materializes a private copy first.
// Inodes are never freed individually while their layer is mounted,
// so a borrowed body cannot dangle.
type Inode struct {
	dinode

	layer *Layer
	lock  sync.RWMutex
	cnext *Inode // inode hash chain

	// diskBlock is the inode's on-disk block, or InvalidBlock when
	// the inode has never been written.
	diskBlock uint64

	shared  bool // body borrowed from a parent layer
	private bool // body exclusively owned since creation
	removed bool // unlinked in this layer

	dirty      bool // dinode needs writing
	bmapDirty  bool // block map or dirty data pages need flushing
	dirDirty   bool // directory body needs flushing
	xattrDirty bool // xattr list needs flushing

	// Regular file state.
	bmap  []bmapExtent      // sorted by logical; nil under extent rep
	pages map[uint64][]byte // dirty data pages by logical block

	// Directory state.
	dir *dirBody

	// Symlink state.
	target []byte

	// Extended attributes.
	xattrs      []xattrEntry
	xattrShared bool

	// Metadata chain blocks owned by this inode, freed when the
	// chain is rewritten or the inode is removed.
	bmapDirExtents extent.Map
	xattrExtents   extent.Map
}

// icacheBucket is one bucket of a layer's inode hash.
type icacheBucket struct {
	mu   sync.Mutex
	head *Inode
}

func inodeHash(ino uint64) int {
	return int(ino % icacheSize)
}

// isDir and friends decode the mode's type bits (unix layout).
const (
	modeTypeMask = 0xf000
	modeDir      = 0x4000
	modeRegular  = 0x8000
	modeSymlink  = 0xa000
)

func (i *Inode) isDir() bool     { return i.mode&modeTypeMask == modeDir }
func (i *Inode) isRegular() bool { return i.mode&modeTypeMask == modeRegular }
func (i *Inode) isSymlink() bool { return i.mode&modeTypeMask == modeSymlink }

// lockInode takes the inode lock. Locks are elided entirely on a
// frozen layer: frozen means no writer can exist.
func (i *Inode) lockInode(exclusive bool) {
	if i.layer.frozen {
		return
	}
	if exclusive {
		i.lock.Lock()
	} else {
		i.lock.RLock()
	}
}

func (i *Inode) unlockInode(exclusive bool) {
	if i.layer.frozen {
		return
	}
	if exclusive {
		i.lock.Unlock()
	} else {
		i.lock.RUnlock()
	}
}

// newInode allocates a bare in-memory inode bound to the layer.
func (l *Layer) newInode() *Inode {
	inode := &Inode{
		layer:     l,
		diskBlock: InvalidBlock,
	}
	inode.extentBlock = InvalidBlock
	inode.bmapDirBlock = InvalidBlock
	inode.xattrBlock = InvalidBlock
	l.icount.Add(1)
	l.gfs.inodeCount.Add(1)
	l.gfs.memAdd(memInode, 1)
	return inode
}

// addInode hashes the inode into the layer.
func (l *Layer) addInode(inode *Inode) {
	bucket := &l.icache[inodeHash(inode.ino)]
	bucket.mu.Lock()
	inode.cnext = bucket.head
	bucket.head = inode
	bucket.mu.Unlock()
}

// lookupInodeCache searches the layer's hash for ino. The bucket
// chain only ever grows while the layer is mounted, so readers can
// walk it without the bucket mutex.
func (l *Layer) lookupInodeCache(ino uint64) *Inode {
	inode := l.icache[inodeHash(ino)].head
	for inode != nil {
		if inode.ino == ino {
			return inode
		}
		inode = inode.cnext
	}
	return nil
}

// lookupInode searches the layer for ino, short-circuiting the two
// distinguished inodes kept as direct pointers.
func (l *Layer) lookupInode(ino uint64) *Inode {
	if ino == l.root {
		return l.rootInode
	}
	if gfs := l.gfs; ino == gfs.snapRoot && gfs.snapRootInode != nil {
		return gfs.snapRootInode
	}
	return l.lookupInodeCache(ino)
}

// now returns the current time in epoch nanoseconds.
func now() int64 {
	return time.Now().UnixNano()
}

// touch updates the inode times that apply to the operation.
func (i *Inode) touch(atime, mtime, ctime bool) {
	t := now()
	if atime {
		i.atime = t
	}
	if mtime {
		i.mtime = t
	}
	if ctime {
		i.ctime = t
	}
}

// inodeAlloc hands out the next inode number.
func (fs *FileSystem) inodeAlloc() uint64 {
	return fs.nextInode.Add(1)
}

// initInode creates and hashes a fresh inode in the layer, locked
// exclusive. target is non-empty only for symlinks.
func (l *Layer) initInode(mode, uid, gid, rdev uint32, parent uint64, target string) *Inode {
	inode := l.newInode()
	inode.ino = l.gfs.inodeAlloc()
	inode.mode = mode
	inode.nlink = 1
	if inode.isDir() {
		inode.nlink = 2
	}
	inode.uid = uid
	inode.gid = gid
	inode.rdev = rdev
	inode.parent = parent
	inode.private = true
	inode.touch(true, true, true)
	if target != "" {
		inode.target = []byte(target)
		inode.size = uint64(len(target))
		l.gfs.memAdd(memSymlink, 1)
	}
	l.addInode(inode)
	inode.lockInode(true)
	inode.markDirty()
	return inode
}

// markDirty flags the dinode for the next flush.
func (i *Inode) markDirty() {
	i.dirty = true
}

// cloneInode materializes parent (an inode of an ancestor layer) into
// this layer. Stat fields are copied; bodies are borrowed with the
// shared flag so the first mutation copies them. The caller holds the
// layer's ilock.
func (l *Layer) cloneInode(parent *Inode, ino uint64) *Inode {
	inode := l.newInode()
	inode.dinode = parent.dinode
	// Copy-up keeps the inode number; the one exception is a layer
	// root, which gets a number of its own.
	inode.ino = ino
	inode.diskBlock = InvalidBlock

	// Chain blocks stay with the parent layer; the clone writes its
	// own chains at first flush.
	inode.bmapDirBlock = InvalidBlock
	inode.xattrBlock = InvalidBlock

	switch {
	case inode.isRegular():
		if parent.blocks > 0 {
			if parent.extentLength > 0 {
				// Contiguous files share physical blocks by value.
				// Divergent writes allocate fresh blocks in this
				// layer; the allocated map keeps the parent's blocks
				// from ever being freed here.
				inode.extentBlock = parent.extentBlock
				inode.extentLength = parent.extentLength
			} else {
				inode.bmap = parent.bmap
				inode.shared = true
				inode.bmapDirty = true
			}
		} else {
			inode.private = true
		}
	case inode.isDir():
		if parent.dir != nil {
			inode.dir = parent.dir
			inode.shared = true
			inode.dirDirty = true
		}
	case inode.isSymlink():
		inode.target = parent.target
		inode.shared = true
	}

	// A file whose parent directory was the parent layer's root now
	// lives under this layer's root.
	inode.parent = parent.parent
	if parent.parent == parent.layer.root {
		inode.parent = l.root
	}

	copyXattrs(inode, parent)
	l.addInode(inode)
	inode.markDirty()
	l.gfs.clones.Add(1)
	return inode
}

// getInodeParent looks ino up in the parent chain, cloning it into
// this layer when copy is set. The layer ilock serializes the
// traversal against concurrent copy-ups of the same inode.
func (l *Layer) getInodeParent(ino uint64, copy bool) *Inode {
	l.ilock.Lock()
	defer l.ilock.Unlock()

	// Re-check under the lock: a racing copy-up may have brought the
	// inode in already.
	if inode := l.lookupInodeCache(ino); inode != nil {
		return inode
	}
	for pfs := l.parent; pfs != nil; pfs = pfs.parent {
		parent := pfs.lookupInodeCache(ino)
		if parent == nil {
			continue
		}
		// A removed inode in an ancestor is authoritative: nothing
		// below it is visible.
		if parent.removed {
			return nil
		}
		if copy {
			return l.cloneInode(parent, ino)
		}
		return parent
	}
	return nil
}

// lockMode selects the access an operation needs from getInode.
type lockMode int

const (
	// lockRead takes the inode shared.
	lockRead lockMode = iota

	// lockWrite takes the inode exclusive without copy-up. Valid
	// only when the inode is known to live in this layer.
	lockWrite

	// lockCopy takes the inode exclusive, cloning it into this layer
	// first when it currently lives in an ancestor.
	lockCopy
)

// getInode locates ino for this layer's view and returns it locked in
// the requested mode. Mutating modes on a snapshotted layer fail with
// ErrReadOnly.
func (l *Layer) getInode(ino uint64, mode lockMode) (*Inode, error) {
	if mode != lockRead && l.snap {
		return nil, fmt.Errorf("layer %q: %w", l.name, ErrReadOnly)
	}

	inode := l.lookupInode(ino)
	if inode == nil && l.parent != nil {
		inode = l.getInodeParent(ino, mode == lockCopy)
	}
	if inode == nil || (inode.removed && inode.layer != l) {
		return nil, fmt.Errorf("inode %d: %w", ino, ErrNotFound)
	}
	inode.lockInode(mode != lockRead)
	if inode.removed {
		inode.unlockInode(mode != lockRead)
		return nil, fmt.Errorf("inode %d: %w", ino, ErrNotFound)
	}
	return inode, nil
}

// indexBuilder assembles the layer's current inode-block index block.
type indexBuilder struct {
	block   uint64
	next    uint64
	entries []uint64
}

// nextInodeBlock carves the next inode block out of the layer's
// reservation, refilling the reservation and extending the index
// chain as needed.
func (l *Layer) nextInodeBlock() (uint64, error) {
	if l.ibuilder == nil || len(l.ibuilder.entries) >= iblockMax {
		if err := l.newIndexBlock(); err != nil {
			return 0, err
		}
	}
	if l.inodeReserve.Length == 0 {
		length := uint64(inodeClusterSize)
		start, err := l.allocExact(length, true)
		if err != nil {
			// A nearly full device cannot carve a whole cluster;
			// fall back to one block at a time.
			length = 1
			start, err = l.allocExact(length, true)
			if err != nil {
				return 0, err
			}
		}
		l.inodeReserve = extent.Range{Start: start, Length: length}
	}
	block := l.inodeReserve.Start
	l.inodeReserve.Start++
	l.inodeReserve.Length--
	l.ibuilder.entries = append(l.ibuilder.entries, block)
	return block, nil
}

// newIndexBlock starts a fresh index block at the head of the chain.
// The previous head, if any, is final: it is written out now.
func (l *Layer) newIndexBlock() error {
	if l.ibuilder != nil {
		if err := l.writeIndexBlock(); err != nil {
			return err
		}
	}
	block, err := l.allocExact(1, true)
	if err != nil {
		return err
	}
	l.ibuilder = &indexBuilder{block: block, next: l.inodeHead}
	l.inodeHead = block
	return nil
}

// writeIndexBlock queues the current index block for the device.
func (l *Layer) writeIndexBlock() error {
	b := l.ibuilder
	pg := l.gfs.newPage(b.block)
	putChainHeader(pg.data, b.next, uint32(len(b.entries)))
	for i, e := range b.entries {
		enc.PutUint64(pg.data[chainHeaderSize+8*i:], e)
	}
	return l.pages.add(l.gfs, pg)
}

// flushInode persists one dirty inode: xattrs first, then the block
// map or directory body, then the dinode itself. A removed inode with
// a prior on-disk copy is rewritten as a tombstone (mode 0) so the
// removal survives remount; a removed inode that never reached disk
// is simply dropped. Returns whether an inode block was written.
func (l *Layer) flushInode(inode *Inode) (bool, error) {
	if inode.xattrDirty {
		if err := l.xattrFlush(inode); err != nil {
			return false, err
		}
	}
	if inode.bmapDirty {
		if err := l.bmapFlush(inode); err != nil {
			return false, err
		}
	}
	if inode.dirDirty {
		if err := l.dirFlush(inode); err != nil {
			return false, err
		}
	}
	if !inode.dirty {
		return false, nil
	}

	if inode.removed {
		// The inode's metadata chains die with it.
		l.freeChain(&inode.bmapDirExtents)
		inode.bmapDirBlock = InvalidBlock
		l.freeChain(&inode.xattrExtents)
		inode.xattrBlock = InvalidBlock

		if inode.diskBlock == InvalidBlock {
			inode.dirty = false
			return false, nil
		}
	}

	if inode.diskBlock == InvalidBlock {
		block, err := l.nextInodeBlock()
		if err != nil {
			return false, err
		}
		inode.diskBlock = block
	}

	pg := l.gfs.newPage(inode.diskBlock)
	d := inode.dinode
	if inode.removed {
		d.mode = 0
	}
	d.marshalTo(pg.data)
	l.packInodeTail(inode, pg.data)
	if err := l.inodePages.add(l.gfs, pg); err != nil {
		return false, err
	}
	inode.dirty = false
	l.iwrite.Add(1)
	return true, nil
}

// packInodeTail fills the space after the dinode with the inline
// body: a symlink target, a small directory's entries, or a small
// file's block map. Bodies that overflowed into chain blocks leave
// the tail empty.
func (l *Layer) packInodeTail(inode *Inode, buf []byte) {
	if inode.removed {
		return
	}
	tail := buf[dinodeSize:]
	switch {
	case inode.isSymlink():
		copy(tail, inode.target)
	case inode.isDir() && inode.bmapDirBlock == InvalidBlock && inode.dir != nil:
		payload := packDirBody(inode.dir, nil)
		enc.PutUint32(tail[0:], uint32(len(payload)))
		copy(tail[4:], payload)
	case inode.isRegular() && inode.bmapDirBlock == InvalidBlock && len(inode.bmap) > 0:
		enc.PutUint32(tail[0:], uint32(len(inode.bmap)))
		off := 4
		for _, e := range inode.bmap {
			enc.PutUint64(tail[off:], e.logical)
			enc.PutUint64(tail[off+8:], e.physical)
			enc.PutUint64(tail[off+16:], e.count)
			off += bmapEntrySize
		}
	}
}

// freeChain releases the metadata chain blocks tracked in m back to
// the layer pool.
func (l *Layer) freeChain(m *extent.Map) {
	for _, r := range m.Ranges() {
		l.freeBlocks(r, true, true)
	}
	m.Clear()
}

// inodeDirty reports whether the inode has anything to flush.
func (i *Inode) inodeDirty() bool {
	return i.dirty || i.bmapDirty || i.dirDirty || i.xattrDirty
}

// syncInodes flushes every dirty inode in the layer, drains the
// pending inode-page cluster, and writes the index chain.
func (l *Layer) syncInodes() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	for i := range l.icache {
		for inode := l.icache[i].head; inode != nil && !l.removed; inode = inode.cnext {
			if !inode.inodeDirty() {
				continue
			}
			if _, err := l.flushInode(inode); err != nil {
				return fmt.Errorf("flushing inode %d: %w", inode.ino, err)
			}
		}
	}
	if l.removed {
		return nil
	}
	if err := l.inodePages.flush(l.gfs); err != nil {
		return err
	}
	if err := l.pages.flush(l.gfs); err != nil {
		return err
	}
	if l.ibuilder != nil {
		if err := l.writeIndexBlock(); err != nil {
			return err
		}
		return l.pages.flush(l.gfs)
	}
	return nil
}

// readInodes loads the layer's inode table from the index chain. A
// tombstoned slot (mode 0) is reclaimed: the inode block is freed,
// the slot invalidated, and the index block rewritten in place.
func (l *Layer) readInodes() error {
	gfs := l.gfs
	block := l.inodeHead
	ibuf := make([]byte, BlockSize)

	for block != InvalidBlock {
		index, err := gfs.dev.ReadBlock(block)
		if err != nil {
			return fmt.Errorf("reading inode index block %d: %w", block, err)
		}
		next, count := chainHeader(index)
		if count > iblockMax {
			return fmt.Errorf("inode index block %d holds %d entries: %w", block, count, ErrIO)
		}
		rewrite := false
		for i := range int(count) {
			iblock := enc.Uint64(index[chainHeaderSize+8*i:])
			if iblock == InvalidBlock {
				continue
			}
			if err := gfs.dev.ReadBlockInto(iblock, ibuf); err != nil {
				return fmt.Errorf("reading inode block %d: %w", iblock, err)
			}
			d := unmarshalDinode(ibuf)
			if d.mode == 0 {
				// Tombstone: the removal is already effective by the
				// inode's absence; reclaim the slot.
				l.trackBlock(iblock)
				l.freeBlocks(extent.Range{Start: iblock, Length: 1}, true, true)
				enc.PutUint64(index[chainHeaderSize+8*i:], InvalidBlock)
				rewrite = true
				continue
			}
			inode := l.newInode()
			inode.dinode = d
			inode.diskBlock = iblock
			l.trackBlock(iblock)
			if err := l.readInodeBody(inode, ibuf); err != nil {
				return err
			}
			l.addInode(inode)
			if inode.ino == l.root {
				if !inode.isDir() {
					return fmt.Errorf("layer %q root %d is not a directory: %w", l.name, l.root, ErrIO)
				}
				l.rootInode = inode
			}
		}
		if rewrite {
			if err := gfs.dev.WriteBlock(block, index); err != nil {
				return err
			}
		}
		l.trackBlock(block)
		block = next
	}
	if l.rootInode == nil {
		return fmt.Errorf("layer %q has no root inode %d: %w", l.name, l.root, ErrIO)
	}
	return nil
}

// trackBlock records a block read from disk in the layer's allocated
// map, so ownership checks keep working after remount.
func (l *Layer) trackBlock(block uint64) {
	l.amu.Lock()
	l.allocated.Insert(extent.Range{Start: block, Length: 1})
	l.amu.Unlock()
}

// readInodeBody reconstructs the kind-specific body from the inode
// block tail or the overflow chains.
func (l *Layer) readInodeBody(inode *Inode, ibuf []byte) error {
	tail := ibuf[dinodeSize:]
	switch {
	case inode.isSymlink():
		if inode.size > uint64(inodeTailSize) {
			return fmt.Errorf("inode %d symlink target of %d bytes: %w", inode.ino, inode.size, ErrIO)
		}
		inode.target = append([]byte(nil), tail[:inode.size]...)
		l.gfs.memAdd(memSymlink, 1)
	case inode.isDir():
		if err := l.dirRead(inode, tail); err != nil {
			return err
		}
	case inode.isRegular():
		if err := l.bmapRead(inode, tail); err != nil {
			return err
		}
	}
	return l.xattrRead(inode)
}

// fsyncInode flushes one inode and drains the pending clusters so
// the inode's state is on the device when the call returns.
func (l *Layer) fsyncInode(inode *Inode) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	if _, err := l.flushInode(inode); err != nil {
		return err
	}
	if err := l.inodePages.flush(l.gfs); err != nil {
		return err
	}
	return l.pages.flush(l.gfs)
}

// destroyInodes drops every in-memory inode of the layer. No disk
// writes happen here; removal and unmount flush (or deliberately
// skip) state beforehand.
func (l *Layer) destroyInodes() {
	var count int64
	for i := range l.icache {
		bucket := &l.icache[i]
		for inode := bucket.head; inode != nil; inode = inode.cnext {
			count++
			if inode.target != nil && !inode.shared {
				l.gfs.memAdd(memSymlink, -1)
			}
			if inode.dir != nil && !inode.shared {
				freeDirBody(l.gfs, inode.dir)
			}
			if !inode.xattrShared {
				l.gfs.memAdd(memXattr, -int64(len(inode.xattrs)))
			}
			l.gfs.memAdd(memPage, -int64(len(inode.pages)))
		}
		bucket.head = nil
	}
	l.gfs.inodeCount.Add(-count)
	l.gfs.memAdd(memInode, -count)
	l.icount.Add(-count)
}
