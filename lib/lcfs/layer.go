// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lcfs-project/lcfs/lib/extent"
)

// Layer is one filesystem layer: its own inodes over an optional
// parent layer's inodes. The base layer (global index 0) is special:
// it holds the snapshot root, is never frozen, and is not addressable
// by name.
type Layer struct {
	gfs    *FileSystem
	gindex int
	name   string
	root   uint64
	parent *Layer

	rootInode *Inode

	// opLock is held shared for the duration of every request
	// dispatched into the layer and exclusive by lifecycle
	// operations (create-child, commit, remove). The exclusive
	// acquisition is the barrier that makes the mutable→frozen
	// transition safe: once it is held, no writer holds any inode
	// lock in the layer.
	opLock sync.RWMutex

	// snap marks the layer immutable: it was created read-only or
	// has had a child. Checked at every mutating getInode.
	snap bool

	// frozen elides inode locking entirely. Set only after the
	// opLock barrier above.
	frozen bool

	// removed marks a layer being torn down; flush paths drop work
	// instead of writing.
	removed bool

	childCount int // guarded by gfs.mu

	icache []icacheBucket
	ilock  sync.Mutex // parent-chain traversal during copy-up

	// Allocator state, guarded by amu.
	amu       sync.Mutex
	metaPool  extent.Map
	dataPool  extent.Map
	allocated extent.Map

	// Flush state: the inode-block index chain under assembly and
	// the carved reservation inode blocks come from. Guarded by
	// flushMu.
	flushMu      sync.Mutex
	inodeHead    uint64
	allocHead    uint64
	allocChain   []uint64 // blocks of the last written alloc chain
	ibuilder     *indexBuilder
	inodeReserve extent.Range

	pages      *pageCluster // metadata chain pages
	inodePages *pageCluster // inode block pages

	icount atomic.Int64
	iwrite atomic.Uint64
}

// newLayer builds the in-memory layer shell.
func (fs *FileSystem) newLayer(gindex int, root uint64, parent *Layer, name string) *Layer {
	return &Layer{
		gfs:        fs,
		gindex:     gindex,
		name:       name,
		root:       root,
		parent:     parent,
		icache:     make([]icacheBucket, icacheSize),
		inodeHead:  InvalidBlock,
		allocHead:  InvalidBlock,
		pages:      &pageCluster{},
		inodePages: &pageCluster{},
	}
}

// LayerStat is the per-layer report returned by StatLayer.
type LayerStat struct {
	Name            string `cbor:"name"`
	Parent          string `cbor:"parent,omitempty"`
	ReadOnly        bool   `cbor:"readonly"`
	Inodes          int64  `cbor:"inodes"`
	InodeWrites     uint64 `cbor:"inode_writes"`
	BlocksAllocated uint64 `cbor:"blocks_allocated"`
	BlocksReserved  uint64 `cbor:"blocks_reserved"`
}

// CreateLayer creates a layer named name. With a parent, the new
// layer starts as a copy-on-write view of it and the parent becomes
// immutable; with parent "" the layer starts empty. A read-only layer
// is immutable from birth. The layer appears as a directory of the
// snapshot root.
func (fs *FileSystem) CreateLayer(name, parentName string, readonly bool) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	if name == "" || len(name) > maxLayerNameLen {
		return fmt.Errorf("layer name %q: %w", name, ErrInvalid)
	}
	if fs.snapRootInode == nil {
		return fmt.Errorf("no snapshot root configured: %w", ErrInvalid)
	}

	fs.layerMu.Lock()
	defer fs.layerMu.Unlock()

	fs.mu.Lock()
	if _, ok := fs.layersByName[name]; ok {
		fs.mu.Unlock()
		return fmt.Errorf("layer %q: %w", name, ErrExists)
	}
	var parent *Layer
	if parentName != "" {
		parent = fs.layersByName[parentName]
		if parent == nil {
			fs.mu.Unlock()
			return fmt.Errorf("parent layer %q: %w", parentName, ErrNotFound)
		}
	}
	gindex := len(fs.layers)
	for i, l := range fs.layers {
		if l == nil && i > 0 {
			gindex = i
			break
		}
	}
	fs.mu.Unlock()

	// Freeze the parent before sharing its inodes: drain its
	// writers, flush its dirty state, and only then mark it frozen.
	if parent != nil && !parent.frozen {
		parent.opLock.Lock()
		parent.snap = true
		if err := parent.syncInodes(); err != nil {
			parent.opLock.Unlock()
			return fmt.Errorf("freezing layer %q: %w", parentName, err)
		}
		parent.frozen = true
		parent.opLock.Unlock()
	}

	rootIno := fs.inodeAlloc()
	layer := fs.newLayer(gindex, rootIno, parent, name)
	if readonly {
		layer.snap = true
	}

	if parent != nil {
		layer.ilock.Lock()
		root := layer.cloneInode(parent.rootInode, rootIno)
		layer.ilock.Unlock()
		root.parent = rootIno
		layer.rootInode = root
	} else {
		root := layer.newInode()
		root.ino = rootIno
		root.mode = modeDir | 0o755
		root.nlink = 2
		root.parent = rootIno
		root.private = true
		root.touch(true, true, true)
		root.markDirty()
		layer.addInode(root)
		layer.rootInode = root
	}

	// Hook the layer under the snapshot root.
	base := fs.base
	snapRoot, err := base.getInode(fs.snapRoot, lockWrite)
	if err != nil {
		return fmt.Errorf("locking snapshot root: %w", err)
	}
	if _, ok := dirLookup(snapRoot.dir, name); ok {
		snapRoot.unlockInode(true)
		return fmt.Errorf("layer %q: %w", name, ErrExists)
	}
	base.dirAdd(snapRoot, name, rootIno, modeDir)
	snapRoot.unlockInode(true)

	fs.mu.Lock()
	if gindex == len(fs.layers) {
		fs.layers = append(fs.layers, layer)
	} else {
		fs.layers[gindex] = layer
	}
	fs.layersByName[name] = layer
	fs.layersByRoot[rootIno] = layer
	if parent != nil {
		parent.childCount++
	}
	fs.super.layerCount++
	fs.mu.Unlock()

	fs.logger.Info("layer created", "name", name, "parent", parentName,
		"root", rootIno, "gindex", gindex, "readonly", readonly)
	return nil
}

// RemoveLayer tears down a layer that has no children. Nothing is
// flushed: the layer's pending state is dropped and every block it
// owns returns to the global free pool.
func (fs *FileSystem) RemoveLayer(name string) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	fs.layerMu.Lock()
	defer fs.layerMu.Unlock()

	fs.mu.Lock()
	layer := fs.layersByName[name]
	if layer == nil {
		fs.mu.Unlock()
		return fmt.Errorf("layer %q: %w", name, ErrNotFound)
	}
	if layer.childCount > 0 {
		fs.mu.Unlock()
		return fmt.Errorf("layer %q has %d children: %w", name, layer.childCount, ErrNotEmpty)
	}
	delete(fs.layersByName, name)
	delete(fs.layersByRoot, layer.root)
	fs.layers[layer.gindex] = nil
	if layer.parent != nil {
		layer.parent.childCount--
	}
	fs.super.layerCount--
	fs.mu.Unlock()

	layer.opLock.Lock()
	layer.removed = true
	layer.pages.drop(fs)
	layer.inodePages.drop(fs)
	layer.destroyInodes()
	layer.releaseAllBlocks()
	layer.opLock.Unlock()

	// Unhook from the snapshot root.
	snapRoot, err := fs.base.getInode(fs.snapRoot, lockWrite)
	if err != nil {
		return fmt.Errorf("locking snapshot root: %w", err)
	}
	err = fs.base.dirRemove(snapRoot, name)
	snapRoot.unlockInode(true)
	if err != nil {
		return err
	}

	fs.logger.Info("layer removed", "name", name, "root", layer.root)
	return nil
}

// CommitLayer flushes everything the layer holds and writes a
// consistent global snapshot (layer table, free list, superblock).
// Committing an already-clean layer rewrites the same state; the
// operation is idempotent.
func (fs *FileSystem) CommitLayer(name string) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	fs.mu.Lock()
	layer := fs.layersByName[name]
	fs.mu.Unlock()
	if layer == nil {
		return fmt.Errorf("layer %q: %w", name, ErrNotFound)
	}
	// The base layer holds the snapshot-root directory entry that
	// names this layer; it rides along so the committed state is
	// self-consistent.
	if err := fs.commitLayer(fs.base); err != nil {
		return err
	}
	if layer != fs.base {
		if err := fs.commitLayer(layer); err != nil {
			return err
		}
	}
	return fs.commitGlobal()
}

// commitLayer drains the layer's writers and pushes its dirty state
// to the device.
func (fs *FileSystem) commitLayer(layer *Layer) error {
	layer.opLock.Lock()
	defer layer.opLock.Unlock()
	return fs.commitLayerLocked(layer)
}

func (fs *FileSystem) commitLayerLocked(layer *Layer) error {
	if err := layer.syncInodes(); err != nil {
		return fmt.Errorf("committing layer %q: %w", layer.name, err)
	}

	layer.flushMu.Lock()
	defer layer.flushMu.Unlock()

	// Return the unused part of the inode-block reservation; the
	// next flush carves a fresh one.
	if layer.inodeReserve.Length > 0 {
		layer.freeBlocks(layer.inodeReserve, true, true)
		layer.inodeReserve = extent.Range{}
	}

	if err := layer.writeAllocChain(); err != nil {
		return fmt.Errorf("committing layer %q: %w", layer.name, err)
	}
	layer.releasePools()
	return nil
}

// writeAllocChain persists the layer's allocated-extent map. The
// chain's own blocks are allocated into the very map being written,
// so allocation loops until the block count covers the entry count.
func (l *Layer) writeAllocChain() error {
	// The previous chain is superseded; its blocks return to the
	// layer pool before the new map is sized.
	for _, block := range l.allocChain {
		l.freeBlocks(extent.Range{Start: block, Length: 1}, true, true)
	}
	l.allocChain = nil
	l.allocHead = InvalidBlock

	var chain []uint64
	for {
		need := (l.allocated.Len() + freeExtentsPerBlock - 1) / freeExtentsPerBlock
		if need <= len(chain) {
			break
		}
		block, err := l.allocExact(1, true)
		if err != nil {
			return err
		}
		chain = append(chain, block)
	}
	if len(chain) == 0 {
		return nil
	}

	ranges := l.allocated.Ranges()
	for i, block := range chain {
		pg := l.gfs.newPage(block)
		part := ranges[i*freeExtentsPerBlock:]
		if len(part) > freeExtentsPerBlock {
			part = part[:freeExtentsPerBlock]
		}
		next := InvalidBlock
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		putChainHeader(pg.data, next, uint32(len(part)))
		for j, r := range part {
			enc.PutUint64(pg.data[chainHeaderSize+16*j:], r.Start)
			enc.PutUint64(pg.data[chainHeaderSize+16*j+8:], r.Length)
		}
		if err := l.pages.add(l.gfs, pg); err != nil {
			return err
		}
	}
	l.allocHead = chain[0]
	l.allocChain = chain
	return l.pages.flush(l.gfs)
}

// readAllocChain loads the layer's allocated-extent map at mount.
func (l *Layer) readAllocChain() error {
	block := l.allocHead
	for block != InvalidBlock {
		l.allocChain = append(l.allocChain, block)
		buf, err := l.gfs.dev.ReadBlock(block)
		if err != nil {
			return fmt.Errorf("reading allocation chain block %d: %w", block, err)
		}
		next, count := chainHeader(buf)
		if count > freeExtentsPerBlock {
			return fmt.Errorf("allocation chain block %d holds %d extents: %w", block, count, ErrIO)
		}
		for j := range int(count) {
			start := enc.Uint64(buf[chainHeaderSize+16*j:])
			length := enc.Uint64(buf[chainHeaderSize+16*j+8:])
			l.allocated.Insert(extent.Range{Start: start, Length: length})
		}
		block = next
	}
	return nil
}

// record builds the layer's on-disk table entry.
func (l *Layer) record() layerRecord {
	r := layerRecord{
		root:      l.root,
		inodeHead: l.inodeHead,
		allocHead: l.allocHead,
		gindex:    uint32(l.gindex),
		name:      l.name,
	}
	r.parentRoot = InvalidBlock
	if l.parent != nil {
		r.parentRoot = l.parent.root
	}
	if l.snap {
		r.flags |= layerSnap
	}
	return r
}

// StatLayer reports a layer's vitals. The base layer is addressed by
// the empty name.
func (fs *FileSystem) StatLayer(name string) (*LayerStat, error) {
	fs.mu.Lock()
	layer := fs.layersByName[name]
	if name == "" {
		layer = fs.base
	}
	fs.mu.Unlock()
	if layer == nil {
		return nil, fmt.Errorf("layer %q: %w", name, ErrNotFound)
	}

	layer.amu.Lock()
	allocated := layer.allocated.Blocks()
	reserved := layer.metaPool.Blocks() + layer.dataPool.Blocks()
	layer.amu.Unlock()

	stat := &LayerStat{
		Name:            layer.name,
		ReadOnly:        layer.snap,
		Inodes:          layer.icount.Load(),
		InodeWrites:     layer.iwrite.Load(),
		BlocksAllocated: allocated,
		BlocksReserved:  reserved,
	}
	if layer.parent != nil {
		stat.Parent = layer.parent.name
	}
	return stat, nil
}

// SetSnapshotRoot designates the directory inode under which layers
// are managed. Switching the snapshot root while layers exist is
// supported only to keep tests runnable; the previous association is
// discarded with a warning.
func (fs *FileSystem) SetSnapshotRoot(ino uint64) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	fs.mu.Lock()
	if fs.snapRoot != 0 {
		if fs.super.layerCount > 0 {
			fs.logger.Warn("snapshot root changed while layers exist",
				"old", fs.snapRoot, "new", ino)
		}
		fs.snapRoot = 0
		fs.snapRootInode = nil
	}
	fs.mu.Unlock()

	inode, err := fs.base.getInode(ino, lockRead)
	if err != nil {
		return fmt.Errorf("resolving snapshot root %d: %w", ino, err)
	}
	isDir := inode.isDir()
	inode.unlockInode(false)
	if !isDir {
		return fmt.Errorf("snapshot root %d is not a directory: %w", ino, ErrInvalid)
	}

	fs.mu.Lock()
	fs.snapRoot = ino
	fs.snapRootInode = inode
	fs.super.snapRoot = ino
	fs.mu.Unlock()
	fs.logger.Info("snapshot root set", "ino", ino)
	return nil
}
