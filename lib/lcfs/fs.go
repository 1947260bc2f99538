// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcfs-project/lcfs/lib/device"
	"github.com/lcfs-project/lcfs/lib/extent"
)

// memKind indexes the per-kind memory counters.
type memKind int

const (
	memInode memKind = iota
	memDirent
	memPage
	memXattr
	memSymlink
	memKinds
)

var memKindNames = [memKinds]string{"inodes", "dirents", "pages", "xattrs", "symlinks"}

// Options configures Mount.
type Options struct {
	// Logger receives diagnostic messages. If nil, a stderr text
	// handler at Error level is used.
	Logger *slog.Logger

	// FlushInterval is the background flusher period. Zero disables
	// the flusher; dirty state then reaches the device only at
	// explicit flush points (fsync, commit, unmount).
	FlushInterval time.Duration
}

// FileSystem is the process-wide filesystem instance: the superblock,
// the device, the mounted layer table, and the global free pool.
type FileSystem struct {
	dev    *device.Device
	logger *slog.Logger

	// mu is the global lock: layer table, free map, superblock
	// fields beyond the atomic counters. commitGlobal holds it while
	// writing the layer table, free chain and superblock.
	mu sync.Mutex

	// layerMu serializes layer creation and removal end to end, so
	// index assignment, the snapshot-root entry, and the table stay
	// consistent with each other.
	layerMu      sync.Mutex
	super        *superblock
	free         extent.Map
	tableBlocks  []uint64 // blocks of the last written layer table
	fchainBlocks []uint64 // blocks of the last written free chain
	layers       []*Layer // by global index; nil entries are removed
	layersByName map[string]*Layer
	layersByRoot map[uint64]*Layer
	base         *Layer

	snapRoot      uint64
	snapRootInode *Inode

	unmounting atomic.Bool
	nextInode  atomic.Uint64
	inodeCount atomic.Int64
	clones     atomic.Uint64

	mem [memKinds]atomic.Int64

	flushStop chan struct{}
	flushDone chan struct{}
}

func (fs *FileSystem) memAdd(kind memKind, delta int64) {
	fs.mem[kind].Add(delta)
}

// MemStats reports the per-kind memory counters.
func (fs *FileSystem) MemStats() map[string]int64 {
	out := make(map[string]int64, memKinds)
	for k := range memKinds {
		out[memKindNames[k]] = fs.mem[k].Load()
	}
	return out
}

// checkRunning fails requests once unmount has begun.
func (fs *FileSystem) checkRunning() error {
	if fs.unmounting.Load() {
		return fmt.Errorf("shutting down: %w", ErrIO)
	}
	return nil
}

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// Format initializes the device at path with an empty filesystem:
// a superblock, a base layer, and a root directory. Everything else
// is free space.
func Format(path string, logger *slog.Logger) error {
	dev, err := device.Open(path)
	if err != nil {
		return err
	}

	fs := &FileSystem{
		dev:          dev,
		logger:       defaultLogger(logger),
		layersByName: make(map[string]*Layer),
		layersByRoot: make(map[uint64]*Layer),
	}
	fs.super = &superblock{blockCount: dev.BlockCount()}
	fs.free.Insert(extent.Range{Start: 1, Length: dev.BlockCount() - 1})
	fs.nextInode.Store(RootInode)

	base := fs.newLayer(0, RootInode, nil, "")
	root := base.newInode()
	root.ino = RootInode
	root.mode = modeDir | 0o755
	root.nlink = 2
	root.parent = RootInode
	root.private = true
	root.touch(true, true, true)
	root.markDirty()
	base.addInode(root)
	base.rootInode = root
	fs.base = base
	fs.layers = []*Layer{base}

	if err := fs.commitLayerLocked(base); err != nil {
		dev.Close()
		return fmt.Errorf("formatting %s: %w", path, err)
	}
	if err := fs.commitGlobal(); err != nil {
		dev.Close()
		return fmt.Errorf("formatting %s: %w", path, err)
	}
	fs.logger.Info("device formatted", "path", path, "blocks", dev.BlockCount())
	return dev.Close()
}

// Mount opens the device at path and rebuilds the layer table, the
// per-layer inode caches, and the free pool. The returned FileSystem
// serves requests until Unmount.
func Mount(path string, options Options) (*FileSystem, error) {
	dev, err := device.Open(path)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		dev:          dev,
		logger:       defaultLogger(options.Logger),
		layersByName: make(map[string]*Layer),
		layersByRoot: make(map[uint64]*Layer),
	}

	buf, err := dev.ReadBlock(0)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("mounting %s: %w", path, err)
	}
	fs.super, err = unmarshalSuperblock(buf)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("mounting %s: %w", path, err)
	}
	if fs.super.blockCount != dev.BlockCount() {
		dev.Close()
		return nil, fmt.Errorf("mounting %s: superblock records %d blocks, device has %d: %w",
			path, fs.super.blockCount, dev.BlockCount(), ErrIO)
	}
	fs.nextInode.Store(fs.super.nextInode)
	fs.snapRoot = fs.super.snapRoot

	if err := fs.readLayerTable(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("mounting %s: %w", path, err)
	}
	for _, layer := range fs.layers {
		if layer == nil {
			continue
		}
		if err := layer.readAllocChain(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("mounting %s: %w", path, err)
		}
		if err := layer.readInodes(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("mounting %s: %w", path, err)
		}
	}

	if err := fs.readFreeList(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("mounting %s: %w", path, err)
	}

	if fs.snapRoot != 0 {
		fs.snapRootInode = fs.base.lookupInode(fs.snapRoot)
		if fs.snapRootInode == nil || !fs.snapRootInode.isDir() {
			dev.Close()
			return nil, fmt.Errorf("mounting %s: snapshot root %d missing or not a directory: %w",
				path, fs.snapRoot, ErrIO)
		}
	}

	if options.FlushInterval > 0 {
		fs.flushStop = make(chan struct{})
		fs.flushDone = make(chan struct{})
		go fs.flusher(options.FlushInterval)
	}

	fs.logger.Info("mounted", "path", path,
		"blocks", dev.BlockCount(), "layers", fs.super.layerCount)
	return fs, nil
}

// readLayerTable walks the layer-table chain and rebuilds the layer
// tree. Inconsistencies here are fatal: a broken layer tree cannot be
// served.
func (fs *FileSystem) readLayerTable() error {
	var records []layerRecord
	block := fs.super.layerHead
	for block != InvalidBlock {
		buf, err := fs.dev.ReadBlock(block)
		if err != nil {
			return err
		}
		fs.tableBlocks = append(fs.tableBlocks, block)
		next, count := chainHeader(buf)
		if count > layerRecordsPerBlk {
			return fmt.Errorf("layer table block %d holds %d records: %w", block, count, ErrIO)
		}
		for i := range int(count) {
			records = append(records, unmarshalLayerRecord(buf[chainHeaderSize+i*layerRecordSize:]))
		}
		block = next
	}
	if len(records) == 0 {
		return fmt.Errorf("no layer table: %w", ErrIO)
	}

	maxIndex := 0
	for _, r := range records {
		if int(r.gindex) > maxIndex {
			maxIndex = int(r.gindex)
		}
	}
	fs.layers = make([]*Layer, maxIndex+1)
	for _, r := range records {
		if fs.layers[r.gindex] != nil {
			return fmt.Errorf("duplicate layer index %d: %w", r.gindex, ErrIO)
		}
		layer := fs.newLayer(int(r.gindex), r.root, nil, r.name)
		layer.inodeHead = r.inodeHead
		layer.allocHead = r.allocHead
		if r.flags&layerSnap != 0 {
			layer.snap = true
			layer.frozen = true
		}
		fs.layers[r.gindex] = layer
		if r.name != "" {
			fs.layersByName[r.name] = layer
			fs.layersByRoot[r.root] = layer
		}
	}
	fs.base = fs.layers[0]
	if fs.base == nil || fs.base.root != RootInode {
		return fmt.Errorf("base layer missing: %w", ErrIO)
	}

	// Second pass: link parents by root inode.
	byRoot := make(map[uint64]*Layer, len(records))
	for _, layer := range fs.layers {
		if layer != nil {
			byRoot[layer.root] = layer
		}
	}
	for _, r := range records {
		if r.parentRoot == InvalidBlock {
			continue
		}
		layer := fs.layers[r.gindex]
		parent := byRoot[r.parentRoot]
		if parent == nil {
			return fmt.Errorf("layer %q parent root %d not mounted: %w", r.name, r.parentRoot, ErrIO)
		}
		layer.parent = parent
		parent.childCount++
		if !parent.snap {
			// A parent must have been snapshotted when the child was
			// created; a table that says otherwise is corrupt.
			return fmt.Errorf("layer %q parent %q not snapshotted: %w", r.name, parent.name, ErrIO)
		}
	}
	return nil
}

// readFreeList loads the global free map. A device without a free
// chain (or one invalidated by an unclean shutdown) gets the map
// reconstructed as the complement of everything accounted for.
func (fs *FileSystem) readFreeList() error {
	if fs.super.freeHead == InvalidBlock {
		return fs.reconstructFree()
	}
	block := fs.super.freeHead
	for block != InvalidBlock {
		buf, err := fs.dev.ReadBlock(block)
		if err != nil {
			return err
		}
		fs.fchainBlocks = append(fs.fchainBlocks, block)
		next, count := chainHeader(buf)
		if count > freeExtentsPerBlock {
			return fmt.Errorf("free-list block %d holds %d extents: %w", block, count, ErrIO)
		}
		for i := range int(count) {
			start := enc.Uint64(buf[chainHeaderSize+16*i:])
			length := enc.Uint64(buf[chainHeaderSize+16*i+8:])
			fs.free.Insert(extent.Range{Start: start, Length: length})
		}
		block = next
	}
	return nil
}

// reconstructFree rebuilds the free map as device blocks minus the
// superblock, the layer table, and every layer's allocated map.
func (fs *FileSystem) reconstructFree() error {
	fs.free.Insert(extent.Range{Start: 1, Length: fs.super.blockCount - 1})
	for _, block := range fs.tableBlocks {
		if !fs.free.RemoveExact(extent.Range{Start: block, Length: 1}) {
			return fmt.Errorf("layer table block %d out of range: %w", block, ErrIO)
		}
	}
	for _, layer := range fs.layers {
		if layer == nil {
			continue
		}
		for _, r := range layer.allocated.Ranges() {
			if !fs.free.RemoveExact(r) {
				return fmt.Errorf("layer %q allocation [%d,+%d) double-booked: %w",
					layer.name, r.Start, r.Length, ErrIO)
			}
		}
	}
	fs.logger.Warn("free list reconstructed from allocation records",
		"free", fs.free.Blocks())
	return nil
}

// commitGlobal writes the layer table, the free list, and finally the
// superblock, then syncs the device. The caller has already committed
// whatever layers needed committing.
func (fs *FileSystem) commitGlobal() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// The previous table and free chain are superseded.
	for _, block := range fs.tableBlocks {
		fs.free.Insert(extent.Range{Start: block, Length: 1})
	}
	fs.tableBlocks = nil
	for _, block := range fs.fchainBlocks {
		fs.free.Insert(extent.Range{Start: block, Length: 1})
	}
	fs.fchainBlocks = nil

	var records []layerRecord
	for _, layer := range fs.layers {
		if layer == nil {
			continue
		}
		records = append(records, layer.record())
	}

	tableNeed := (len(records) + layerRecordsPerBlk - 1) / layerRecordsPerBlk
	for range tableNeed {
		r, ok := fs.free.RemoveFirstFit(1)
		if !ok {
			return fmt.Errorf("allocating layer table: %w", ErrNoSpace)
		}
		fs.tableBlocks = append(fs.tableBlocks, r.Start)
	}

	// The free chain describes the free map that remains after the
	// chain's own blocks are taken, so allocation loops until the
	// block count covers the range count.
	for {
		need := (fs.free.Len() + freeExtentsPerBlock - 1) / freeExtentsPerBlock
		if need <= len(fs.fchainBlocks) {
			break
		}
		r, ok := fs.free.RemoveFirstFit(1)
		if !ok {
			break
		}
		fs.fchainBlocks = append(fs.fchainBlocks, r.Start)
	}

	// Layer table blocks.
	for i, block := range fs.tableBlocks {
		buf := make([]byte, BlockSize)
		part := records[i*layerRecordsPerBlk:]
		if len(part) > layerRecordsPerBlk {
			part = part[:layerRecordsPerBlk]
		}
		next := InvalidBlock
		if i+1 < len(fs.tableBlocks) {
			next = fs.tableBlocks[i+1]
		}
		putChainHeader(buf, next, uint32(len(part)))
		for j := range part {
			part[j].marshalTo(buf[chainHeaderSize+j*layerRecordSize:])
		}
		if err := fs.dev.WriteBlock(block, buf); err != nil {
			return err
		}
	}

	// Free-list blocks.
	ranges := fs.free.Ranges()
	for i, block := range fs.fchainBlocks {
		buf := make([]byte, BlockSize)
		part := ranges[i*freeExtentsPerBlock:]
		if len(part) > freeExtentsPerBlock {
			part = part[:freeExtentsPerBlock]
		}
		next := InvalidBlock
		if i+1 < len(fs.fchainBlocks) {
			next = fs.fchainBlocks[i+1]
		}
		putChainHeader(buf, next, uint32(len(part)))
		for j, r := range part {
			enc.PutUint64(buf[chainHeaderSize+16*j:], r.Start)
			enc.PutUint64(buf[chainHeaderSize+16*j+8:], r.Length)
		}
		if err := fs.dev.WriteBlock(block, buf); err != nil {
			return err
		}
	}

	fs.super.layerHead = InvalidBlock
	if len(fs.tableBlocks) > 0 {
		fs.super.layerHead = fs.tableBlocks[0]
	}
	fs.super.freeHead = InvalidBlock
	if len(fs.fchainBlocks) > 0 {
		fs.super.freeHead = fs.fchainBlocks[0]
	}
	fs.super.nextInode = fs.nextInode.Load()
	fs.super.snapRoot = fs.snapRoot

	if err := fs.dev.WriteBlock(0, fs.super.marshal()); err != nil {
		return err
	}
	return fs.dev.Sync()
}

// flushDirty drains every mutable layer's dirty state to the device.
// Driven by the background flusher; commit points do their own, more
// thorough work.
func (fs *FileSystem) flushDirty() {
	fs.mu.Lock()
	layers := append([]*Layer(nil), fs.layers...)
	fs.mu.Unlock()

	for _, layer := range layers {
		if layer == nil || layer.frozen || layer.removed {
			continue
		}
		layer.opLock.Lock()
		err := layer.syncInodes()
		layer.opLock.Unlock()
		if err != nil {
			fs.logger.Error("background flush failed", "layer", layer.name, "error", err)
		}
	}
}

// flusher is the background flush loop.
func (fs *FileSystem) flusher(interval time.Duration) {
	defer close(fs.flushDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-fs.flushStop:
			return
		case <-ticker.C:
			fs.flushDirty()
		}
	}
}

// Commit commits every layer and the global state. Unmount's final
// flush and the S-commit of individual layers both funnel through the
// same per-layer path.
func (fs *FileSystem) Commit() error {
	fs.mu.Lock()
	layers := append([]*Layer(nil), fs.layers...)
	fs.mu.Unlock()

	for _, layer := range layers {
		if layer == nil || layer.removed {
			continue
		}
		if err := fs.commitLayer(layer); err != nil {
			return err
		}
	}
	return fs.commitGlobal()
}

// Unmount flushes everything, writes the final superblock, stops the
// flusher, and closes the device. Requests arriving after Unmount
// begins fail with a shutting-down error.
func (fs *FileSystem) Unmount() error {
	if fs.unmounting.Swap(true) {
		return nil
	}
	if fs.flushStop != nil {
		close(fs.flushStop)
		<-fs.flushDone
	}
	err := fs.Commit()
	fs.logger.Info("unmounted", "clones", fs.clones.Load(), "memory", fs.MemStats())
	if cerr := fs.dev.Close(); err == nil {
		err = cerr
	}
	return err
}

// FSStat is the filesystem-wide report behind statfs.
type FSStat struct {
	BlockSize   uint32
	Blocks      uint64
	FreeBlocks  uint64
	Inodes      uint64
	MaxNameLen  uint32
	LayerCount  uint32
	CloneCount  uint64
	InodeCount  int64
	MemoryStats map[string]int64
}

// StatFS reports capacity and usage. Free counts the global pool plus
// every layer's unused reservations.
func (fs *FileSystem) StatFS() FSStat {
	fs.mu.Lock()
	freeBlocks := fs.free.Blocks()
	layers := append([]*Layer(nil), fs.layers...)
	layerCount := fs.super.layerCount
	fs.mu.Unlock()

	for _, layer := range layers {
		if layer == nil {
			continue
		}
		layer.amu.Lock()
		freeBlocks += layer.metaPool.Blocks() + layer.dataPool.Blocks()
		layer.amu.Unlock()
	}
	return FSStat{
		BlockSize:   BlockSize,
		Blocks:      fs.super.blockCount,
		FreeBlocks:  freeBlocks,
		Inodes:      fs.nextInode.Load(),
		MaxNameLen:  maxNameLen,
		LayerCount:  layerCount,
		CloneCount:  fs.clones.Load(),
		InodeCount:  fs.inodeCount.Load(),
		MemoryStats: fs.MemStats(),
	}
}
