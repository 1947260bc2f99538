// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/lcfs-project/lcfs/lib/device"
)

// BlockSize is the fixed unit of device I/O and allocation.
const BlockSize = device.BlockSize

// InvalidBlock marks an absent block pointer on disk and in memory.
const InvalidBlock = ^uint64(0)

// RootInode is the inode number of the base layer's root directory.
const RootInode = 2

const (
	// superMagic identifies an LCFS superblock.
	superMagic = 0x4c43_4653_1a0d_0a00

	// superVersion gates layout changes, including any future
	// endianness change. All multi-byte fields are little-endian.
	superVersion = 1

	// icacheSize is the number of buckets in each layer's inode hash.
	icacheSize = 1024

	// clusterSize caps the number of pages in one pending write
	// cluster before it is forced out to the device.
	clusterSize = 256

	// inodeClusterSize is the number of contiguous metadata blocks
	// reserved at a time for inode blocks.
	inodeClusterSize = 64

	// slabSize is the number of blocks a layer pulls from the global
	// free pool at a time.
	slabSize = 256

	// maxNameLen bounds directory entry names.
	maxNameLen = 255

	// maxLayerNameLen bounds layer names; a 64-hex-digit image layer
	// ID fits.
	maxLayerNameLen = 87

	// dirHashThreshold is the entry count above which a directory
	// body converts from a linear list to hash buckets.
	dirHashThreshold = 512

	// dirHashBuckets is the bucket count of a hashed directory body.
	dirHashBuckets = 256
)

// On-disk record sizes. Every chained metadata block starts with a
// 16-byte header: next block pointer (8), payload count (4), pad (4).
const (
	chainHeaderSize = 16
	chainPayload    = BlockSize - chainHeaderSize

	dinodeSize    = 128
	inodeTailSize = BlockSize - dinodeSize

	// iblockMax is the number of inode-block pointers per index block.
	iblockMax = chainPayload / 8 // 510

	// freeExtentsPerBlock is the number of (start, length) pairs per
	// free-extent block.
	freeExtentsPerBlock = chainPayload / 16 // 255

	// bmapEntrySize is the size of one (logical, physical, count)
	// block-map entry.
	bmapEntrySize     = 24
	bmapEntriesPerBlk = chainPayload / bmapEntrySize // 170

	layerRecordSize     = 128
	layerRecordsPerBlk  = chainPayload / layerRecordSize // 31
	dirEntryHeaderSize  = 14                             // ino(8) + mode(4) + nameLen(2)
	xattrEntryHeaderSz  = 6                              // nameLen(2) + valueLen(4)
	checksumSize        = 32
	superChecksumOffset = 64
)

var enc = binary.LittleEndian

// superblock is block 0 of the device.
type superblock struct {
	blockCount uint64
	nextInode  uint64 // next inode number to hand out
	freeHead   uint64 // free-extent block chain, or InvalidBlock
	layerHead  uint64 // layer-table block chain, or InvalidBlock
	snapRoot   uint64 // snapshot root inode, or 0 when unset
	layerCount uint32
	flags      uint32
}

// superDirty marks a superblock that was mounted read-write and not
// yet cleanly committed.
const superDirty = 1 << 0

func (sb *superblock) marshal() []byte {
	buf := make([]byte, BlockSize)
	enc.PutUint64(buf[0:], superMagic)
	enc.PutUint32(buf[8:], superVersion)
	enc.PutUint32(buf[12:], sb.flags)
	enc.PutUint64(buf[16:], sb.blockCount)
	enc.PutUint64(buf[24:], sb.nextInode)
	enc.PutUint64(buf[32:], sb.freeHead)
	enc.PutUint64(buf[40:], sb.layerHead)
	enc.PutUint64(buf[48:], sb.snapRoot)
	enc.PutUint32(buf[56:], sb.layerCount)
	sum := blake3.Sum256(buf)
	copy(buf[superChecksumOffset:], sum[:])
	return buf
}

func unmarshalSuperblock(buf []byte) (*superblock, error) {
	if enc.Uint64(buf[0:]) != superMagic {
		return nil, fmt.Errorf("bad superblock magic %#x: %w", enc.Uint64(buf[0:]), ErrIO)
	}
	if v := enc.Uint32(buf[8:]); v != superVersion {
		return nil, fmt.Errorf("unsupported superblock version %d: %w", v, ErrIO)
	}

	var stored [checksumSize]byte
	copy(stored[:], buf[superChecksumOffset:])
	scratch := make([]byte, BlockSize)
	copy(scratch, buf)
	for i := range checksumSize {
		scratch[superChecksumOffset+i] = 0
	}
	if sum := blake3.Sum256(scratch); sum != stored {
		return nil, fmt.Errorf("superblock checksum mismatch: %w", ErrIO)
	}

	return &superblock{
		flags:      enc.Uint32(buf[12:]),
		blockCount: enc.Uint64(buf[16:]),
		nextInode:  enc.Uint64(buf[24:]),
		freeHead:   enc.Uint64(buf[32:]),
		layerHead:  enc.Uint64(buf[40:]),
		snapRoot:   enc.Uint64(buf[48:]),
		layerCount: enc.Uint32(buf[56:]),
	}, nil
}

// dinode is the on-disk inode, stored at offset 0 of its inode block.
// Times are nanoseconds since the epoch. A dinode whose mode is 0 is
// a tombstone: the inode was removed in this layer and must stay
// removed across remount.
type dinode struct {
	ino          uint64
	mode         uint32 // type and permission bits, unix layout
	nlink        uint32
	uid          uint32
	gid          uint32
	rdev         uint32
	size         uint64
	blocks       uint64 // allocated block count, for stat
	atime        int64
	mtime        int64
	ctime        int64
	parent       uint64
	extentBlock  uint64 // contiguous representation: first block
	extentLength uint64 // contiguous representation: run length
	bmapDirBlock uint64 // block-map or directory chain head
	xattrBlock   uint64 // xattr chain head
}

func (d *dinode) marshalTo(buf []byte) {
	enc.PutUint64(buf[0:], d.ino)
	enc.PutUint32(buf[8:], d.mode)
	enc.PutUint32(buf[12:], d.nlink)
	enc.PutUint32(buf[16:], d.uid)
	enc.PutUint32(buf[20:], d.gid)
	enc.PutUint32(buf[24:], d.rdev)
	enc.PutUint64(buf[32:], d.size)
	enc.PutUint64(buf[40:], d.blocks)
	enc.PutUint64(buf[48:], uint64(d.atime))
	enc.PutUint64(buf[56:], uint64(d.mtime))
	enc.PutUint64(buf[64:], uint64(d.ctime))
	enc.PutUint64(buf[72:], d.parent)
	enc.PutUint64(buf[80:], d.extentBlock)
	enc.PutUint64(buf[88:], d.extentLength)
	enc.PutUint64(buf[96:], d.bmapDirBlock)
	enc.PutUint64(buf[104:], d.xattrBlock)
}

func unmarshalDinode(buf []byte) dinode {
	return dinode{
		ino:          enc.Uint64(buf[0:]),
		mode:         enc.Uint32(buf[8:]),
		nlink:        enc.Uint32(buf[12:]),
		uid:          enc.Uint32(buf[16:]),
		gid:          enc.Uint32(buf[20:]),
		rdev:         enc.Uint32(buf[24:]),
		size:         enc.Uint64(buf[32:]),
		blocks:       enc.Uint64(buf[40:]),
		atime:        int64(enc.Uint64(buf[48:])),
		mtime:        int64(enc.Uint64(buf[56:])),
		ctime:        int64(enc.Uint64(buf[64:])),
		parent:       enc.Uint64(buf[72:]),
		extentBlock:  enc.Uint64(buf[80:]),
		extentLength: enc.Uint64(buf[88:]),
		bmapDirBlock: enc.Uint64(buf[96:]),
		xattrBlock:   enc.Uint64(buf[104:]),
	}
}

// putChainHeader writes the common chained-block header.
func putChainHeader(buf []byte, next uint64, count uint32) {
	enc.PutUint64(buf[0:], next)
	enc.PutUint32(buf[8:], count)
	enc.PutUint32(buf[12:], 0)
}

// chainHeader reads the common chained-block header.
func chainHeader(buf []byte) (next uint64, count uint32) {
	return enc.Uint64(buf[0:]), enc.Uint32(buf[8:])
}

// layerRecord is one entry of the on-disk layer table.
type layerRecord struct {
	root       uint64
	parentRoot uint64
	inodeHead  uint64
	allocHead  uint64 // per-layer allocated-extent chain
	flags      uint32
	gindex     uint32
	name       string
}

// layerSnap marks a layer that is immutable (snapshotted).
const layerSnap = 1 << 0

func (r *layerRecord) marshalTo(buf []byte) {
	enc.PutUint64(buf[0:], r.root)
	enc.PutUint64(buf[8:], r.parentRoot)
	enc.PutUint64(buf[16:], r.inodeHead)
	enc.PutUint64(buf[24:], r.allocHead)
	enc.PutUint32(buf[32:], r.flags)
	enc.PutUint32(buf[36:], r.gindex)
	copy(buf[40:40+maxLayerNameLen], r.name)
}

func unmarshalLayerRecord(buf []byte) layerRecord {
	name := buf[40 : 40+maxLayerNameLen]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return layerRecord{
		root:       enc.Uint64(buf[0:]),
		parentRoot: enc.Uint64(buf[8:]),
		inodeHead:  enc.Uint64(buf[16:]),
		allocHead:  enc.Uint64(buf[24:]),
		flags:      enc.Uint32(buf[32:]),
		gindex:     enc.Uint32(buf[36:]),
		name:       string(name[:n]),
	}
}

// packDirEntry appends one directory entry to payload and returns the
// extended slice. The packed form is ino(8) mode(4) nameLen(2) name.
func packDirEntry(payload []byte, ino uint64, mode uint32, name string) []byte {
	var hdr [dirEntryHeaderSize]byte
	enc.PutUint64(hdr[0:], ino)
	enc.PutUint32(hdr[8:], mode)
	enc.PutUint16(hdr[12:], uint16(len(name)))
	payload = append(payload, hdr[:]...)
	return append(payload, name...)
}

// unpackDirEntry reads one directory entry from payload at off.
// Returns the entry and the offset just past it.
func unpackDirEntry(payload []byte, off int) (ino uint64, mode uint32, name string, end int, err error) {
	if off+dirEntryHeaderSize > len(payload) {
		return 0, 0, "", 0, fmt.Errorf("truncated directory entry header: %w", ErrIO)
	}
	ino = enc.Uint64(payload[off:])
	mode = enc.Uint32(payload[off+8:])
	nameLen := int(enc.Uint16(payload[off+12:]))
	off += dirEntryHeaderSize
	if off+nameLen > len(payload) {
		return 0, 0, "", 0, fmt.Errorf("truncated directory entry name: %w", ErrIO)
	}
	return ino, mode, string(payload[off : off+nameLen]), off + nameLen, nil
}

// packXattr appends one extended attribute to payload.
func packXattr(payload []byte, name string, value []byte) []byte {
	var hdr [xattrEntryHeaderSz]byte
	enc.PutUint16(hdr[0:], uint16(len(name)))
	enc.PutUint32(hdr[2:], uint32(len(value)))
	payload = append(payload, hdr[:]...)
	payload = append(payload, name...)
	return append(payload, value...)
}

// unpackXattr reads one extended attribute from payload at off.
func unpackXattr(payload []byte, off int) (name string, value []byte, end int, err error) {
	if off+xattrEntryHeaderSz > len(payload) {
		return "", nil, 0, fmt.Errorf("truncated xattr header: %w", ErrIO)
	}
	nameLen := int(enc.Uint16(payload[off:]))
	valueLen := int(enc.Uint32(payload[off+2:]))
	off += xattrEntryHeaderSz
	if off+nameLen+valueLen > len(payload) {
		return "", nil, 0, fmt.Errorf("truncated xattr body: %w", ErrIO)
	}
	name = string(payload[off : off+nameLen])
	value = append([]byte(nil), payload[off+nameLen:off+nameLen+valueLen]...)
	return name, value, off + nameLen + valueLen, nil
}
