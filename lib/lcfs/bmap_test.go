// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"bytes"
	"testing"
)

// statFree sums the global pool and the layer reservations.
func statFree(fs *FileSystem) uint64 {
	return fs.StatFS().FreeBlocks
}

func TestContiguousAllocation(t *testing.T) {
	// Scenario S3: a 300-block file lands as one contiguous extent
	// and costs the free pool exactly 300 blocks.
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "big", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// First fsync settles the metadata reservations so the free
	// delta below measures data blocks alone.
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}
	before := statFree(fs)

	data := bytes.Repeat([]byte{0xce}, 300*BlockSize)
	if _, err := fs.Write(attr.Ino, 0, data); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	layer, ino, err := fs.resolve(attr.Ino)
	if err != nil {
		t.Fatal(err)
	}
	inode := layer.lookupInode(ino)
	if inode.extentLength != 300 {
		t.Fatalf("extentLength = %d, want 300 (bmap %v)", inode.extentLength, inode.bmap)
	}
	if len(inode.bmap) != 0 {
		t.Errorf("contiguous file has %d sparse entries", len(inode.bmap))
	}

	after := statFree(fs)
	if before-after != 300 {
		t.Errorf("free pool shrank by %d blocks, want 300", before-after)
	}
	checkConservation(t, fs)
}

func TestAppendKeepsContiguity(t *testing.T) {
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "log", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	chunk := bytes.Repeat([]byte{1}, 4*BlockSize)
	if _, err := fs.Write(attr.Ino, 0, chunk); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, int64(len(chunk)), chunk); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	layer, ino, err := fs.resolve(attr.Ino)
	if err != nil {
		t.Fatal(err)
	}
	inode := layer.lookupInode(ino)
	if inode.extentLength != 8 {
		t.Errorf("appended file extentLength = %d (bmap %v), want 8", inode.extentLength, inode.bmap)
	}
}

func TestOverwriteBreaksContiguity(t *testing.T) {
	// The first non-appending write converts the contiguous
	// representation to a sparse map; content stays intact.
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte{7}, 6*BlockSize)
	if _, err := fs.Write(attr.Ino, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	patch := bytes.Repeat([]byte{9}, BlockSize)
	if _, err := fs.Write(attr.Ino, 2*BlockSize, patch); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	layer, ino, err := fs.resolve(attr.Ino)
	if err != nil {
		t.Fatal(err)
	}
	inode := layer.lookupInode(ino)
	if inode.extentLength != 0 || len(inode.bmap) == 0 {
		t.Errorf("overwritten file still contiguous: extent %d, bmap %v",
			inode.extentLength, inode.bmap)
	}

	want := append([]byte(nil), content...)
	copy(want[2*BlockSize:], patch)
	if got := readAll(t, fs, attr.Ino); !bytes.Equal(got, want) {
		t.Error("content diverged after overwrite")
	}
	checkConservation(t, fs)
}

func TestSparseFileHolesReadZero(t *testing.T) {
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "sparse", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Blocks 0 and 10 written, 1..9 are a hole.
	if _, err := fs.Write(attr.Ino, 0, []byte("head")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 10*BlockSize, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	got := readAll(t, fs, attr.Ino)
	if len(got) != 10*BlockSize+4 {
		t.Fatalf("size = %d", len(got))
	}
	if string(got[:4]) != "head" || string(got[10*BlockSize:]) != "tail" {
		t.Error("written regions corrupted")
	}
	for _, b := range got[4 : 10*BlockSize] {
		if b != 0 {
			t.Fatal("hole reads nonzero")
		}
	}
	checkConservation(t, fs)
}

func TestTruncateReleasesBlocks(t *testing.T) {
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 0, bytes.Repeat([]byte{3}, 20*BlockSize)); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}
	before := statFree(fs)

	size := uint64(5 * BlockSize)
	if _, err := fs.SetAttr(attr.Ino, SetAttrIn{Size: &size}); err != nil {
		t.Fatal(err)
	}
	after := statFree(fs)
	if after-before != 15 {
		t.Errorf("truncate released %d blocks, want 15", after-before)
	}

	got := readAll(t, fs, attr.Ino)
	if len(got) != int(size) {
		t.Fatalf("size after truncate = %d", len(got))
	}
	checkConservation(t, fs)

	// Truncate to a mid-block boundary zeroes the dropped tail when
	// the file grows back.
	small := uint64(100)
	if _, err := fs.SetAttr(attr.Ino, SetAttrIn{Size: &small}); err != nil {
		t.Fatal(err)
	}
	large := uint64(BlockSize)
	if _, err := fs.SetAttr(attr.Ino, SetAttrIn{Size: &large}); err != nil {
		t.Fatal(err)
	}
	got = readAll(t, fs, attr.Ino)
	for _, b := range got[100:] {
		if b != 0 {
			t.Fatal("extended region reads stale bytes")
		}
	}
}

func TestPartialPageOverwrite(t *testing.T) {
	// A sub-block write after flush preserves the surrounding bytes
	// through the read-modify-write path.
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	base := bytes.Repeat([]byte{0xaa}, BlockSize)
	if _, err := fs.Write(attr.Ino, 0, base); err != nil {
		t.Fatal(err)
	}
	if err := fs.Fsync(attr.Ino); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Write(attr.Ino, 100, []byte("mid")); err != nil {
		t.Fatal(err)
	}
	got := readAll(t, fs, attr.Ino)
	want := append([]byte(nil), base...)
	copy(want[100:], "mid")
	if !bytes.Equal(got, want) {
		t.Error("partial overwrite disturbed surrounding bytes")
	}
}

func TestBmapAddMergesAdjacent(t *testing.T) {
	inode := &Inode{}
	inode.extentBlock = InvalidBlock

	bmapAdd(inode, 0, 100, 2)
	bmapAdd(inode, 2, 102, 3) // extends both logically and physically
	if len(inode.bmap) != 1 || inode.bmap[0].count != 5 {
		t.Fatalf("adjacent entries not merged: %v", inode.bmap)
	}

	bmapAdd(inode, 10, 200, 1) // disjoint
	if len(inode.bmap) != 2 {
		t.Fatalf("disjoint entry merged: %v", inode.bmap)
	}

	// Overwriting the middle splits the first run.
	bmapAdd(inode, 1, 300, 1)
	if physical, ok := bmapLookup(inode, 1); !ok || physical != 300 {
		t.Errorf("remapped block reads %d, %v", physical, ok)
	}
	if physical, ok := bmapLookup(inode, 0); !ok || physical != 100 {
		t.Errorf("head of split run reads %d, %v", physical, ok)
	}
	if physical, ok := bmapLookup(inode, 4); !ok || physical != 104 {
		t.Errorf("tail of split run reads %d, %v", physical, ok)
	}
	if _, ok := bmapLookup(inode, 7); ok {
		t.Error("hole resolves to a block")
	}
}
