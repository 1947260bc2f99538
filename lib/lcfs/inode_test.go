// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"bytes"
	"errors"
	"testing"
)

// readAll reads the whole file behind handle.
func readAll(t *testing.T, fs *FileSystem, handle uint64) []byte {
	t.Helper()
	attr, err := fs.GetAttr(handle)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	buf := make([]byte, attr.Size)
	n, err := fs.Read(handle, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return buf[:n]
}

func TestCopyUpIsolation(t *testing.T) {
	// Scenario S2: write "hello" in L1, branch L2, overwrite in L2,
	// and the parent's bytes never change.
	fs, _ := newTestFS(t)
	snap := setupSnapRoot(t, fs)

	if err := fs.CreateLayer("L1", "", false); err != nil {
		t.Fatal(err)
	}
	l1 := layerRoot(t, fs, snap, "L1")
	attr, err := fs.Create(l1, "a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatalf("CreateLayer L2: %v", err)
	}
	l2 := layerRoot(t, fs, snap, "L2")

	// L2 sees the parent's content through the chain.
	a2, err := fs.Lookup(l2, "a")
	if err != nil {
		t.Fatalf("Lookup a in L2: %v", err)
	}
	if got := readAll(t, fs, a2.Ino); string(got) != "hello" {
		t.Fatalf("L2 read %q, want hello", got)
	}

	// Overwrite in L2; L1 keeps its bytes.
	if _, err := fs.Write(a2.Ino, 0, []byte("WORLD")); err != nil {
		t.Fatalf("Write in L2: %v", err)
	}
	a1, err := fs.Lookup(l1, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, fs, a1.Ino); string(got) != "hello" {
		t.Errorf("L1 read %q after child write, want hello", got)
	}
	if got := readAll(t, fs, a2.Ino); string(got) != "WORLD" {
		t.Errorf("L2 read %q, want WORLD", got)
	}
	if fs.clones.Load() == 0 {
		t.Error("no copy-up recorded")
	}
	checkConservation(t, fs)
}

func TestCopyUpIsolationAfterCommit(t *testing.T) {
	// The same isolation holds when the parent's file reached disk
	// before branching (contiguous representation shared by value).
	fs, path := newTestFS(t)
	snap := setupSnapRoot(t, fs)

	if err := fs.CreateLayer("L1", "", false); err != nil {
		t.Fatal(err)
	}
	l1 := layerRoot(t, fs, snap, "L1")
	attr, err := fs.Create(l1, "blob", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte("x"), 3*BlockSize)
	if _, err := fs.Write(attr.Ino, 0, content); err != nil {
		t.Fatal(err)
	}
	if err := fs.CommitLayer("L1"); err != nil {
		t.Fatal(err)
	}

	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatal(err)
	}
	l2 := layerRoot(t, fs, snap, "L2")
	b2, err := fs.Lookup(l2, "blob")
	if err != nil {
		t.Fatal(err)
	}
	// Overwrite the middle block in the child.
	patch := bytes.Repeat([]byte("Y"), BlockSize)
	if _, err := fs.Write(b2.Ino, BlockSize, patch); err != nil {
		t.Fatal(err)
	}
	if err := fs.CommitLayer("L2"); err != nil {
		t.Fatal(err)
	}

	fs = remount(t, fs, path)
	snapAttr, err := fs.Lookup(RootInode, "lcfs")
	if err != nil {
		t.Fatal(err)
	}
	snap = snapAttr.Ino

	l1 = layerRoot(t, fs, snap, "L1")
	b1, err := fs.Lookup(l1, "blob")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, fs, b1.Ino); !bytes.Equal(got, content) {
		t.Error("parent content changed after child write and remount")
	}

	l2 = layerRoot(t, fs, snap, "L2")
	b2, err = fs.Lookup(l2, "blob")
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte(nil), content...)
	copy(want[BlockSize:], patch)
	if got := readAll(t, fs, b2.Ino); !bytes.Equal(got, want) {
		t.Error("child content wrong after remount")
	}
	checkConservation(t, fs)
}

func TestWritesToFrozenLayerFail(t *testing.T) {
	fs, _ := newTestFS(t)
	snap := setupSnapRoot(t, fs)

	if err := fs.CreateLayer("L1", "", false); err != nil {
		t.Fatal(err)
	}
	l1 := layerRoot(t, fs, snap, "L1")
	attr, err := fs.Create(l1, "a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.Write(attr.Ino, 0, []byte("x")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write to frozen parent = %v, want ErrReadOnly", err)
	}
	if _, err := fs.Create(l1, "b", 0o644, 0, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create in frozen parent = %v, want ErrReadOnly", err)
	}

	// A layer created read-only is immutable from birth.
	if err := fs.CreateLayer("ro", "", true); err != nil {
		t.Fatal(err)
	}
	ro := layerRoot(t, fs, snap, "ro")
	if _, err := fs.Create(ro, "f", 0o644, 0, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create in read-only layer = %v, want ErrReadOnly", err)
	}
}

func TestHashUniqueness(t *testing.T) {
	// Within one layer, no inode number appears twice across the
	// hash, even after many creates and parent-chain clones.
	fs, _ := newTestFS(t)
	snap := setupSnapRoot(t, fs)

	if err := fs.CreateLayer("L1", "", false); err != nil {
		t.Fatal(err)
	}
	l1 := layerRoot(t, fs, snap, "L1")
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		if _, err := fs.Create(l1, name, 0o644, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatal(err)
	}
	l2 := layerRoot(t, fs, snap, "L2")
	// Touch the same file repeatedly; only one clone may appear.
	for range 3 {
		a, err := fs.Lookup(l2, "a")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fs.Write(a.Ino, 0, []byte("z")); err != nil {
			t.Fatal(err)
		}
	}

	fs.mu.Lock()
	layers := append([]*Layer(nil), fs.layers...)
	fs.mu.Unlock()
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		seen := make(map[uint64]bool)
		for i := range layer.icache {
			for inode := layer.icache[i].head; inode != nil; inode = inode.cnext {
				if seen[inode.ino] {
					t.Fatalf("layer %q: inode %d hashed twice", layer.name, inode.ino)
				}
				seen[inode.ino] = true
				if inodeHash(inode.ino) != i {
					t.Fatalf("layer %q: inode %d in bucket %d", layer.name, inode.ino, i)
				}
			}
		}
	}
}

func TestRemovedTombstoneVisibility(t *testing.T) {
	// Scenario S5 / property 4: unlink in the child hides the
	// parent's file, in memory and across remount; the parent keeps
	// it.
	fs, path := newTestFS(t)
	snap := setupSnapRoot(t, fs)

	if err := fs.CreateLayer("L1", "", false); err != nil {
		t.Fatal(err)
	}
	l1 := layerRoot(t, fs, snap, "L1")
	if _, err := fs.Create(l1, "a", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatal(err)
	}
	l2 := layerRoot(t, fs, snap, "L2")

	if err := fs.Unlink(l2, "a"); err != nil {
		t.Fatalf("Unlink in L2: %v", err)
	}

	assertNames := func(fs *FileSystem, dir uint64, want map[string]bool, label string) {
		t.Helper()
		entries, err := fs.Readdir(dir)
		if err != nil {
			t.Fatalf("%s: Readdir: %v", label, err)
		}
		got := make(map[string]bool, len(entries))
		for _, e := range entries {
			got[e.Name] = true
		}
		for name := range want {
			if !got[name] {
				t.Errorf("%s: missing %q", label, name)
			}
		}
		for name := range got {
			if !want[name] {
				t.Errorf("%s: unexpected %q", label, name)
			}
		}
	}
	assertNames(fs, l2, map[string]bool{}, "L2 before remount")
	assertNames(fs, l1, map[string]bool{"a": true}, "L1 before remount")

	if _, err := fs.Lookup(l2, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup a in L2 = %v, want ErrNotFound", err)
	}

	if err := fs.CommitLayer("L2"); err != nil {
		t.Fatal(err)
	}
	fs = remount(t, fs, path)
	snapAttr, err := fs.Lookup(RootInode, "lcfs")
	if err != nil {
		t.Fatal(err)
	}
	l1 = layerRoot(t, fs, snapAttr.Ino, "L1")
	l2 = layerRoot(t, fs, snapAttr.Ino, "L2")

	assertNames(fs, l2, map[string]bool{}, "L2 after remount")
	assertNames(fs, l1, map[string]bool{"a": true}, "L1 after remount")
	checkConservation(t, fs)
}

func TestTombstoneOnDisk(t *testing.T) {
	// An inode that reached disk and is then removed is rewritten
	// with mode 0; remount reclaims the slot instead of resurrecting
	// the inode.
	fs, path := newTestFS(t)

	attr, err := fs.Create(RootInode, "doomed", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 0, []byte("bytes")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(RootInode, "doomed"); err != nil {
		t.Fatal(err)
	}
	fs = remount(t, fs, path)

	if _, err := fs.Lookup(RootInode, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after tombstoned remount = %v, want ErrNotFound", err)
	}
	checkConservation(t, fs)

	// A second remount sees the reclaimed slot.
	fs = remount(t, fs, path)
	if _, err := fs.Lookup(RootInode, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after reclaim = %v, want ErrNotFound", err)
	}
}

func TestHardLinks(t *testing.T) {
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "orig", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 0, []byte("shared bytes")); err != nil {
		t.Fatal(err)
	}
	linked, err := fs.Link(RootInode, "alias", attr.Ino)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if linked.Nlink != 2 {
		t.Errorf("nlink = %d, want 2", linked.Nlink)
	}

	// Removing one name keeps the content reachable via the other.
	if err := fs.Unlink(RootInode, "orig"); err != nil {
		t.Fatal(err)
	}
	alias, err := fs.Lookup(RootInode, "alias")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, fs, alias.Ino); string(got) != "shared bytes" {
		t.Errorf("content via alias = %q", got)
	}
	if alias.Nlink != 1 {
		t.Errorf("nlink after unlink = %d, want 1", alias.Nlink)
	}
}
