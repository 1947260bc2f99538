// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestWideDirectory(t *testing.T) {
	// Scenario S4: 2048 entries force the hash representation;
	// lookups stay cheap, removal of the evens leaves the odds. Each
	// inode takes a block at commit, so this test needs a roomier
	// device than the default.
	fs, path := newTestFSSize(t, 8192)

	dir, err := fs.Mkdir(RootInode, "d", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 2048 {
		name := fmt.Sprintf("f%04d", i)
		if _, err := fs.Create(dir.Ino, name, 0o644, 0, 0); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}

	layer, ino, err := fs.resolve(dir.Ino)
	if err != nil {
		t.Fatal(err)
	}
	dirInode := layer.lookupInode(ino)
	if dirInode == nil || dirInode.dir == nil {
		t.Fatal("directory inode missing")
	}
	if dirInode.dir.buckets == nil {
		t.Fatal("2048-entry directory did not convert to hash buckets")
	}

	if _, err := fs.Lookup(dir.Ino, "f1234"); err != nil {
		t.Fatalf("Lookup f1234: %v", err)
	}

	for i := 0; i < 2048; i += 2 {
		if err := fs.Unlink(dir.Ino, fmt.Sprintf("f%04d", i)); err != nil {
			t.Fatalf("Unlink f%04d: %v", i, err)
		}
	}
	entries, err := fs.Readdir(dir.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1024 {
		t.Fatalf("Readdir returned %d entries, want 1024", len(entries))
	}
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name, "f%d", &n); err != nil || n%2 == 0 {
			t.Fatalf("unexpected surviving entry %q", e.Name)
		}
	}

	// The wide directory overflows the inode block and survives
	// remount through its entry chain.
	if err := fs.Commit(); err != nil {
		t.Fatal(err)
	}
	fs = remount(t, fs, path)
	dirAttr, err := fs.Lookup(RootInode, "d")
	if err != nil {
		t.Fatal(err)
	}
	entries, err = fs.Readdir(dirAttr.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1024 {
		t.Fatalf("after remount Readdir returned %d entries, want 1024", len(entries))
	}
	if _, err := fs.Lookup(dirAttr.Ino, "f1235"); err != nil {
		t.Errorf("Lookup f1235 after remount: %v", err)
	}
	checkConservation(t, fs)
}

func TestRenameWithinDirectory(t *testing.T) {
	fs, _ := newTestFS(t)

	attr, err := fs.Create(RootInode, "old", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(attr.Ino, 0, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(RootInode, "old", RootInode, "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := fs.Lookup(RootInode, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still resolves: %v", err)
	}
	renamed, err := fs.Lookup(RootInode, "new")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, fs, renamed.Ino); string(got) != "payload" {
		t.Errorf("content after rename = %q", got)
	}
}

func TestRenameAcrossDirectories(t *testing.T) {
	fs, _ := newTestFS(t)

	src, err := fs.Mkdir(RootInode, "src", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := fs.Mkdir(RootInode, "dst", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Create(src.Ino, "f", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := fs.Rename(src.Ino, "f", dst.Ino, "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Lookup(src.Ino, "f"); !errors.Is(err, ErrNotFound) {
		t.Error("source entry survived the rename")
	}
	if _, err := fs.Lookup(dst.Ino, "g"); err != nil {
		t.Errorf("target entry missing: %v", err)
	}

	// Moving a directory carries the parent link count with it.
	sub, err := fs.Mkdir(src.Ino, "sub", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = sub
	before, err := fs.GetAttr(dst.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Rename(src.Ino, "sub", dst.Ino, "sub"); err != nil {
		t.Fatal(err)
	}
	after, err := fs.GetAttr(dst.Ino)
	if err != nil {
		t.Fatal(err)
	}
	if after.Nlink != before.Nlink+1 {
		t.Errorf("dst nlink %d → %d, want +1", before.Nlink, after.Nlink)
	}
}

func TestRenameReplacesTarget(t *testing.T) {
	fs, _ := newTestFS(t)

	a, err := fs.Create(RootInode, "a", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(a.Ino, 0, []byte("keep")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Create(RootInode, "b", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := fs.Rename(RootInode, "a", RootInode, "b"); err != nil {
		t.Fatalf("Rename onto existing target: %v", err)
	}
	b, err := fs.Lookup(RootInode, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, fs, b.Ino); string(got) != "keep" {
		t.Errorf("content = %q, want keep", got)
	}

	// A populated target directory blocks the rename.
	d1, err := fs.Mkdir(RootInode, "d1", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := fs.Mkdir(RootInode, "d2", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Create(d2.Ino, "occupant", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	_ = d1
	if err := fs.Rename(RootInode, "d1", RootInode, "d2"); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Rename onto populated directory = %v, want ErrNotEmpty", err)
	}
}

func TestRenameAtomicity(t *testing.T) {
	// Property 6: a concurrent lookup during rename sees the old
	// binding or nothing, never a torn state.
	fs, _ := newTestFS(t)

	for round := range 50 {
		oldName := fmt.Sprintf("o%d", round)
		newName := fmt.Sprintf("n%d", round)
		attr, err := fs.Create(RootInode, oldName, 0o644, 0, 0)
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := fs.Rename(RootInode, oldName, RootInode, newName); err != nil {
				t.Errorf("Rename: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			found, err := fs.Lookup(RootInode, oldName)
			switch {
			case err == nil:
				if found.Ino != attr.Ino {
					t.Errorf("lookup saw a different inode %#x", found.Ino)
				}
			case errors.Is(err, ErrNotFound):
			default:
				t.Errorf("Lookup: %v", err)
			}
		}()
		wg.Wait()

		// After the dust settles the new name must resolve.
		if _, err := fs.Lookup(RootInode, newName); err != nil {
			t.Fatalf("round %d: new name lost: %v", round, err)
		}
	}
}

func TestRmdir(t *testing.T) {
	fs, _ := newTestFS(t)

	dir, err := fs.Mkdir(RootInode, "d", 0o755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Create(dir.Ino, "f", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(RootInode, "d"); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Rmdir of populated dir = %v, want ErrNotEmpty", err)
	}
	if err := fs.Unlink(dir.Ino, "f"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(RootInode, "d"); err != nil {
		t.Errorf("Rmdir of empty dir: %v", err)
	}
	if _, err := fs.Lookup(RootInode, "d"); !errors.Is(err, ErrNotFound) {
		t.Error("removed directory still resolves")
	}

	// Unlink refuses directories and Rmdir refuses files.
	if _, err := fs.Mkdir(RootInode, "d2", 0o755, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(RootInode, "d2"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Unlink of directory = %v, want ErrInvalid", err)
	}
	if _, err := fs.Create(RootInode, "plain", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(RootInode, "plain"); !errors.Is(err, ErrInvalid) {
		t.Errorf("Rmdir of file = %v, want ErrInvalid", err)
	}
}

func TestCreateCollision(t *testing.T) {
	fs, _ := newTestFS(t)
	if _, err := fs.Create(RootInode, "x", 0o644, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Create(RootInode, "x", 0o644, 0, 0); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Create = %v, want ErrExists", err)
	}
	if _, err := fs.Mkdir(RootInode, "x", 0o755, 0, 0); !errors.Is(err, ErrExists) {
		t.Errorf("Mkdir over file = %v, want ErrExists", err)
	}
}
