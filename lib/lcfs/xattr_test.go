// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"bytes"
	"errors"
	"testing"
)

func TestXattrBasics(t *testing.T) {
	fs, path := newTestFS(t)

	attr, err := fs.Create(RootInode, "f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.SetXattr(attr.Ino, "user.k", []byte("v")); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	if err := fs.SetXattr(attr.Ino, "security.selinux", []byte("ctx")); err != nil {
		t.Fatal(err)
	}

	value, err := fs.GetXattr(attr.Ino, "user.k")
	if err != nil || string(value) != "v" {
		t.Fatalf("GetXattr = %q, %v", value, err)
	}
	names, err := fs.ListXattr(attr.Ino)
	if err != nil || len(names) != 2 {
		t.Fatalf("ListXattr = %v, %v", names, err)
	}

	// Replacement keeps one entry.
	if err := fs.SetXattr(attr.Ino, "user.k", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	value, _ = fs.GetXattr(attr.Ino, "user.k")
	if string(value) != "v2" {
		t.Errorf("replaced value = %q", value)
	}

	if err := fs.RemoveXattr(attr.Ino, "user.k"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.GetXattr(attr.Ino, "user.k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetXattr after remove = %v, want ErrNotFound", err)
	}
	if err := fs.RemoveXattr(attr.Ino, "user.k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double RemoveXattr = %v, want ErrNotFound", err)
	}

	// The surviving attribute persists across remount.
	if err := fs.Commit(); err != nil {
		t.Fatal(err)
	}
	fs = remount(t, fs, path)
	fAttr, err := fs.Lookup(RootInode, "f")
	if err != nil {
		t.Fatal(err)
	}
	value, err = fs.GetXattr(fAttr.Ino, "security.selinux")
	if err != nil || string(value) != "ctx" {
		t.Errorf("after remount GetXattr = %q, %v", value, err)
	}
}

func TestXattrCopyOnWrite(t *testing.T) {
	// Scenario S6: the child removes an attribute the parent keeps.
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
	if err := fs.SetXattr(attr.Ino, "user.k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	if err := fs.CreateLayer("L2", "L1", false); err != nil {
		t.Fatal(err)
	}
	l2 := layerRoot(t, fs, snap, "L2")
	a2, err := fs.Lookup(l2, "a")
	if err != nil {
		t.Fatal(err)
	}

	// The clone sees the parent's attribute, then diverges.
	value, err := fs.GetXattr(a2.Ino, "user.k")
	if err != nil || string(value) != "v" {
		t.Fatalf("child GetXattr = %q, %v", value, err)
	}
	if err := fs.RemoveXattr(a2.Ino, "user.k"); err != nil {
		t.Fatalf("child RemoveXattr: %v", err)
	}

	a1, err := fs.Lookup(l1, "a")
	if err != nil {
		t.Fatal(err)
	}
	value, err = fs.GetXattr(a1.Ino, "user.k")
	if err != nil || string(value) != "v" {
		t.Errorf("parent lost xattr: %q, %v", value, err)
	}
	names, err := fs.ListXattr(a2.Ino)
	if err != nil || len(names) != 0 {
		t.Errorf("child ListXattr = %v, %v, want empty", names, err)
	}
}

func TestLargeXattrValueOverflows(t *testing.T) {
	// Values too big for one chain block are rejected; values that
	// span blocks round-trip.
	fs, path := newTestFS(t)

	attr, err := fs.Create(RootInode, "f", 0o644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	huge := make([]byte, chainPayload)
	if err := fs.SetXattr(attr.Ino, "user.too-big", huge); !errors.Is(err, ErrInvalid) {
		t.Errorf("oversized SetXattr = %v, want ErrInvalid", err)
	}

	// Many attributes spill into a multi-block chain.
	value := bytes.Repeat([]byte{0x5a}, 1000)
	for _, name := range []string{"user.a", "user.b", "user.c", "user.d", "user.e", "user.f"} {
		if err := fs.SetXattr(attr.Ino, name, value); err != nil {
			t.Fatalf("SetXattr %s: %v", name, err)
		}
	}
	if err := fs.Commit(); err != nil {
		t.Fatal(err)
	}
	fs = remount(t, fs, path)

	fAttr, err := fs.Lookup(RootInode, "f")
	if err != nil {
		t.Fatal(err)
	}
	names, err := fs.ListXattr(fAttr.Ino)
	if err != nil || len(names) != 6 {
		t.Fatalf("ListXattr after remount = %v, %v", names, err)
	}
	got, err := fs.GetXattr(fAttr.Ino, "user.d")
	if err != nil || !bytes.Equal(got, value) {
		t.Errorf("chained xattr value corrupted")
	}
	checkConservation(t, fs)
}
