// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package lcfs implements a user-space, copy-on-write, layered
// filesystem over a single block device. It backs container image
// layers and running container root filesystems: a stack of immutable
// parent layers under a writable top layer, with standard file
// semantics, O(1)-metadata branching, and block-level sharing of
// unchanged data.
//
// The package is organized around a few cooperating engines:
//
//   - Inode cache and copy-up: each layer hashes its own inodes;
//     lookups walk the parent chain, and the first modification in a
//     child layer clones the inode down (stat fields copied, bodies
//     borrowed until first write). Removal in a child hides the
//     parent's inode behind an on-disk tombstone.
//
//   - Allocation: a global free-extent map feeds per-layer metadata
//     and data pools one slab at a time. Every block a layer takes is
//     recorded in its allocated map, which doubles as the ownership
//     test that keeps a child from freeing a parent's blocks.
//
//   - Persistence: inodes, directory entries, block maps, and
//     extended attributes map onto fixed 4 KiB blocks. Small bodies
//     ride inline in the inode block; larger ones chain through
//     overflow blocks. Dirty pages accumulate into adjacent runs and
//     reach the device as clustered writes.
//
//   - Layers: created against a parent (which freezes), committed
//     (flush plus a consistent table/free-list/superblock snapshot),
//     or removed (blocks dropped back to the free pool). Management
//     rides a reserved xattr namespace on the snapshot root.
//
// The FUSE transport lives in the fuse subpackage; this package
// serves the request surface (Lookup, Read, Write, Rename, xattrs,
// ...) against opaque handles that encode the serving layer.
package lcfs
