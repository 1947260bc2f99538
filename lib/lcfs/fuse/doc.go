// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse exposes a mounted lcfs.FileSystem through the kernel's
// FUSE interface.
//
// The adapter is a thin dispatch layer: every kernel request carries
// an opaque handle (layer index plus inode number) that the core
// resolves without path walks, and every core error kind maps onto
// one errno at this boundary. Layer-management requests arrive as
// xattr operations on the snapshot root and pass through to the
// core's control surface unchanged.
package fuse
