// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import "errors"

// Error kinds raised by the core. Allocator and device failures
// surface to the request boundary unchanged; the FUSE adapter maps
// each kind to its errno.
var (
	// ErrNoSpace is returned when the allocator is exhausted.
	ErrNoSpace = errors.New("no space left on device")

	// ErrNotFound is returned when an inode or name is not present.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned on a name collision during create.
	ErrExists = errors.New("already exists")

	// ErrNotEmpty is returned by rmdir on a non-empty directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIO is returned on metadata corruption and on requests
	// arriving during unmount. Block device failures keep the device
	// package's own errors, which do not match ErrIO; the FUSE
	// adapter reports them as EIO.
	ErrIO = errors.New("input/output error")

	// ErrReadOnly is returned when a modification targets a frozen
	// or snapshotted layer.
	ErrReadOnly = errors.New("layer is read-only")

	// ErrInvalid is returned for malformed requests: bad offsets,
	// bad handles, names that do not fit the on-disk format.
	ErrInvalid = errors.New("invalid argument")
)
