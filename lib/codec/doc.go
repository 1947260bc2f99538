// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR encoding configuration for
// LCFS control payloads.
//
// The layer-management control surface (create, remove, commit, stat)
// carries small request and response structures between the container
// storage driver and the filesystem. Those structures are encoded as
// CBOR with Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. This
// package holds the shared encoder and decoder modes so every caller
// encodes identically without duplicating configuration.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// On-disk filesystem metadata does NOT go through this package: the
// superblock, inodes, directories, and block maps use the fixed
// block-addressed binary layout defined in lib/lcfs, where every
// field lives at a known offset inside a 4 KiB block.
package codec
