// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package device provides aligned block I/O on the single backing
// device (a block device node or a regular file). It does no caching
// of its own; the page cache above it owns all buffering decisions.
package device

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed unit of device I/O and allocation.
const BlockSize = 4096

// Device is an open backing device. Reads and writes are expressed in
// whole blocks; partial transfers are reported as errors.
//
// Device is safe for concurrent use: all I/O goes through pread and
// pwrite on a single descriptor, and the kernel serializes access to
// overlapping ranges the same way it does for any shared descriptor.
type Device struct {
	fd     int
	path   string
	blocks uint64
}

// Open opens the device or file at path read-write and determines its
// capacity in blocks. Regular files smaller than two blocks are
// rejected; there is no room for a superblock plus any payload.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening device %s: %w", path, err)
	}

	size, err := deviceSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing device %s: %w", path, err)
	}
	blocks := uint64(size) / BlockSize
	if blocks < 2 {
		unix.Close(fd)
		return nil, fmt.Errorf("device %s too small: %d bytes", path, size)
	}

	return &Device{fd: fd, path: path, blocks: blocks}, nil
}

// deviceSize returns the byte size of the file or block device
// behind fd.
func deviceSize(fd int) (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, err
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFBLK {
		size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
		if err != nil {
			return 0, err
		}
		return int64(size), nil
	}
	return stat.Size, nil
}

// BlockCount returns the device capacity in blocks.
func (d *Device) BlockCount() uint64 {
	return d.blocks
}

// Path returns the path the device was opened from.
func (d *Device) Path() string {
	return d.path
}

// ReadBlock reads one block into a freshly allocated buffer.
func (d *Device) ReadBlock(block uint64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if err := d.ReadBlockInto(block, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadBlockInto reads one block into buf, which must be exactly one
// block long.
func (d *Device) ReadBlockInto(block uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("read buffer is %d bytes, want %d", len(buf), BlockSize)
	}
	if block >= d.blocks {
		return fmt.Errorf("read of block %d beyond device end %d", block, d.blocks)
	}
	n, err := unix.Pread(d.fd, buf, int64(block)*BlockSize)
	if err != nil {
		return fmt.Errorf("reading block %d: %w", block, err)
	}
	if n != BlockSize {
		return fmt.Errorf("short read of block %d: %d bytes", block, n)
	}
	return nil
}

// WriteBlock writes one block from buf, which must be exactly one
// block long.
func (d *Device) WriteBlock(block uint64, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("write buffer is %d bytes, want %d", len(buf), BlockSize)
	}
	if block >= d.blocks {
		return fmt.Errorf("write of block %d beyond device end %d", block, d.blocks)
	}
	n, err := unix.Pwrite(d.fd, buf, int64(block)*BlockSize)
	if err != nil {
		return fmt.Errorf("writing block %d: %w", block, err)
	}
	if n != BlockSize {
		return fmt.Errorf("short write of block %d: %d bytes", block, n)
	}
	return nil
}

// WriteCluster writes the buffers to consecutive blocks starting at
// first, as a single vectored write. Each buffer must be exactly one
// block long. This is the path the page cache uses to turn adjacent
// dirty pages into large sequential device writes.
func (d *Device) WriteCluster(first uint64, bufs [][]byte) error {
	if len(bufs) == 0 {
		return nil
	}
	if first+uint64(len(bufs)) > d.blocks {
		return fmt.Errorf("cluster write of %d blocks at %d beyond device end %d",
			len(bufs), first, d.blocks)
	}
	total := 0
	for i, b := range bufs {
		if len(b) != BlockSize {
			return fmt.Errorf("cluster buffer %d is %d bytes, want %d", i, len(b), BlockSize)
		}
		total += len(b)
	}
	n, err := unix.Pwritev(d.fd, bufs, int64(first)*BlockSize)
	if err != nil {
		return fmt.Errorf("writing cluster of %d blocks at %d: %w", len(bufs), first, err)
	}
	if n != total {
		return fmt.Errorf("short cluster write at %d: %d of %d bytes", first, n, total)
	}
	return nil
}

// Sync flushes the device's write cache.
func (d *Device) Sync() error {
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("syncing device %s: %w", d.path, err)
	}
	return nil
}

// Close syncs and closes the device.
func (d *Device) Close() error {
	if err := d.Sync(); err != nil {
		unix.Close(d.fd)
		return err
	}
	if err := unix.Close(d.fd); err != nil {
		return fmt.Errorf("closing device %s: %w", d.path, err)
	}
	return nil
}
