// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/lcfs-project/lcfs/lib/lcfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// FileSystem is the mounted layered filesystem serving requests.
	FileSystem *lcfs.FileSystem

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf. Container
	// runtimes need this: container processes run under arbitrary
	// UIDs.
	AllowOther bool

	// EntryTimeout is how long the kernel may cache name lookups.
	// Zero uses one second.
	EntryTimeout time.Duration

	// AttrTimeout is how long the kernel may cache attributes. Zero
	// uses one second.
	AttrTimeout time.Duration

	// Debug enables kernel request tracing.
	Debug bool

	// Logger receives diagnostic messages. If nil, a stderr text
	// handler at Error level is used.
	Logger *slog.Logger
}

// Mount mounts the layered filesystem at the configured mountpoint.
// The caller must call Unmount on the returned server when done. The
// mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FileSystem == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if options.EntryTimeout == 0 {
		options.EntryTimeout = time.Second
	}
	if options.AttrTimeout == 0 {
		options.AttrTimeout = time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &node{fs: options.FileSystem, handle: lcfs.RootInode}

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &options.EntryTimeout,
		AttrTimeout:  &options.AttrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "lcfs",
			Name:       "lcfs",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// errno maps the core's error kinds onto errnos at the request
// boundary.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, lcfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, lcfs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, lcfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, lcfs.ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, lcfs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, lcfs.ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// node serves one inode as seen from one layer. The wrapped handle
// carries the layer's global index, so every callback reaches the
// core without a path walk.
type node struct {
	gofuse.Inode
	fs     *lcfs.FileSystem
	handle uint64
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeMknoder = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeLinker = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeReader = (*node)(nil)
var _ gofuse.NodeWriter = (*node)(nil)
var _ gofuse.NodeFsyncer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)
var _ gofuse.NodeGetxattrer = (*node)(nil)
var _ gofuse.NodeSetxattrer = (*node)(nil)
var _ gofuse.NodeListxattrer = (*node)(nil)
var _ gofuse.NodeRemovexattrer = (*node)(nil)

// fillAttr translates core attributes into the kernel's layout.
func fillAttr(attr lcfs.Attr, out *fuse.Attr) {
	out.Ino = attr.Ino
	out.Mode = attr.Mode
	out.Nlink = attr.Nlink
	out.Uid = attr.UID
	out.Gid = attr.GID
	out.Rdev = attr.Rdev
	out.Size = attr.Size
	out.Blocks = attr.Blocks * (lcfs.BlockSize / 512)
	out.Blksize = lcfs.BlockSize
	out.Atime = uint64(attr.Atime / 1e9)
	out.Atimensec = uint32(attr.Atime % 1e9)
	out.Mtime = uint64(attr.Mtime / 1e9)
	out.Mtimensec = uint32(attr.Mtime % 1e9)
	out.Ctime = uint64(attr.Ctime / 1e9)
	out.Ctimensec = uint32(attr.Ctime % 1e9)
}

// newChild wires a child node into the kernel's inode tree.
func (n *node) newChild(ctx context.Context, attr lcfs.Attr, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(attr, &out.Attr)
	child := &node{fs: n.fs, handle: attr.Ino}
	return n.NewInode(ctx, child, gofuse.StableAttr{
		Mode: attr.Mode & syscall.S_IFMT,
		Ino:  attr.Ino,
	})
}

// caller extracts the requesting uid and gid.
func caller(ctx context.Context) (uid, gid uint32) {
	if c, ok := fuse.FromContext(ctx); ok {
		return c.Uid, c.Gid
	}
	return 0, 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.fs.Lookup(n.handle, name)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.fs.GetAttr(n.handle)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var set lcfs.SetAttrIn
	if mode, ok := in.GetMode(); ok {
		set.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		set.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		set.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		set.Size = &size
	}
	if atime, ok := in.GetATime(); ok {
		ns := atime.UnixNano()
		set.Atime = &ns
	}
	if mtime, ok := in.GetMTime(); ok {
		ns := mtime.UnixNano()
		set.Mtime = &ns
	}
	attr, err := n.fs.SetAttr(n.handle, set)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	attr, err := n.fs.Mknod(n.handle, name, mode, uid, gid, dev)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	attr, err := n.fs.Mkdir(n.handle, name, mode, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fs.Unlink(n.handle, name))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fs.Rmdir(n.handle, name))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.fs.Rename(n.handle, name, target.handle, newName))
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	targetNode, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	attr, err := n.fs.Link(n.handle, name, targetNode.handle)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	attr, err := n.fs.Symlink(n.handle, name, target, uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, attr, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.Readlink(n.handle)
	if err != nil {
		return nil, errno(err)
	}
	return target, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	uid, gid := caller(ctx)
	attr, err := n.fs.Create(n.handle, name, mode, uid, gid)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	return n.newChild(ctx, attr, out), nil, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if _, err := n.fs.GetAttr(n.handle); err != nil {
		return nil, 0, errno(err)
	}
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	count, err := n.fs.Read(n.handle, off, dest)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:count]), 0
}

func (n *node) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	count, err := n.fs.Write(n.handle, off, data)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(count), 0
}

func (n *node) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	return errno(n.fs.Fsync(n.handle))
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.fs.Readdir(n.handle)
	if err != nil {
		return nil, errno(err)
	}
	stream := make([]fuse.DirEntry, len(entries))
	for i, e := range entries {
		stream[i] = fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode}
	}
	return &sliceDirStream{entries: stream}, 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	stat := n.fs.StatFS()
	out.Bsize = stat.BlockSize
	out.Frsize = stat.BlockSize
	out.Blocks = stat.Blocks
	out.Bfree = stat.FreeBlocks
	out.Bavail = stat.FreeBlocks
	out.Files = stat.Inodes
	out.NameLen = stat.MaxNameLen
	return 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, err := n.fs.GetXattr(n.handle, attr)
	if err != nil {
		return 0, errno(err)
	}
	if len(dest) < len(value) {
		return uint32(len(value)), syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return errno(n.fs.SetXattr(n.handle, attr, data))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fs.ListXattr(n.handle)
	if err != nil {
		return 0, errno(err)
	}
	total := 0
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) < total {
		return uint32(total), syscall.ERANGE
	}
	off := 0
	for _, name := range names {
		copy(dest[off:], name)
		dest[off+len(name)] = 0
		off += len(name) + 1
	}
	return uint32(total), 0
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return errno(n.fs.RemoveXattr(n.handle, attr))
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
