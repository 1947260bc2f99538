// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
)

// Request handles pack the serving layer's global index into the
// upper 32 bits and the inode number into the lower 32. The transport
// hands these back verbatim, so every operation can find its layer
// without a table walk. The base layer's root directory is handle
// RootInode.

// handleFor builds the handle for ino as seen from layer.
func handleFor(layer *Layer, ino uint64) uint64 {
	return uint64(layer.gindex)<<32 | (ino & 0xffffffff)
}

// resolve splits a handle into its serving layer and inode number.
func (fs *FileSystem) resolve(handle uint64) (*Layer, uint64, error) {
	gindex := int(handle >> 32)
	ino := handle & 0xffffffff
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if gindex >= len(fs.layers) || fs.layers[gindex] == nil {
		return nil, 0, fmt.Errorf("handle %#x names layer %d: %w", handle, gindex, ErrInvalid)
	}
	return fs.layers[gindex], ino, nil
}

// Attr is the stat-shaped view of an inode. Times are epoch
// nanoseconds. Ino is the request handle, not the raw inode number,
// so the transport can use it directly as a stable identifier.
type Attr struct {
	Ino       uint64
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Size      uint64
	Blocks    uint64
	BlockSize uint32
	Atime     int64
	Mtime     int64
	Ctime     int64
}

// attrOf snapshots the inode's attributes as seen from layer. The
// caller holds the inode lock.
func attrOf(layer *Layer, inode *Inode) Attr {
	return Attr{
		Ino:       handleFor(layer, inode.ino),
		Mode:      inode.mode,
		Nlink:     inode.nlink,
		UID:       inode.uid,
		GID:       inode.gid,
		Rdev:      inode.rdev,
		Size:      inode.size,
		Blocks:    inode.blocks,
		BlockSize: BlockSize,
		Atime:     inode.atime,
		Mtime:     inode.mtime,
		Ctime:     inode.ctime,
	}
}

// viewLayer picks the layer that serves a child entry: normally the
// directory's own layer, but a layer root listed under the snapshot
// root is served by its own layer.
func (fs *FileSystem) viewLayer(dir *Layer, dirIno, childIno uint64) *Layer {
	if dirIno != fs.snapRoot {
		return dir
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if child := fs.layersByRoot[childIno]; child != nil {
		return child
	}
	return dir
}

// Lookup resolves name within the directory handle dir.
func (fs *FileSystem) Lookup(dir uint64, name string) (Attr, error) {
	if err := fs.checkRunning(); err != nil {
		return Attr{}, err
	}
	layer, dirIno, err := fs.resolve(dir)
	if err != nil {
		return Attr{}, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	dirInode, err := layer.getInode(dirIno, lockRead)
	if err != nil {
		return Attr{}, err
	}
	if !dirInode.isDir() {
		dirInode.unlockInode(false)
		return Attr{}, fmt.Errorf("lookup in non-directory %d: %w", dirIno, ErrInvalid)
	}
	entry, ok := dirLookup(dirInode.dir, name)
	dirInode.unlockInode(false)
	if !ok {
		return Attr{}, fmt.Errorf("name %q: %w", name, ErrNotFound)
	}

	view := fs.viewLayer(layer, dirIno, entry.Ino)
	child, err := view.getInode(entry.Ino, lockRead)
	if err != nil {
		return Attr{}, err
	}
	attr := attrOf(view, child)
	child.unlockInode(false)
	return attr, nil
}

// GetAttr returns the attributes behind handle.
func (fs *FileSystem) GetAttr(handle uint64) (Attr, error) {
	if err := fs.checkRunning(); err != nil {
		return Attr{}, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return Attr{}, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return Attr{}, err
	}
	attr := attrOf(layer, inode)
	inode.unlockInode(false)
	return attr, nil
}

// SetAttrIn selects which attributes SetAttr applies.
type SetAttrIn struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *int64
	Mtime *int64
}

// SetAttr updates attributes, copying the inode up first when it
// lives in an ancestor layer. A Size change truncates or extends.
func (fs *FileSystem) SetAttr(handle uint64, in SetAttrIn) (Attr, error) {
	if err := fs.checkRunning(); err != nil {
		return Attr{}, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return Attr{}, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockCopy)
	if err != nil {
		return Attr{}, err
	}
	defer inode.unlockInode(true)

	if in.Size != nil {
		if !inode.isRegular() {
			return Attr{}, fmt.Errorf("truncate of non-regular inode %d: %w", ino, ErrInvalid)
		}
		if err := layer.truncateFile(inode, *in.Size); err != nil {
			return Attr{}, err
		}
	}
	if in.Mode != nil {
		inode.mode = inode.mode&modeTypeMask | *in.Mode&^uint32(modeTypeMask)
	}
	if in.UID != nil {
		inode.uid = *in.UID
	}
	if in.GID != nil {
		inode.gid = *in.GID
	}
	if in.Atime != nil {
		inode.atime = *in.Atime
	}
	if in.Mtime != nil {
		inode.mtime = *in.Mtime
	}
	inode.touch(false, false, true)
	inode.markDirty()
	return attrOf(layer, inode), nil
}

// create is the shared path behind Mknod, Mkdir, Symlink, and Create.
func (fs *FileSystem) create(dir uint64, name string, mode, uid, gid, rdev uint32, target string) (Attr, error) {
	if err := fs.checkRunning(); err != nil {
		return Attr{}, err
	}
	if name == "" || len(name) > maxNameLen {
		return Attr{}, fmt.Errorf("name %q: %w", name, ErrInvalid)
	}
	layer, dirIno, err := fs.resolve(dir)
	if err != nil {
		return Attr{}, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	dirInode, err := layer.getInode(dirIno, lockCopy)
	if err != nil {
		return Attr{}, err
	}
	defer dirInode.unlockInode(true)
	if !dirInode.isDir() {
		return Attr{}, fmt.Errorf("create in non-directory %d: %w", dirIno, ErrInvalid)
	}
	if _, ok := dirLookup(dirInode.dir, name); ok {
		return Attr{}, fmt.Errorf("name %q: %w", name, ErrExists)
	}

	child := layer.initInode(mode, uid, gid, rdev, dirInode.ino, target)
	layer.dirAdd(dirInode, name, child.ino, child.mode)
	if child.isDir() {
		dirInode.nlink++
	}
	dirInode.touch(false, true, true)
	attr := attrOf(layer, child)
	child.unlockInode(true)
	return attr, nil
}

// Create makes a regular file.
func (fs *FileSystem) Create(dir uint64, name string, perm, uid, gid uint32) (Attr, error) {
	return fs.create(dir, name, modeRegular|perm&^uint32(modeTypeMask), uid, gid, 0, "")
}

// Mkdir makes a directory.
func (fs *FileSystem) Mkdir(dir uint64, name string, perm, uid, gid uint32) (Attr, error) {
	return fs.create(dir, name, modeDir|perm&^uint32(modeTypeMask), uid, gid, 0, "")
}

// Mknod makes a device or special file; mode carries the type bits.
func (fs *FileSystem) Mknod(dir uint64, name string, mode, uid, gid, rdev uint32) (Attr, error) {
	if mode&modeTypeMask == 0 {
		mode |= modeRegular
	}
	return fs.create(dir, name, mode, uid, gid, rdev, "")
}

// Symlink makes a symbolic link to target.
func (fs *FileSystem) Symlink(dir uint64, name, target string, uid, gid uint32) (Attr, error) {
	if target == "" || len(target) > inodeTailSize {
		return Attr{}, fmt.Errorf("symlink target of %d bytes: %w", len(target), ErrInvalid)
	}
	return fs.create(dir, name, modeSymlink|0o777, uid, gid, 0, target)
}

// Readlink returns the symlink target.
func (fs *FileSystem) Readlink(handle uint64) ([]byte, error) {
	if err := fs.checkRunning(); err != nil {
		return nil, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return nil, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return nil, err
	}
	defer inode.unlockInode(false)
	if !inode.isSymlink() {
		return nil, fmt.Errorf("readlink of non-symlink %d: %w", ino, ErrInvalid)
	}
	return append([]byte(nil), inode.target...), nil
}

// removeEntry is the shared path behind Unlink and Rmdir.
func (fs *FileSystem) removeEntry(dir uint64, name string, wantDir bool) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	layer, dirIno, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	dirInode, err := layer.getInode(dirIno, lockCopy)
	if err != nil {
		return err
	}
	defer dirInode.unlockInode(true)

	entry, ok := dirLookup(dirInode.dir, name)
	if !ok {
		return fmt.Errorf("name %q: %w", name, ErrNotFound)
	}
	isDir := entry.Mode&modeTypeMask == modeDir
	if isDir != wantDir {
		return fmt.Errorf("name %q: %w", name, ErrInvalid)
	}

	child, err := layer.getInode(entry.Ino, lockCopy)
	if err != nil {
		return err
	}
	defer child.unlockInode(true)

	if isDir {
		if child.dir != nil && child.dir.count > 0 {
			return fmt.Errorf("directory %q: %w", name, ErrNotEmpty)
		}
		child.removed = true
		child.nlink = 0
		dirInode.nlink--
	} else {
		child.nlink--
		if child.nlink == 0 {
			if child.isRegular() {
				if err := layer.truncateFile(child, 0); err != nil {
					return err
				}
			}
			child.removed = true
		}
	}
	child.touch(false, false, true)
	child.markDirty()

	if err := layer.dirRemove(dirInode, name); err != nil {
		return err
	}
	dirInode.touch(false, true, true)
	return nil
}

// Unlink removes a non-directory entry. Removing an inode that lives
// in an ancestor layer clones it first and marks the clone removed;
// the clone's on-disk tombstone keeps the removal effective across
// remount while the ancestor's copy stays intact.
func (fs *FileSystem) Unlink(dir uint64, name string) error {
	return fs.removeEntry(dir, name, false)
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(dir uint64, name string) error {
	return fs.removeEntry(dir, name, true)
}

// Rename moves an entry, atomically with respect to concurrent
// lookups in either directory. Both directories must be in the same
// layer; the two directory inodes are locked in ascending inode-number
// order.
func (fs *FileSystem) Rename(dir uint64, name string, newDir uint64, newName string) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	if newName == "" || len(newName) > maxNameLen {
		return fmt.Errorf("name %q: %w", newName, ErrInvalid)
	}
	layer, dirIno, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	newLayer, newDirIno, err := fs.resolve(newDir)
	if err != nil {
		return err
	}
	if layer != newLayer {
		return fmt.Errorf("cross-layer rename: %w", ErrInvalid)
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	// Lock the two directories in ascending inode order.
	var src, dst *Inode
	if dirIno == newDirIno {
		src, err = layer.getInode(dirIno, lockCopy)
		if err != nil {
			return err
		}
		dst = src
	} else {
		first, second := dirIno, newDirIno
		if first > second {
			first, second = second, first
		}
		firstInode, err := layer.getInode(first, lockCopy)
		if err != nil {
			return err
		}
		secondInode, err := layer.getInode(second, lockCopy)
		if err != nil {
			firstInode.unlockInode(true)
			return err
		}
		if first == dirIno {
			src, dst = firstInode, secondInode
		} else {
			src, dst = secondInode, firstInode
		}
	}
	defer func() {
		src.unlockInode(true)
		if dst != src {
			dst.unlockInode(true)
		}
	}()

	entry, ok := dirLookup(src.dir, name)
	if !ok {
		return fmt.Errorf("name %q: %w", name, ErrNotFound)
	}

	// A target entry is replaced; a non-empty target directory
	// blocks the rename.
	if existing, ok := dirLookup(dst.dir, newName); ok {
		victim, err := layer.getInode(existing.Ino, lockCopy)
		if err != nil {
			return err
		}
		if victim.isDir() {
			if victim.dir != nil && victim.dir.count > 0 {
				victim.unlockInode(true)
				return fmt.Errorf("directory %q: %w", newName, ErrNotEmpty)
			}
			dst.nlink--
			victim.removed = true
			victim.nlink = 0
		} else {
			victim.nlink--
			if victim.nlink == 0 {
				if victim.isRegular() {
					if err := layer.truncateFile(victim, 0); err != nil {
						victim.unlockInode(true)
						return err
					}
				}
				victim.removed = true
			}
		}
		victim.markDirty()
		victim.unlockInode(true)
		if err := layer.dirRemove(dst, newName); err != nil {
			return err
		}
	}

	if err := layer.dirRemove(src, name); err != nil {
		return err
	}
	layer.dirAdd(dst, newName, entry.Ino, entry.Mode)

	if src != dst {
		// Re-parent the moved inode; a directory also moves its
		// parent link count.
		child, err := layer.getInode(entry.Ino, lockCopy)
		if err == nil {
			child.parent = dst.ino
			child.touch(false, false, true)
			child.markDirty()
			if child.isDir() {
				src.nlink--
				dst.nlink++
			}
			child.unlockInode(true)
		}
	}
	src.touch(false, true, true)
	dst.touch(false, true, true)
	return nil
}

// Link makes name in dir a hard link to the target handle.
func (fs *FileSystem) Link(dir uint64, name string, target uint64) (Attr, error) {
	if err := fs.checkRunning(); err != nil {
		return Attr{}, err
	}
	if name == "" || len(name) > maxNameLen {
		return Attr{}, fmt.Errorf("name %q: %w", name, ErrInvalid)
	}
	layer, dirIno, err := fs.resolve(dir)
	if err != nil {
		return Attr{}, err
	}
	targetLayer, targetIno, err := fs.resolve(target)
	if err != nil {
		return Attr{}, err
	}
	if layer != targetLayer {
		return Attr{}, fmt.Errorf("cross-layer link: %w", ErrInvalid)
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	dirInode, err := layer.getInode(dirIno, lockCopy)
	if err != nil {
		return Attr{}, err
	}
	defer dirInode.unlockInode(true)
	if _, ok := dirLookup(dirInode.dir, name); ok {
		return Attr{}, fmt.Errorf("name %q: %w", name, ErrExists)
	}

	child, err := layer.getInode(targetIno, lockCopy)
	if err != nil {
		return Attr{}, err
	}
	defer child.unlockInode(true)
	if child.isDir() {
		return Attr{}, fmt.Errorf("hard link to directory %d: %w", targetIno, ErrInvalid)
	}
	child.nlink++
	child.touch(false, false, true)
	child.markDirty()

	layer.dirAdd(dirInode, name, child.ino, child.mode)
	dirInode.touch(false, true, true)
	return attrOf(layer, child), nil
}

// Read fills dest from the file at off. Holes and the region past
// end-of-file read as zeros and a short count, respectively.
func (fs *FileSystem) Read(handle uint64, off int64, dest []byte) (int, error) {
	if err := fs.checkRunning(); err != nil {
		return 0, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return 0, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return 0, err
	}
	defer inode.unlockInode(false)
	if !inode.isRegular() {
		return 0, fmt.Errorf("read of non-regular inode %d: %w", ino, ErrInvalid)
	}
	return inode.layer.readFile(inode, off, dest)
}

// Write stages data at off, copying the inode (and on first touch its
// block map) into the serving layer.
func (fs *FileSystem) Write(handle uint64, off int64, data []byte) (int, error) {
	if err := fs.checkRunning(); err != nil {
		return 0, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return 0, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockCopy)
	if err != nil {
		return 0, err
	}
	defer inode.unlockInode(true)
	if !inode.isRegular() {
		return 0, fmt.Errorf("write of non-regular inode %d: %w", ino, ErrInvalid)
	}
	return layer.writeFile(inode, off, data)
}

// DirEntry is one readdir result. Ino is a handle, like Attr.Ino.
type DirEntry struct {
	Ino  uint64
	Mode uint32
	Name string
}

// Readdir snapshots the directory's entries. Entries under the
// snapshot root resolve to the layers they name.
func (fs *FileSystem) Readdir(handle uint64) ([]DirEntry, error) {
	if err := fs.checkRunning(); err != nil {
		return nil, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return nil, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return nil, err
	}
	if !inode.isDir() {
		inode.unlockInode(false)
		return nil, fmt.Errorf("readdir of non-directory %d: %w", ino, ErrInvalid)
	}
	entries := dirEntries(inode.dir)
	inode.unlockInode(false)

	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		view := fs.viewLayer(layer, ino, e.Ino)
		out[i] = DirEntry{Ino: handleFor(view, e.Ino), Mode: e.Mode, Name: e.Name}
	}
	return out, nil
}

// Fsync pushes the inode's dirty state to the device. An inode served
// from an ancestor layer has nothing dirty and the call is a no-op.
func (fs *FileSystem) Fsync(handle uint64) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return err
	}
	if layer.snap {
		return nil
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockWrite)
	if err != nil {
		return err
	}
	defer inode.unlockInode(true)
	if inode.layer != layer || !inode.inodeDirty() {
		return nil
	}
	return layer.fsyncInode(inode)
}

// SetXattr sets an extended attribute. Writes to the reserved control
// namespace on the snapshot root drive layer management instead.
func (fs *FileSystem) SetXattr(handle uint64, name string, value []byte) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return err
	}
	if ino == fs.snapRoot && isControlName(name) {
		return fs.controlSet(name, value)
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockCopy)
	if err != nil {
		return err
	}
	defer inode.unlockInode(true)
	return layer.xattrSet(inode, name, value)
}

// GetXattr reads an extended attribute. Reads of the reserved control
// namespace on the snapshot root return layer stats.
func (fs *FileSystem) GetXattr(handle uint64, name string) ([]byte, error) {
	if err := fs.checkRunning(); err != nil {
		return nil, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return nil, err
	}
	if ino == fs.snapRoot && isControlName(name) {
		return fs.controlGet(name)
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return nil, err
	}
	defer inode.unlockInode(false)
	return xattrGet(inode, name)
}

// ListXattr returns the attribute names on the inode.
func (fs *FileSystem) ListXattr(handle uint64) ([]string, error) {
	if err := fs.checkRunning(); err != nil {
		return nil, err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return nil, err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockRead)
	if err != nil {
		return nil, err
	}
	defer inode.unlockInode(false)
	return xattrList(inode), nil
}

// RemoveXattr deletes an extended attribute.
func (fs *FileSystem) RemoveXattr(handle uint64, name string) error {
	if err := fs.checkRunning(); err != nil {
		return err
	}
	layer, ino, err := fs.resolve(handle)
	if err != nil {
		return err
	}
	layer.opLock.RLock()
	defer layer.opLock.RUnlock()

	inode, err := layer.getInode(ino, lockCopy)
	if err != nil {
		return err
	}
	defer inode.unlockInode(true)
	return layer.xattrRemove(inode, name)
}
