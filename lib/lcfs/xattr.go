// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import "fmt"

// xattrEntry is one extended attribute.
type xattrEntry struct {
	name  string
	value []byte
}

// xattrGet returns the value of name.
func xattrGet(inode *Inode, name string) ([]byte, error) {
	for _, x := range inode.xattrs {
		if x.name == name {
			return x.value, nil
		}
	}
	return nil, fmt.Errorf("xattr %q: %w", name, ErrNotFound)
}

// xattrList returns the attribute names in definition order.
func xattrList(inode *Inode) []string {
	names := make([]string, len(inode.xattrs))
	for i, x := range inode.xattrs {
		names[i] = x.name
	}
	return names
}

// xattrMaterialize copies a borrowed xattr list before mutation.
// Idempotent.
func (l *Layer) xattrMaterialize(inode *Inode) {
	if !inode.xattrShared {
		return
	}
	inode.xattrs = append([]xattrEntry(nil), inode.xattrs...)
	inode.xattrShared = false
	l.gfs.memAdd(memXattr, int64(len(inode.xattrs)))
}

// xattrSet adds or replaces an attribute.
func (l *Layer) xattrSet(inode *Inode, name string, value []byte) error {
	if len(name) > maxNameLen || xattrEntryHeaderSz+len(name)+len(value) > chainPayload {
		return fmt.Errorf("xattr %q of %d bytes: %w", name, len(value), ErrInvalid)
	}
	l.xattrMaterialize(inode)
	value = append([]byte(nil), value...)
	for i := range inode.xattrs {
		if inode.xattrs[i].name == name {
			inode.xattrs[i].value = value
			inode.xattrDirty = true
			inode.touch(false, false, true)
			inode.markDirty()
			return nil
		}
	}
	inode.xattrs = append(inode.xattrs, xattrEntry{name: name, value: value})
	l.gfs.memAdd(memXattr, 1)
	inode.xattrDirty = true
	inode.touch(false, false, true)
	inode.markDirty()
	return nil
}

// xattrRemove deletes an attribute.
func (l *Layer) xattrRemove(inode *Inode, name string) error {
	l.xattrMaterialize(inode)
	for i := range inode.xattrs {
		if inode.xattrs[i].name == name {
			inode.xattrs = append(inode.xattrs[:i], inode.xattrs[i+1:]...)
			l.gfs.memAdd(memXattr, -1)
			inode.xattrDirty = true
			inode.touch(false, false, true)
			inode.markDirty()
			return nil
		}
	}
	return fmt.Errorf("xattr %q: %w", name, ErrNotFound)
}

// copyXattrs shares the parent's attribute list with a clone. The
// first mutation in the child copies it.
func copyXattrs(inode *Inode, parent *Inode) {
	if len(parent.xattrs) == 0 {
		return
	}
	inode.xattrs = parent.xattrs
	inode.xattrShared = true
	inode.xattrDirty = true
}

// xattrFlush persists the attribute list to an overflow chain. The
// previous chain is rewritten whole; an inode with no attributes ends
// up with no chain.
func (l *Layer) xattrFlush(inode *Inode) error {
	l.freeChain(&inode.xattrExtents)
	inode.xattrBlock = InvalidBlock

	if len(inode.xattrs) > 0 {
		var payload []byte
		for _, x := range inode.xattrs {
			payload = packXattr(payload, x.name, x.value)
		}
		head, err := l.writeMetaChain(payload, chainPayload, &inode.xattrExtents)
		if err != nil {
			return fmt.Errorf("flushing xattrs of inode %d: %w", inode.ino, err)
		}
		inode.xattrBlock = head
	}
	inode.xattrDirty = false
	inode.markDirty()
	return nil
}

// xattrRead rebuilds the attribute list at mount.
func (l *Layer) xattrRead(inode *Inode) error {
	if inode.xattrBlock == InvalidBlock {
		return nil
	}
	payload, err := l.readMetaChain(inode.xattrBlock, &inode.xattrExtents)
	if err != nil {
		return fmt.Errorf("reading xattrs of inode %d: %w", inode.ino, err)
	}
	for off := 0; off < len(payload); {
		name, value, end, err := unpackXattr(payload, off)
		if err != nil {
			return fmt.Errorf("inode %d: %w", inode.ino, err)
		}
		off = end
		inode.xattrs = append(inode.xattrs, xattrEntry{name: name, value: value})
	}
	l.gfs.memAdd(memXattr, int64(len(inode.xattrs)))
	return nil
}
