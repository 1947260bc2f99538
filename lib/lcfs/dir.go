// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"hash/fnv"

	"github.com/lcfs-project/lcfs/lib/extent"
)

// Dirent is one directory entry.
type Dirent struct {
	Ino  uint64
	Mode uint32 // type bits of the child, unix layout
	Name string
}

// dirBody is a directory's entry set. Small directories keep a linear
// list; a directory that grows past dirHashThreshold converts to hash
// buckets keyed by name hash and never converts back.
type dirBody struct {
	count   int
	list    []Dirent   // linear form, when buckets is nil
	buckets [][]Dirent // hashed form
}

func nameHash(name string) int {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % dirHashBuckets)
}

// dirLookup finds name in the directory body.
func dirLookup(body *dirBody, name string) (Dirent, bool) {
	if body == nil {
		return Dirent{}, false
	}
	if body.buckets == nil {
		for _, e := range body.list {
			if e.Name == name {
				return e, true
			}
		}
		return Dirent{}, false
	}
	for _, e := range body.buckets[nameHash(name)] {
		if e.Name == name {
			return e, true
		}
	}
	return Dirent{}, false
}

// dirAdd appends an entry. The caller has checked for collisions.
func (l *Layer) dirAdd(inode *Inode, name string, ino uint64, mode uint32) {
	l.dirMaterialize(inode)
	if inode.dir == nil {
		inode.dir = &dirBody{}
	}
	body := inode.dir
	entry := Dirent{Ino: ino, Mode: mode & modeTypeMask, Name: name}
	if body.buckets == nil && body.count+1 > dirHashThreshold {
		dirConvertToHash(body)
	}
	if body.buckets == nil {
		body.list = append(body.list, entry)
	} else {
		h := nameHash(name)
		body.buckets[h] = append(body.buckets[h], entry)
	}
	body.count++
	l.gfs.memAdd(memDirent, 1)
	inode.size = uint64(dirPackedSize(body))
	inode.dirDirty = true
	inode.markDirty()
}

// dirConvertToHash rebuilds the linear list as hash buckets. Wide
// directories pay one rebuild and then get O(1) lookups.
func dirConvertToHash(body *dirBody) {
	body.buckets = make([][]Dirent, dirHashBuckets)
	for _, e := range body.list {
		h := nameHash(e.Name)
		body.buckets[h] = append(body.buckets[h], e)
	}
	body.list = nil
}

// dirRemove deletes name from the directory body.
func (l *Layer) dirRemove(inode *Inode, name string) error {
	l.dirMaterialize(inode)
	body := inode.dir
	if body == nil {
		return fmt.Errorf("entry %q: %w", name, ErrNotFound)
	}
	remove := func(entries []Dirent) ([]Dirent, bool) {
		for i, e := range entries {
			if e.Name == name {
				return append(entries[:i], entries[i+1:]...), true
			}
		}
		return entries, false
	}
	var ok bool
	if body.buckets == nil {
		body.list, ok = remove(body.list)
	} else {
		h := nameHash(name)
		body.buckets[h], ok = remove(body.buckets[h])
	}
	if !ok {
		return fmt.Errorf("entry %q: %w", name, ErrNotFound)
	}
	body.count--
	l.gfs.memAdd(memDirent, -1)
	inode.size = uint64(dirPackedSize(body))
	inode.dirDirty = true
	inode.markDirty()
	return nil
}

// dirEntries returns the directory's entries in iteration order:
// list order for linear bodies, bucket order for hashed ones. The
// slice is a snapshot.
func dirEntries(body *dirBody) []Dirent {
	if body == nil {
		return nil
	}
	out := make([]Dirent, 0, body.count)
	if body.buckets == nil {
		out = append(out, body.list...)
		return out
	}
	for _, bucket := range body.buckets {
		out = append(out, bucket...)
	}
	return out
}

// dirMaterialize copies a borrowed directory body before mutation.
// Idempotent: a body already owned by the inode is left alone.
func (l *Layer) dirMaterialize(inode *Inode) {
	if !inode.shared || inode.dir == nil {
		return
	}
	src := inode.dir
	dst := &dirBody{count: src.count}
	if src.buckets == nil {
		dst.list = append([]Dirent(nil), src.list...)
	} else {
		dst.buckets = make([][]Dirent, dirHashBuckets)
		for i, bucket := range src.buckets {
			dst.buckets[i] = append([]Dirent(nil), bucket...)
		}
	}
	inode.dir = dst
	inode.shared = false
	l.gfs.memAdd(memDirent, int64(dst.count))
}

// freeDirBody drops the accounting for an owned directory body.
func freeDirBody(fs *FileSystem, body *dirBody) {
	fs.memAdd(memDirent, -int64(body.count))
}

// dirPackedSize is the packed byte size of the directory's entries.
func dirPackedSize(body *dirBody) int {
	if body == nil {
		return 0
	}
	total := 0
	for _, e := range dirEntries(body) {
		total += dirEntryHeaderSize + len(e.Name)
	}
	return total
}

// packDirBody appends the packed form of every entry to payload.
func packDirBody(body *dirBody, payload []byte) []byte {
	for _, e := range dirEntries(body) {
		payload = packDirEntry(payload, e.Ino, e.Mode, e.Name)
	}
	return payload
}

// dirFlush persists the directory body. Entries that fit in the inode
// block's tail are left for packInodeTail; larger directories go to a
// freshly allocated overflow chain. The previous chain, if any, is
// freed first; directory blocks are rewritten whole.
func (l *Layer) dirFlush(inode *Inode) error {
	// A borrowed body is still packed into this layer's own blocks:
	// entries are copied on disk even while shared in memory, so no
	// block is referenced by two layers.
	l.freeChain(&inode.bmapDirExtents)
	inode.bmapDirBlock = InvalidBlock

	packed := dirPackedSize(inode.dir)
	if packed+4 <= inodeTailSize {
		// Inline: packInodeTail writes the entries with the dinode.
		inode.dirDirty = false
		inode.markDirty()
		return nil
	}

	payload := packDirBody(inode.dir, make([]byte, 0, packed))
	head, err := l.writeMetaChain(payload, chainPayload, &inode.bmapDirExtents)
	if err != nil {
		return fmt.Errorf("flushing directory %d: %w", inode.ino, err)
	}
	inode.bmapDirBlock = head
	inode.dirDirty = false
	inode.markDirty()
	return nil
}

// writeMetaChain writes payload into a chain of freshly allocated
// metadata blocks, at most chunk payload bytes per block, and returns
// the head block. Allocated blocks are recorded in owned.
func (l *Layer) writeMetaChain(payload []byte, chunk int, owned *extent.Map) (uint64, error) {
	if len(payload) == 0 {
		return InvalidBlock, nil
	}
	nblocks := (len(payload) + chunk - 1) / chunk
	start, err := l.allocExact(uint64(nblocks), true)
	if err != nil {
		return InvalidBlock, err
	}
	owned.Insert(extent.Range{Start: start, Length: uint64(nblocks)})

	for i := range nblocks {
		pg := l.gfs.newPage(start + uint64(i))
		next := InvalidBlock
		if i+1 < nblocks {
			next = start + uint64(i) + 1
		}
		part := payload[i*chunk:]
		if len(part) > chunk {
			part = part[:chunk]
		}
		putChainHeader(pg.data, next, uint32(len(part)))
		copy(pg.data[chainHeaderSize:], part)
		if err := l.pages.add(l.gfs, pg); err != nil {
			return InvalidBlock, err
		}
	}
	return start, nil
}

// readMetaChain reads a chain written by writeMetaChain back into one
// payload buffer, recording the blocks in owned.
func (l *Layer) readMetaChain(head uint64, owned *extent.Map) ([]byte, error) {
	var payload []byte
	block := head
	for block != InvalidBlock {
		buf, err := l.gfs.dev.ReadBlock(block)
		if err != nil {
			return nil, err
		}
		next, count := chainHeader(buf)
		if int(count) > chainPayload {
			return nil, fmt.Errorf("metadata block %d claims %d payload bytes: %w", block, count, ErrIO)
		}
		payload = append(payload, buf[chainHeaderSize:chainHeaderSize+count]...)
		owned.Insert(extent.Range{Start: block, Length: 1})
		l.trackBlock(block)
		block = next
	}
	return payload, nil
}

// dirRead rebuilds the directory body at mount: inline entries from
// the inode tail, or the overflow chain.
func (l *Layer) dirRead(inode *Inode, tail []byte) error {
	var payload []byte
	if inode.bmapDirBlock != InvalidBlock {
		var err error
		payload, err = l.readMetaChain(inode.bmapDirBlock, &inode.bmapDirExtents)
		if err != nil {
			return fmt.Errorf("reading directory %d: %w", inode.ino, err)
		}
	} else {
		used := int(enc.Uint32(tail[0:]))
		if used+4 > inodeTailSize {
			return fmt.Errorf("directory %d inline size %d: %w", inode.ino, used, ErrIO)
		}
		payload = tail[4 : 4+used]
	}

	body := &dirBody{}
	for off := 0; off < len(payload); {
		ino, mode, name, end, err := unpackDirEntry(payload, off)
		if err != nil {
			return fmt.Errorf("directory %d: %w", inode.ino, err)
		}
		off = end
		if body.buckets == nil && body.count+1 > dirHashThreshold {
			dirConvertToHash(body)
		}
		entry := Dirent{Ino: ino, Mode: mode, Name: name}
		if body.buckets == nil {
			body.list = append(body.list, entry)
		} else {
			h := nameHash(name)
			body.buckets[h] = append(body.buckets[h], entry)
		}
		body.count++
	}
	if body.count > 0 {
		inode.dir = body
		l.gfs.memAdd(memDirent, int64(body.count))
	}
	return nil
}
