// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

package lcfs

import (
	"fmt"
	"sync"
)

// page is one block-sized dirty buffer headed for the device.
type page struct {
	block uint64
	data  []byte
}

// pageCluster accumulates adjacent dirty pages so they reach the
// device as one large sequential write. The cluster moves through
// three states: empty, accumulating (pages form one contiguous run
// ending at the newest block), and flushing. A page that does not
// extend the current run forces the run out first; so does reaching
// clusterSize pages.
type pageCluster struct {
	mu    sync.Mutex
	pages []*page
}

// add queues a dirty page. The write to the device may happen during
// this call (when the page breaks adjacency or fills the cluster) or
// later, at the next flush.
func (c *pageCluster) add(fs *FileSystem, p *page) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) > 0 && p.block != c.pages[len(c.pages)-1].block+1 {
		if err := c.flushLocked(fs); err != nil {
			return err
		}
	}
	c.pages = append(c.pages, p)
	if len(c.pages) >= clusterSize {
		return c.flushLocked(fs)
	}
	return nil
}

// flush forces any accumulated run out to the device.
func (c *pageCluster) flush(fs *FileSystem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(fs)
}

func (c *pageCluster) flushLocked(fs *FileSystem) error {
	if len(c.pages) == 0 {
		return nil
	}
	bufs := make([][]byte, len(c.pages))
	for i, p := range c.pages {
		bufs[i] = p.data
	}
	first := c.pages[0].block
	c.pages = c.pages[:0]
	fs.memAdd(memPage, -int64(len(bufs)))
	if err := fs.dev.WriteCluster(first, bufs); err != nil {
		return fmt.Errorf("flushing page cluster: %w", err)
	}
	return nil
}

// drop discards accumulated pages without writing them. Used when a
// layer is removed: its pending metadata must not reach the device.
func (c *pageCluster) drop(fs *FileSystem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fs.memAdd(memPage, -int64(len(c.pages)))
	c.pages = c.pages[:0]
}

// newPage allocates a zeroed block-sized page bound for block.
func (fs *FileSystem) newPage(block uint64) *page {
	fs.memAdd(memPage, 1)
	return &page{block: block, data: make([]byte, BlockSize)}
}
