// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"fmt"
	"io"
)

// bitmapBytes returns the byte length of a dirty bitmap covering size
// bytes at pageSize granularity.
func bitmapBytes(size, pageSize uint64) int {
	pages := (size + pageSize - 1) / pageSize
	return int((pages + 7) / 8)
}

// markDirty sets the bits for every page touching [off, off+length).
// Regions without a bitmap are skipped; their snapshot reports all
// pages dirty instead.
func (r *region) markDirty(off, length, pageSize uint64) {
	if r.dirty == nil || length == 0 {
		return
	}
	first := off / pageSize
	last := (off + length - 1) / pageSize
	for p := first; p <= last; p++ {
		r.dirty[p/8] |= 1 << (p % 8)
	}
}

// StartDirtyLogging begins recording write-intent translations at
// pageSize granularity. pageSize must be a positive power of two.
// Every region registered at this point gets a zeroed bitmap.
func (c *Controller) StartDirtyLogging(pageSize uint64) error {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("%w: page size %#x", ErrInvalid, pageSize)
	}
	if c.pageSize != 0 {
		return ErrAlreadyLogging
	}
	c.byBase.Ascend(func(r *region) bool {
		r.dirty = make([]byte, bitmapBytes(r.size, pageSize))
		return true
	})
	c.pageSize = pageSize
	c.log.Debugf("dma: dirty logging started, page size %#x", pageSize)
	return nil
}

// StopDirtyLogging ends dirty tracking and frees all bitmaps.
func (c *Controller) StopDirtyLogging() error {
	if c.pageSize == 0 {
		return ErrNotLogging
	}
	c.byBase.Ascend(func(r *region) bool {
		r.dirty = nil
		return true
	})
	c.pageSize = 0
	c.log.Debug("dma: dirty logging stopped")
	return nil
}

// DirtyBitmap writes a snapshot of the dirty bitmap for the region
// registered exactly as [addr, addr+size) into buf and returns the
// number of bytes written. Bit i of byte i/8 (LSB first) covers page
// i, page 0 starting at the region base.
//
// The snapshot clears the bitmap: a bit set in a later snapshot
// denotes a write that happened after this one. pageSize must match
// the active logging granularity. A region without a bitmap reports
// every page dirty, the safe upper bound.
func (c *Controller) DirtyBitmap(addr DmaAddr, size, pageSize uint64, buf []byte) (int, error) {
	if c.pageSize == 0 {
		return 0, ErrNotLogging
	}
	if pageSize != c.pageSize {
		return 0, fmt.Errorf("%w: page size %#x, logging at %#x",
			ErrInvalid, pageSize, c.pageSize)
	}
	r, ok := c.byBase.Get(&region{base: addr})
	if !ok || r.size != size {
		return 0, ErrNotFound
	}
	n := bitmapBytes(size, pageSize)
	if len(buf) < n {
		return 0, io.ErrShortBuffer
	}
	if r.dirty == nil {
		pages := (size + pageSize - 1) / pageSize
		for i := 0; i < n; i++ {
			buf[i] = 0xff
		}
		if rem := pages % 8; rem != 0 {
			buf[n-1] = 1<<rem - 1
		}
		return n, nil
	}
	copy(buf[:n], r.dirty)
	clearSlice(r.dirty)
	return n, nil
}

func clearSlice(s []byte) {
	for i := range s {
		s[i] = 0
	}
}
