// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"fmt"
	"syscall"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Options configures a Controller. The zero value is usable.
type Options struct {
	// Logger receives registration and dirty-logging events. Defaults
	// to the logrus standard logger.
	Logger *logrus.Logger

	// Debug enables per-translation tracing.
	Debug bool
}

// Controller tracks the registered regions of a DMA address space.
//
// Mutating operations (AddRegion, RemoveRegion, RemoveAllRegions,
// Close, StartDirtyLogging, StopDirtyLogging, DirtyBitmap) must be
// serialized by the caller. AddrToSG, MapSG and UnmapSG may run
// concurrently with each other while no mutation is in flight.
type Controller struct {
	maxRegions int

	// slots holds the region table. An SG's RegionIndex is a position
	// here and stays valid until the region is removed; removal
	// leaves a nil hole so survivors never renumber.
	slots []*region

	// byBase indexes live regions by iova base.
	byBase *btree.BTreeG[*region]

	// pageSize is the dirty-logging granularity, 0 while logging is
	// off.
	pageSize uint64

	log   *logrus.Logger
	debug bool
}

// New creates an empty controller holding at most maxRegions regions.
func New(maxRegions int, opts *Options) (*Controller, error) {
	if maxRegions <= 0 {
		return nil, fmt.Errorf("%w: max regions %d", ErrInvalid, maxRegions)
	}
	if opts == nil {
		opts = &Options{}
	}
	lg := opts.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Controller{
		maxRegions: maxRegions,
		slots:      make([]*region, 0, maxRegions),
		byBase: btree.NewG(8, func(a, b *region) bool {
			return a.base < b.base
		}),
		log:   lg,
		debug: opts.Debug,
	}, nil
}

// slotRegion returns the region at table index i, nil if i is out of
// range or the slot is a hole.
func (c *Controller) slotRegion(i int) *region {
	if i < 0 || i >= len(c.slots) {
		return nil
	}
	return c.slots[i]
}

// regionAt returns the live region containing addr.
func (c *Controller) regionAt(addr DmaAddr) (*region, bool) {
	var hit *region
	c.byBase.DescendLessOrEqual(&region{base: addr}, func(r *region) bool {
		if r.contains(addr) {
			hit = r
		}
		return false
	})
	return hit, hit != nil
}

// overlapping returns a live region intersecting [base, end), if any.
// Regions are pairwise disjoint, so only the closest base below end
// needs checking.
func (c *Controller) overlapping(base, end DmaAddr) *region {
	var hit *region
	c.byBase.DescendLessOrEqual(&region{base: end - 1}, func(r *region) bool {
		if r.end() > base {
			hit = r
		}
		return false
	})
	return hit
}

// AddRegion registers [addr, addr+size) as backed by fd at offset and
// returns the region's table index. The fd is dup'ed; the caller keeps
// ownership of its own descriptor.
//
// If the range overlaps an existing region, the returned error is an
// *OverlapError carrying the conflicting index. If the backing fd
// cannot be mmapped the region is still installed, unmappable:
// translations succeed, MapSG fails with ErrNoHostMapping.
func (c *Controller) AddRegion(addr DmaAddr, size uint64, fd int, offset int64, prot Prot) (int, error) {
	if size == 0 || uint64(addr)+size < uint64(addr) || offset < 0 {
		return -1, fmt.Errorf("%w: region [%#x, +%#x) offset %d",
			ErrInvalid, uint64(addr), size, offset)
	}
	if r := c.overlapping(addr, addr+DmaAddr(size)); r != nil {
		return -1, &OverlapError{Index: r.index}
	}

	slot := -1
	live := 0
	for i, s := range c.slots {
		if s == nil {
			if slot < 0 {
				slot = i
			}
		} else {
			live++
		}
	}
	if live == c.maxRegions {
		return -1, ErrNoSpace
	}
	if slot < 0 {
		slot = len(c.slots)
		c.slots = append(c.slots, nil)
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	unix.CloseOnExec(dup)

	r := &region{
		index:      slot,
		base:       addr,
		size:       size,
		fd:         dup,
		fileOffset: offset,
		prot:       prot,
	}
	if err := r.hostMap(); err != nil {
		c.log.Warnf("dma: mmap region %v: %v; installing without host mapping", r, err)
	}
	if c.pageSize != 0 {
		r.dirty = make([]byte, bitmapBytes(size, c.pageSize))
	}
	c.slots[slot] = r
	c.byBase.ReplaceOrInsert(r)
	c.log.Debugf("dma: region %d added: %v", slot, r)
	return slot, nil
}

// RemoveRegion unregisters the region whose iova exactly equals
// [addr, addr+size).
//
// If the region still has outstanding mappings, quiesce (if non-nil)
// is invoked once with the region's snapshot and ErrBusy is returned;
// the caller retries after dropping its mappings.
func (c *Controller) RemoveRegion(addr DmaAddr, size uint64, quiesce func(RegionInfo)) error {
	r, ok := c.byBase.Get(&region{base: addr})
	if !ok || r.size != size {
		return ErrNotFound
	}
	if n := r.refs.Load(); n > 0 {
		if quiesce != nil {
			quiesce(r.info())
		}
		return fmt.Errorf("%w: region %d (%d refs)", ErrBusy, r.index, n)
	}
	c.byBase.Delete(r)
	c.slots[r.index] = nil
	r.hostUnmap()
	syscall.Close(r.fd)
	r.dirty = nil
	c.log.Debugf("dma: region %d removed: %v", r.index, r)
	return nil
}

// RemoveAllRegions unmaps and drops every region regardless of
// refcounts. Only safe during teardown.
func (c *Controller) RemoveAllRegions() {
	c.byBase.Ascend(func(r *region) bool {
		if n := r.refs.Load(); n > 0 {
			c.log.Warnf("dma: dropping region %d with %d outstanding mappings", r.index, n)
		}
		r.hostUnmap()
		syscall.Close(r.fd)
		return true
	})
	c.byBase.Clear(false)
	c.slots = c.slots[:0]
}

// Close tears down the controller, unmapping all regions.
func (c *Controller) Close() error {
	c.RemoveAllRegions()
	c.pageSize = 0
	return nil
}

// Regions returns snapshots of the registered regions in address
// order.
func (c *Controller) Regions() []RegionInfo {
	out := make([]RegionInfo, 0, c.byBase.Len())
	c.byBase.Ascend(func(r *region) bool {
		out = append(out, r.info())
		return true
	})
	return out
}
