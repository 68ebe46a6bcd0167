// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"errors"
	"fmt"
)

// SG is one entry of a scatter-gather list: a (region, offset, length)
// triple produced by address translation. It carries no host pointer;
// MapSG materializes those, so an SG stays valid across changes to the
// host-mapping strategy.
type SG struct {
	// RegionIndex identifies the region in the controller table. It
	// is stable for the lifetime of the region.
	RegionIndex int

	// RegionBase is the region's iova base at translation time.
	RegionBase DmaAddr

	// Offset and Length locate the span inside the region.
	Offset uint64
	Length uint64

	// Mappable records whether the region had a host mapping at
	// translation time. Callers may batch on it; MapSG re-checks.
	Mappable bool
}

// Cursor remembers the last region a caller translated through, for
// the single-region fast path. One cursor per execution context; the
// zero value is ready to use. A stale or shared cursor is never a
// correctness hazard, only a missed fast path, because AddrToSG
// revalidates it on every call.
type Cursor struct {
	slot int // 1-based table index; 0 means unset
}

// initSG checks the region's protection, fills sg, and marks dirty
// pages for write intents. Marking happens at translation rather than
// at map time: a write is authorized by its translation, and the
// device may write through previously obtained pointers without
// calling MapSG again.
func (c *Controller) initSG(sg *SG, r *region, addr DmaAddr, length uint64, prot Prot) error {
	if prot&ProtWrite != 0 && r.prot&ProtWrite == 0 {
		return fmt.Errorf("%w: write into region %d (%s)", ErrProtection, r.index, r.prot)
	}
	off := uint64(addr - r.base)
	*sg = SG{
		RegionIndex: r.index,
		RegionBase:  r.base,
		Offset:      off,
		Length:      length,
		Mappable:    r.data != nil,
	}
	if prot&ProtWrite != 0 && c.pageSize != 0 {
		r.markDirty(off, length, c.pageSize)
	}
	return nil
}

// AddrToSG translates [addr, addr+length) into scatter-gather entries
// written to out, returning the number of entries.
//
// The span must be fully covered by registered regions that are
// adjacent in DMA address space; a gap yields ErrBadAddress. A write
// intent (prot including ProtWrite) against any read-only region in
// the span yields ErrProtection before anything is emitted. If out is
// too short, *SGOverflowError reports the required length and no side
// effects take place.
func (c *Controller) AddrToSG(cur *Cursor, addr DmaAddr, length uint64, prot Prot, out []SG) (int, error) {
	if length == 0 || uint64(addr)+length < uint64(addr) {
		return 0, fmt.Errorf("%w: span [%#x, +%#x)", ErrInvalid, uint64(addr), length)
	}

	// Fast path: the caller's last region covers the whole span.
	if cur != nil && len(out) >= 1 {
		if r := c.slotRegion(cur.slot - 1); r != nil &&
			r.contains(addr) && length <= r.size-uint64(addr-r.base) {
			if err := c.initSG(&out[0], r, addr, length, prot); err != nil {
				return 0, err
			}
			return 1, nil
		}
	}

	first, ok := c.regionAt(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrBadAddress, uint64(addr))
	}

	// First pass: walk the covering regions by address, validating
	// adjacency and protection and counting the entries needed.
	needed := 0
	for r, pos, remaining := first, addr, length; ; {
		if prot&ProtWrite != 0 && r.prot&ProtWrite == 0 {
			return 0, fmt.Errorf("%w: write into region %d (%s)", ErrProtection, r.index, r.prot)
		}
		needed++
		chunk := r.size - uint64(pos-r.base)
		if chunk >= remaining {
			break
		}
		remaining -= chunk
		pos = r.end()
		next, ok := c.byBase.Get(&region{base: pos})
		if !ok {
			return 0, fmt.Errorf("%w: gap at %#x", ErrBadAddress, uint64(pos))
		}
		r = next
	}
	if needed > len(out) {
		return 0, &SGOverflowError{Needed: needed}
	}

	// Second pass: emit. The walk repeats over the regions just
	// validated, so initSG cannot fail here.
	r, pos, remaining := first, addr, length
	for i := 0; i < needed; i++ {
		chunk := r.size - uint64(pos-r.base)
		if chunk > remaining {
			chunk = remaining
		}
		if err := c.initSG(&out[i], r, pos, chunk, prot); err != nil {
			return 0, err
		}
		pos += DmaAddr(chunk)
		remaining -= chunk
		if remaining > 0 {
			r, _ = c.byBase.Get(&region{base: pos})
		}
	}
	if cur != nil {
		cur.slot = r.index + 1
	}
	if c.debug {
		c.log.Debugf("dma: translated [%#x, +%#x) %s into %d SGs",
			uint64(addr), length, prot, needed)
	}
	return needed, nil
}

// MapSG materializes host memory for each SG: out[i] becomes the
// sub-slice of the region's host mapping covering sgs[i], and the
// region's refcount is raised, blocking its removal until UnmapSG.
//
// On error no refcounts remain taken; entries mapped so far are
// released before returning.
func (c *Controller) MapSG(sgs []SG, out [][]byte) error {
	if len(out) < len(sgs) {
		return fmt.Errorf("%w: %d iovecs for %d SG entries", ErrInvalid, len(out), len(sgs))
	}
	for i := range sgs {
		sg := &sgs[i]
		r := c.slotRegion(sg.RegionIndex)
		if r == nil || r.base != sg.RegionBase || sg.Offset+sg.Length > r.size {
			c.UnmapSG(sgs[:i])
			return fmt.Errorf("%w: stale SG for region %d", ErrInvalid, sg.RegionIndex)
		}
		if r.data == nil {
			c.UnmapSG(sgs[:i])
			return fmt.Errorf("%w: region %d", ErrNoHostMapping, r.index)
		}
		out[i] = r.data[sg.Offset : sg.Offset+sg.Length : sg.Offset+sg.Length]
		r.refs.Add(1)
	}
	return nil
}

// UnmapSG drops the refcounts taken by MapSG for the same list. SG
// entries whose region is no longer registered are skipped; refcounts
// never go below zero.
func (c *Controller) UnmapSG(sgs []SG) {
	for i := range sgs {
		r, ok := c.byBase.Get(&region{base: sgs[i].RegionBase})
		if !ok {
			continue
		}
		for {
			n := r.refs.Load()
			if n <= 0 {
				break
			}
			if r.refs.CompareAndSwap(n, n-1) {
				break
			}
		}
	}
}

// ReadDMA copies len(p) bytes of guest memory starting at addr into p,
// translating and mapping as needed. cur may be nil.
func (c *Controller) ReadDMA(cur *Cursor, addr DmaAddr, p []byte) error {
	return c.accessDMA(cur, addr, p, ProtRead)
}

// WriteDMA copies p into guest memory starting at addr. The write
// intent flows through the translator, so dirty logging sees it.
func (c *Controller) WriteDMA(cur *Cursor, addr DmaAddr, p []byte) error {
	return c.accessDMA(cur, addr, p, ProtWrite)
}

func (c *Controller) accessDMA(cur *Cursor, addr DmaAddr, p []byte, prot Prot) error {
	if len(p) == 0 {
		return nil
	}
	var stack [8]SG
	sgs := stack[:]
	for {
		n, err := c.AddrToSG(cur, addr, uint64(len(p)), prot, sgs)
		if err == nil {
			sgs = sgs[:n]
			break
		}
		var ov *SGOverflowError
		if errors.As(err, &ov) {
			sgs = make([]SG, ov.Needed)
			continue
		}
		return err
	}
	iovs := make([][]byte, len(sgs))
	if err := c.MapSG(sgs, iovs); err != nil {
		return err
	}
	defer c.UnmapSG(sgs)
	off := 0
	for _, iov := range iovs {
		if prot&ProtWrite != 0 {
			copy(iov, p[off:off+len(iov)])
		} else {
			copy(p[off:off+len(iov)], iov)
		}
		off += len(iov)
	}
	return nil
}
