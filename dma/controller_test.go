// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/go-vfio/go-vfio-user/internal/testutil"
	"github.com/sirupsen/logrus"
)

func newTestController(t *testing.T, maxRegions int) *Controller {
	t.Helper()
	lg := logrus.New()
	if testutil.VerboseTest() {
		lg.SetLevel(logrus.DebugLevel)
	}
	c, err := New(maxRegions, &Options{Logger: lg, Debug: testutil.VerboseTest()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// mustAdd registers a fresh memfd-backed region.
func mustAdd(t *testing.T, c *Controller, addr DmaAddr, size uint64, prot Prot) int {
	t.Helper()
	fd := testutil.Memfd(t, "region", int64(size))
	idx, err := c.AddRegion(addr, size, fd, 0, prot)
	if err != nil {
		t.Fatalf("AddRegion(%#x, %#x): %v", uint64(addr), size, err)
	}
	return idx
}

func TestAddOverlapRemove(t *testing.T) {
	c := newTestController(t, 8)
	fd1 := testutil.Memfd(t, "fd1", 0x1000)
	fd2 := testutil.Memfd(t, "fd2", 0x1000)

	idx, err := c.AddRegion(0x0000, 0x1000, fd1, 0, ProtRead|ProtWrite)
	if err != nil || idx != 0 {
		t.Fatalf("AddRegion: got (%d, %v), want (0, nil)", idx, err)
	}

	_, err = c.AddRegion(0x0800, 0x1000, fd2, 0, ProtRead|ProtWrite)
	var ov *OverlapError
	if !errors.As(err, &ov) {
		t.Fatalf("overlapping AddRegion: got %v, want OverlapError", err)
	}
	if ov.Index != 0 {
		t.Errorf("conflict index: got %d, want 0", ov.Index)
	}

	idx, err = c.AddRegion(0x1000, 0x1000, fd2, 0, ProtRead|ProtWrite)
	if err != nil || idx != 1 {
		t.Fatalf("adjacent AddRegion: got (%d, %v), want (1, nil)", idx, err)
	}

	if err := c.RemoveRegion(0x0000, 0x1000, nil); err != nil {
		t.Fatalf("RemoveRegion: %v", err)
	}
	if err := c.RemoveRegion(0x0000, 0x1000, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveRegion: got %v, want ErrNotFound", err)
	}
}

func TestRemoveSizeMismatch(t *testing.T) {
	c := newTestController(t, 4)
	mustAdd(t, c, 0x1000, 0x2000, ProtRead|ProtWrite)

	if err := c.RemoveRegion(0x1000, 0x1000, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("RemoveRegion with wrong size: got %v, want ErrNotFound", err)
	}
	if err := c.RemoveRegion(0x1000, 0x2000, nil); err != nil {
		t.Errorf("RemoveRegion with exact range: %v", err)
	}
}

func TestNoSpace(t *testing.T) {
	c := newTestController(t, 1)
	mustAdd(t, c, 0x0000, 0x1000, ProtRead)

	fd := testutil.Memfd(t, "extra", 0x1000)
	if _, err := c.AddRegion(0x4000, 0x1000, fd, 0, ProtRead); !errors.Is(err, ErrNoSpace) {
		t.Errorf("AddRegion on full table: got %v, want ErrNoSpace", err)
	}

	// Removing frees the slot again.
	if err := c.RemoveRegion(0x0000, 0x1000, nil); err != nil {
		t.Fatalf("RemoveRegion: %v", err)
	}
	if _, err := c.AddRegion(0x4000, 0x1000, fd, 0, ProtRead); err != nil {
		t.Errorf("AddRegion after removal: %v", err)
	}
}

func TestAddRegionInvalid(t *testing.T) {
	c := newTestController(t, 4)
	fd := testutil.Memfd(t, "fd", 0x1000)

	if _, err := c.AddRegion(0x1000, 0, fd, 0, ProtRead); !errors.Is(err, ErrInvalid) {
		t.Errorf("zero size: got %v, want ErrInvalid", err)
	}
	if _, err := c.AddRegion(^DmaAddr(0)-0xfff, 0x2000, fd, 0, ProtRead); !errors.Is(err, ErrInvalid) {
		t.Errorf("wrapping interval: got %v, want ErrInvalid", err)
	}
	if _, err := c.AddRegion(0x1000, 0x1000, fd, -1, ProtRead); !errors.Is(err, ErrInvalid) {
		t.Errorf("negative offset: got %v, want ErrInvalid", err)
	}
}

func TestIndexStability(t *testing.T) {
	c := newTestController(t, 8)
	for i := 0; i < 3; i++ {
		idx := mustAdd(t, c, DmaAddr(i)*0x1000, 0x1000, ProtRead|ProtWrite)
		if idx != i {
			t.Fatalf("AddRegion %d: got index %d", i, idx)
		}
	}
	if err := c.RemoveRegion(0x1000, 0x1000, nil); err != nil {
		t.Fatalf("RemoveRegion: %v", err)
	}

	// Survivors keep their indices; the freed slot is reused.
	infos := c.Regions()
	if len(infos) != 2 || infos[0].Index != 0 || infos[1].Index != 2 {
		t.Fatalf("after removal: %+v", infos)
	}
	idx := mustAdd(t, c, 0x8000, 0x1000, ProtRead)
	if idx != 1 {
		t.Errorf("AddRegion after removal: got index %d, want 1", idx)
	}
}

func TestUnmappableRegion(t *testing.T) {
	c := newTestController(t, 4)

	// /dev/null cannot be mmapped MAP_SHARED; the region must still
	// be installed for accounting.
	f, err := os.Open("/dev/null")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	idx, err := c.AddRegion(0x0000, 0x1000, int(f.Fd()), 0, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	var sgs [4]SG
	n, err := c.AddrToSG(nil, 0x0200, 0x100, ProtRead, sgs[:])
	if err != nil || n != 1 {
		t.Fatalf("AddrToSG: got (%d, %v)", n, err)
	}
	if sgs[0].Mappable {
		t.Errorf("SG for unmappable region has Mappable set")
	}
	if got := c.Regions()[0]; got.Mappable {
		t.Errorf("RegionInfo.Mappable: got true, want false")
	}

	iovs := make([][]byte, 1)
	if err := c.MapSG(sgs[:1], iovs); !errors.Is(err, ErrNoHostMapping) {
		t.Errorf("MapSG: got %v, want ErrNoHostMapping", err)
	}

	// Still removable and the overlap accounting held.
	if _, err := c.AddRegion(0x0800, 0x1000, int(f.Fd()), 0, ProtRead); err == nil {
		t.Errorf("overlap with unmappable region not detected")
	}
	if err := c.RemoveRegion(0x0000, 0x1000, nil); err != nil {
		t.Errorf("RemoveRegion: %v (index %d)", err, idx)
	}
}

func TestControllerOwnsFd(t *testing.T) {
	c := newTestController(t, 4)
	fd := testutil.Memfd(t, "owned", 0x1000)
	if _, err := c.AddRegion(0x0000, 0x1000, fd, 0, ProtRead|ProtWrite); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	// The caller may close its descriptor; the controller's dup keeps
	// the region usable.
	if err := syscall.Close(fd); err != nil {
		t.Fatal(err)
	}
	var sgs [1]SG
	iovs := make([][]byte, 1)
	if _, err := c.AddrToSG(nil, 0, 0x10, ProtRead, sgs[:]); err != nil {
		t.Fatalf("AddrToSG: %v", err)
	}
	if err := c.MapSG(sgs[:], iovs); err != nil {
		t.Fatalf("MapSG: %v", err)
	}
	iovs[0][0] = 0xab
	c.UnmapSG(sgs[:])
}

func TestRegionsSnapshot(t *testing.T) {
	c := newTestController(t, 8)
	mustAdd(t, c, 0x2000, 0x1000, ProtRead)
	mustAdd(t, c, 0x0000, 0x1000, ProtRead|ProtWrite)

	infos := c.Regions()
	if len(infos) != 2 {
		t.Fatalf("Regions: got %d entries", len(infos))
	}
	// Address order, not insertion order.
	if infos[0].Base != 0x0000 || infos[1].Base != 0x2000 {
		t.Errorf("Regions out of address order: %+v", infos)
	}
	if infos[0].Prot != ProtRead|ProtWrite || infos[1].Prot != ProtRead {
		t.Errorf("Regions prot: %+v", infos)
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(0, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("New(0): got %v, want ErrInvalid", err)
	}
}
