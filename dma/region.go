// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package dma

import (
	"fmt"
	"math"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// DmaAddr is an address in the emulated device's DMA address space,
// typically a guest physical address.
type DmaAddr uint64

// Prot declares which host-access intents are permitted on a region.
// The values coincide with the PROT_* mmap constants.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	b := [3]byte{'-', '-', '-'}
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// region is one registered span of the DMA address space.
type region struct {
	index int

	base       DmaAddr
	size       uint64
	fd         int // controller-owned dup of the registration fd
	fileOffset int64
	prot       Prot

	// data is the host mapping of [base, base+size), nil if mmap
	// failed at registration. Translations still succeed for such a
	// region; MapSG does not.
	data []byte

	// refs counts SG entries mapped by MapSG and not yet released by
	// UnmapSG.
	refs atomic.Int64

	// dirty is the page bitmap while logging is active, LSB-first
	// within each byte. A logged region without a bitmap reports all
	// pages dirty.
	dirty []byte
}

func (r *region) end() DmaAddr {
	return r.base + DmaAddr(r.size)
}

func (r *region) contains(addr DmaAddr) bool {
	return addr >= r.base && addr < r.end()
}

// hostMap maps the region's fd into the process. PROT_READ|PROT_WRITE
// is used regardless of the declared prot; prot is checked at
// translation time only.
func (r *region) hostMap() error {
	if r.size > uint64(math.MaxInt) {
		return fmt.Errorf("size %#x exceeds host address space", r.size)
	}
	data, err := syscall.Mmap(r.fd, r.fileOffset, int(r.size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_NORESERVE)
	if err != nil {
		return err
	}
	syscall.Madvise(data, unix.MADV_DONTDUMP)
	r.data = data
	return nil
}

func (r *region) hostUnmap() {
	if r.data != nil {
		syscall.Munmap(r.data)
		r.data = nil
	}
}

func (r *region) String() string {
	return fmt.Sprintf("[%#x, %#x) fd %d offset %#x prot %s",
		uint64(r.base), uint64(r.end()), r.fd, r.fileOffset, r.prot)
}

// RegionInfo is a read-only snapshot of a registered region.
type RegionInfo struct {
	Index    int
	Base     DmaAddr
	Size     uint64
	Prot     Prot
	Mappable bool
	Refcount int64
}

func (r *region) info() RegionInfo {
	return RegionInfo{
		Index:    r.index,
		Base:     r.base,
		Size:     r.size,
		Prot:     r.prot,
		Mappable: r.data != nil,
		Refcount: r.refs.Load(),
	}
}
