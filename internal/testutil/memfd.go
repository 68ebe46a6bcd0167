// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package testutil

import (
	"testing"

	"golang.org/x/sys/unix"
)

// Memfd returns an anonymous memory fd of the given size, closed when
// the test finishes. Tests use it as the backing file for DMA regions.
func Memfd(t *testing.T, name string, size int64) int {
	t.Helper()
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("MemfdCreate: %v", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		t.Fatalf("Ftruncate: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}
