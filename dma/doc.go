// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma tracks the DMA address space of an emulated device.
//
// A VFIO-user server receives messages from the hypervisor describing
// which guest physical ranges are backed by which host file
// descriptors, and installs them here as regions. Device emulation
// code then translates (address, length) spans into scatter-gather
// lists, pins the referenced regions while it holds pointers into
// them, and — during live migration — lets the controller record which
// guest pages have been written.
//
// The controller is not internally synchronized. The embedding server
// must serialize AddRegion, RemoveRegion, StartDirtyLogging,
// StopDirtyLogging and DirtyBitmap; AddrToSG, MapSG and UnmapSG may
// run concurrently with each other between such mutations.
package dma
