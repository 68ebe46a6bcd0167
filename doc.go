// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This is a repository containing a pure-Go library for the DMA side
// of VFIO-user device emulation.
//
// Go to https://godoc.org/github.com/go-vfio/go-vfio-user/dma for the
// in-depth documentation for this library.
package lib
