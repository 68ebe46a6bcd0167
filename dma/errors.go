// Copyright 2025 the Go-VFIO Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace is returned by AddRegion when the table already
	// holds its maximum number of regions.
	ErrNoSpace = errors.New("dma: region table full")

	// ErrNotFound is returned when no region is registered with
	// exactly the given base and size.
	ErrNotFound = errors.New("dma: no region registered at this range")

	// ErrBusy is returned by RemoveRegion while outstanding MapSG
	// calls still hold pointers into the region. The caller should
	// quiesce its mappings and retry.
	ErrBusy = errors.New("dma: region has outstanding mappings")

	// ErrBadAddress is returned by AddrToSG when the requested span
	// is not fully covered by registered regions.
	ErrBadAddress = errors.New("dma: address range not registered")

	// ErrProtection is returned for a write-intent translation into
	// a region registered without write permission.
	ErrProtection = errors.New("dma: access violates region protection")

	// ErrNoHostMapping is returned by MapSG for regions whose
	// backing fd could not be mmapped at registration.
	ErrNoHostMapping = errors.New("dma: region has no host mapping")

	// ErrNotLogging and ErrAlreadyLogging report dirty-logging state
	// mismatches.
	ErrNotLogging     = errors.New("dma: dirty logging not active")
	ErrAlreadyLogging = errors.New("dma: dirty logging already active")

	// ErrInvalid is returned for violated preconditions: zero sizes,
	// wrapping intervals, non-power-of-two page sizes, stale SG
	// entries.
	ErrInvalid = errors.New("dma: invalid argument")
)

// OverlapError is returned by AddRegion when the requested range
// overlaps an already registered region.
type OverlapError struct {
	// Index of the conflicting region.
	Index int
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("dma: range overlaps region %d", e.Index)
}

// SGOverflowError is returned by AddrToSG when the caller's SG slice
// is too short. The caller grows the slice to Needed and retries.
type SGOverflowError struct {
	Needed int
}

func (e *SGOverflowError) Error() string {
	return fmt.Sprintf("dma: translation needs %d SG entries", e.Needed)
}
