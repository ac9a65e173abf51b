// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma implements the scatter-gather DMA engine protocol of a RORC
// readout board: descriptor RAM programming, per-channel buffer
// configuration and the event/report ring consumption protocol.
//
// A channel owns an event buffer, where the device writes event payloads,
// and a report buffer, a ring of fixed-size descriptors, one per completed
// event. Hardware advances the write positions of both rings; software
// publishes its read positions back to the device once events have been
// consumed.
package dma // import "github.com/go-lpc/rorc/dma"

import (
	"errors"
	"io"
)

var (
	ErrInvalidParameter = errors.New("dma: invalid parameter")
	ErrCapacityExceeded = errors.New("dma: scatter-gather capacity exceeded")
	ErrConfig           = errors.New("dma: invalid channel configuration")
	ErrNoEvent          = errors.New("dma: no event available")
	ErrInvalidRef       = errors.New("dma: invalid event reference")
	ErrTimeout          = errors.New("dma: timeout")
)

// Registers is the register-level access to a device BAR.
//
// Accesses are synchronous memory-mapped reads and writes.
// Implementations keep the first access error, reported by Err.
type Registers interface {
	ReadU32(off int64) uint32
	WriteU32(off int64, v uint32)
	ReadU16(off int64) uint16
	WriteU16(off int64, v uint16)
	WriteBlock(off int64, p []byte)
	Err() error
}

// Memory is a bounds-checked view of a mapped ring buffer.
// Offsets are taken modulo the ring size.
type Memory interface {
	Len() int
	Overmapped() bool

	U32(off int64) uint32
	PutU32(off int64, v uint32)
	U64(off int64) uint64
	PutU64(off int64, v uint64)

	// Slice returns n bytes starting at off, as one contiguous range.
	Slice(off, n int64) []byte
	Copy(off int64, p []byte)
	Zero(off, n int64)
}

// SGEntry is one contiguous chunk of the physical memory backing a buffer.
type SGEntry struct {
	Addr uint64 // physical (bus) address
	Len  uint64 // length in bytes
}

// Buffer is a DMA buffer, pinned in physical memory.
type Buffer interface {
	// Size returns the physical size of the buffer, in bytes.
	Size() int64
	// SGList returns the ordered scatter-gather list backing the buffer.
	SGList() []SGEntry
	// PhysAddr returns the physical address of the byte at offset off,
	// and the number of contiguous bytes from there to the end of the chunk.
	PhysAddr(off int64) (addr uint64, n int64, err error)
	// Offset returns the buffer offset of the physical address addr.
	Offset(addr uint64) (int64, error)
	// Memory returns the mapped view of the buffer.
	Memory() Memory

	io.Closer
}
