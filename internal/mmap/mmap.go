// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides handles to memory-mapped regions.
//
// A Handle may be overmapped: the same physical pages are then mapped
// twice back-to-back, so that any range of at most Len() bytes starting
// in the first half is contiguous in memory, even when it straddles the
// end of the ring.
package mmap // import "github.com/go-lpc/rorc/internal/mmap"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

type Handle struct {
	data  []byte // mapped memory (2*size when overmapped)
	size  int    // size of the underlying pages
	over  bool
	unmap func([]byte) error
}

// HandleFrom returns a handle over data, as returned by unix.Mmap.
func HandleFrom(data []byte) *Handle {
	h := &Handle{data: data, size: len(data), unmap: unix.Munmap}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h
}

// Close closes the mmap handle.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	if h.unmap == nil {
		return nil
	}
	return h.unmap(data)
}

// Len returns the length of the underlying memory-mapped pages.
func (h *Handle) Len() int {
	return h.size
}

// Overmapped returns whether the pages are mapped twice contiguously.
func (h *Handle) Overmapped() bool {
	return h.over
}

// Bytes returns the whole mapped region.
func (h *Handle) Bytes() []byte {
	return h.data
}

func (h *Handle) wrap(off int64) int64 {
	if off < 0 {
		panic(fmt.Errorf("mmap: negative offset %d", off))
	}
	if off >= int64(h.size) {
		off %= int64(h.size)
	}
	return off
}

func (h *Handle) word(off int64) *uint32 {
	off = h.wrap(off)
	if off&3 != 0 {
		panic(fmt.Errorf("mmap: unaligned word offset 0x%x", off))
	}
	return (*uint32)(unsafe.Pointer(&h.data[off]))
}

// U32 loads the 32-bit word at byte offset off, modulo the ring size.
// The load is a single aligned access.
func (h *Handle) U32(off int64) uint32 {
	return atomic.LoadUint32(h.word(off))
}

// PutU32 stores v at byte offset off, modulo the ring size.
func (h *Handle) PutU32(off int64, v uint32) {
	atomic.StoreUint32(h.word(off), v)
}

// U64 loads the little-endian 64-bit value at byte offset off.
func (h *Handle) U64(off int64) uint64 {
	lo := h.U32(off)
	hi := h.U32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// PutU64 stores v as two little-endian 32-bit words at byte offset off.
func (h *Handle) PutU64(off int64, v uint64) {
	h.PutU32(off, uint32(v))
	h.PutU32(off+4, uint32(v>>32))
}

// Slice returns n bytes starting at off, modulo the ring size.
// Ranges straddling the end of a non-overmapped ring are copied.
func (h *Handle) Slice(off, n int64) []byte {
	if n < 0 || n > int64(h.size) {
		panic(fmt.Errorf("mmap: invalid slice length %d (size=%d)", n, h.size))
	}
	off = h.wrap(off)
	if end := off + n; end <= int64(len(h.data)) {
		return h.data[off:end:end]
	}
	buf := make([]byte, n)
	k := copy(buf, h.data[off:h.size])
	copy(buf[k:], h.data[:n-int64(k)])
	return buf
}

// Zero clears n bytes starting at off, modulo the ring size.
func (h *Handle) Zero(off, n int64) {
	off = h.wrap(off)
	for n > 0 {
		end := off + n
		if end > int64(h.size) {
			end = int64(h.size)
		}
		buf := h.data[off:end]
		for i := range buf {
			buf[i] = 0
		}
		n -= end - off
		off = 0
	}
}

// Copy copies p into the ring starting at off, wrapping around the end.
func (h *Handle) Copy(off int64, p []byte) {
	if len(p) > h.size {
		panic(fmt.Errorf("mmap: copy of %d bytes into ring of %d bytes", len(p), h.size))
	}
	off = h.wrap(off)
	n := copy(h.data[off:h.size], p)
	copy(h.data, p[n:])
}

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
