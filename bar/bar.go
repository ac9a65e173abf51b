// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bar provides access to the registers of a PCIe base address region.
package bar // import "github.com/go-lpc/rorc/bar"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/go-lpc/rorc/internal/mmap"
)

type rwer interface {
	io.ReaderAt
	io.WriterAt
}

// BAR gives 16- and 32-bit register access to a memory-mapped PCIe region.
//
// The first I/O error is kept: subsequent accesses are no-ops and reads
// return 0 until the error is inspected with Err.
type BAR struct {
	rw   rwer
	f    *os.File
	mem  *mmap.Handle
	err  error
	xbuf [4]byte
}

// New returns a BAR reading and writing registers through rw.
func New(rw rwer) *BAR {
	return &BAR{rw: rw}
}

// Open maps the PCIe resource file fname (e.g. /sys/bus/pci/devices/.../resource0).
func Open(fname string) (*BAR, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("bar: could not open %q: %w", fname, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("bar: could not stat %q: %w", fname, err)
	}

	mem, err := mmap.Map(int(f.Fd()), int(fi.Size()), false)
	if err != nil {
		return nil, fmt.Errorf("bar: could not map %q: %w", fname, err)
	}

	return &BAR{rw: mem, f: f, mem: mem}, nil
}

// Close unmaps the region and closes the underlying resource file, if any.
func (b *BAR) Close() error {
	if b.f == nil {
		return nil
	}

	var (
		errMem = b.mem.Close()
		errF   = b.f.Close()
	)
	b.f = nil
	b.mem = nil

	if errMem != nil {
		return fmt.Errorf("bar: could not unmap region: %w", errMem)
	}
	if errF != nil {
		return fmt.Errorf("bar: could not close resource file: %w", errF)
	}
	return nil
}

// Err returns the first error encountered while accessing registers.
func (b *BAR) Err() error { return b.err }

func (b *BAR) ReadU32(off int64) uint32 {
	if b.err != nil {
		return 0
	}
	_, b.err = b.rw.ReadAt(b.xbuf[:4], off)
	if b.err != nil {
		b.err = fmt.Errorf("bar: could not read register 0x%x: %w", off, b.err)
		return 0
	}
	return binary.LittleEndian.Uint32(b.xbuf[:4])
}

func (b *BAR) WriteU32(off int64, v uint32) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(b.xbuf[:4], v)
	_, b.err = b.rw.WriteAt(b.xbuf[:4], off)
	if b.err != nil {
		b.err = fmt.Errorf("bar: could not write register 0x%x: %w", off, b.err)
	}
}

func (b *BAR) ReadU16(off int64) uint16 {
	if b.err != nil {
		return 0
	}
	_, b.err = b.rw.ReadAt(b.xbuf[:2], off)
	if b.err != nil {
		b.err = fmt.Errorf("bar: could not read register 0x%x: %w", off, b.err)
		return 0
	}
	return binary.LittleEndian.Uint16(b.xbuf[:2])
}

func (b *BAR) WriteU16(off int64, v uint16) {
	if b.err != nil {
		return
	}
	binary.LittleEndian.PutUint16(b.xbuf[:2], v)
	_, b.err = b.rw.WriteAt(b.xbuf[:2], off)
	if b.err != nil {
		b.err = fmt.Errorf("bar: could not write register 0x%x: %w", off, b.err)
	}
}

// WriteBlock copies p to the device, starting at off.
func (b *BAR) WriteBlock(off int64, p []byte) {
	if b.err != nil {
		return
	}
	_, b.err = b.rw.WriteAt(p, off)
	if b.err != nil {
		b.err = fmt.Errorf("bar: could not write %d bytes at 0x%x: %w", len(p), off, b.err)
	}
}
