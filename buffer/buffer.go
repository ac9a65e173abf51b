// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buffer provides DMA buffers for RORC channels.
//
// A buffer is a mapped memory region together with the scatter-gather list
// of the physical chunks backing it. Heap buffers live in anonymous shared
// memory and carry a synthetic scatter-gather list. Persistent buffers are
// backed by a file, outliving the process that attached them, and describe
// their physical layout in a sidecar ".sglist" file.
package buffer // import "github.com/go-lpc/rorc/buffer"

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/internal/mmap"
	"golang.org/x/sys/unix"
)

var (
	ErrBusy     = errors.New("buffer: already attached")
	ErrNotFound = errors.New("buffer: address not found")
)

// Buffer is a mapped DMA buffer.
type Buffer struct {
	msg  *log.Logger
	name string
	f    *os.File // persistent backing file, nil for heap buffers
	mem  *mmap.Handle
	size int64
	sg   []dma.SGEntry
	offs []int64 // buffer offset of each scatter-gather entry
}

type config struct {
	msg     *log.Logger
	chunk   int64
	base    uint64
	overmap bool
}

func newConfig() config {
	return config{
		msg:   log.New(io.Discard, "buffer: ", 0),
		chunk: 64 << 10,
	}
}

// phys hands out disjoint ranges of synthetic physical addresses.
var phys = struct {
	sync.Mutex
	next uint64
}{next: 0x1_0000_0000}

func physAlloc(n uint64) uint64 {
	phys.Lock()
	defer phys.Unlock()
	addr := phys.next
	phys.next += 2*n + 1<<20
	return addr
}

// Option configures a buffer.
type Option func(*config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithChunkSize sets the size of the chunks of a synthetic
// scatter-gather list. It is rounded up to the page size.
func WithChunkSize(n int64) Option {
	return func(cfg *config) {
		cfg.chunk = n
	}
}

// WithBaseAddr sets the physical address of the first chunk of a synthetic
// scatter-gather list. By default, each buffer gets its own address range.
func WithBaseAddr(addr uint64) Option {
	return func(cfg *config) {
		cfg.base = addr
	}
}

// WithOvermap requests the buffer pages to be mapped twice back-to-back.
func WithOvermap(v bool) Option {
	return func(cfg *config) {
		cfg.overmap = v
	}
}

func roundPage(n int64) int64 {
	page := int64(unix.Getpagesize())
	return (n + page - 1) / page * page
}

// synthSG returns a scatter-gather list covering size bytes, made of chunks
// spaced out in physical memory.
func synthSG(size int64, cfg config) []dma.SGEntry {
	chunk := roundPage(cfg.chunk)
	if chunk <= 0 {
		chunk = size
	}
	var (
		sg   = make([]dma.SGEntry, 0, (size+chunk-1)/chunk)
		addr = cfg.base
	)
	if addr == 0 {
		addr = physAlloc(2 * uint64(size))
	}
	for off := int64(0); off < size; off += chunk {
		n := chunk
		if off+n > size {
			n = size - off
		}
		sg = append(sg, dma.SGEntry{Addr: addr, Len: uint64(n)})
		addr += 2 * uint64(chunk)
	}
	return sg
}

// New allocates a heap buffer of size bytes, rounded up to the page size.
// Heap buffers are not overmapped, unless requested with WithOvermap.
func New(size int64, opts ...Option) (*Buffer, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if size <= 0 {
		return nil, fmt.Errorf("buffer: invalid size %d", size)
	}
	size = roundPage(size)

	mem, err := mmap.Anon("rorc-buffer", int(size), cfg.overmap)
	if err != nil {
		return nil, fmt.Errorf("buffer: could not allocate %d bytes: %w", size, err)
	}

	buf := newBuffer(cfg, "heap", mem, size, synthSG(size, cfg))
	buf.msg.Printf("allocated %d bytes (%d sg entries, overmap=%v)", size, len(buf.sg), cfg.overmap)
	return buf, nil
}

func newBuffer(cfg config, name string, mem *mmap.Handle, size int64, sg []dma.SGEntry) *Buffer {
	buf := &Buffer{
		msg:  cfg.msg,
		name: name,
		mem:  mem,
		size: size,
		sg:   sg,
		offs: make([]int64, len(sg)),
	}
	var off int64
	for i, e := range sg {
		buf.offs[i] = off
		off += int64(e.Len)
	}
	return buf
}

// Name returns the name of the buffer: its backing file for persistent
// buffers, "heap" otherwise.
func (buf *Buffer) Name() string { return buf.name }

// Size returns the physical size of the buffer, in bytes.
func (buf *Buffer) Size() int64 { return buf.size }

// SGList returns the scatter-gather list backing the buffer.
func (buf *Buffer) SGList() []dma.SGEntry { return buf.sg }

// Memory returns the mapped view of the buffer.
func (buf *Buffer) Memory() dma.Memory { return buf.mem }

// Overmapped returns whether the buffer pages are mapped twice.
func (buf *Buffer) Overmapped() bool { return buf.mem.Overmapped() }

// PhysAddr returns the physical address of the byte at offset off, and the
// number of physically contiguous bytes from there.
func (buf *Buffer) PhysAddr(off int64) (uint64, int64, error) {
	if off < 0 || off >= buf.size {
		return 0, 0, fmt.Errorf("buffer: offset 0x%x out of range: %w", off, ErrNotFound)
	}
	i := sort.Search(len(buf.offs), func(i int) bool {
		return buf.offs[i] > off
	}) - 1
	var (
		e   = buf.sg[i]
		rel = off - buf.offs[i]
	)
	return e.Addr + uint64(rel), int64(e.Len) - rel, nil
}

// Offset returns the buffer offset of the physical address addr.
func (buf *Buffer) Offset(addr uint64) (int64, error) {
	for i, e := range buf.sg {
		if addr >= e.Addr && addr-e.Addr < e.Len {
			return buf.offs[i] + int64(addr-e.Addr), nil
		}
	}
	return 0, fmt.Errorf("buffer: physical address 0x%x: %w", addr, ErrNotFound)
}

// Close detaches the buffer. The backing file of a persistent buffer is
// left in place, and may be attached again.
func (buf *Buffer) Close() error {
	if buf.mem == nil {
		return nil
	}

	err := buf.mem.Close()
	buf.mem = nil
	if err != nil {
		err = fmt.Errorf("buffer: could not unmap %q: %w", buf.name, err)
	}

	if buf.f != nil {
		// closing the file releases the advisory lock.
		e := buf.f.Close()
		buf.f = nil
		if e != nil && err == nil {
			err = fmt.Errorf("buffer: could not close %q: %w", buf.name, e)
		}
	}
	if err == nil {
		buf.msg.Printf("detached %q", buf.name)
	}
	return err
}

var (
	_ dma.Buffer = (*Buffer)(nil)
)
