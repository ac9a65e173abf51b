// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buffer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/internal/mmap"
	"golang.org/x/sys/unix"
)

// sgExt is the file name extension of the scatter-gather list of a
// persistent buffer.
const sgExt = ".sglist"

// Create creates a persistent buffer of size bytes (rounded up to the page
// size) at path, with a synthetic scatter-gather list, and attaches it.
func Create(path string, size int64, opts ...Option) (*Buffer, error) {
	cfg := newConfig()
	cfg.overmap = true
	for _, opt := range opts {
		opt(&cfg)
	}

	if size <= 0 {
		return nil, fmt.Errorf("buffer: invalid size %d", size)
	}
	size = roundPage(size)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("buffer: could not create %q: %w", path, err)
	}
	defer f.Close()

	err = f.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("buffer: could not resize %q: %w", path, err)
	}

	err = writeSG(path+sgExt, synthSG(size, cfg))
	if err != nil {
		return nil, err
	}

	err = f.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer: could not close %q: %w", path, err)
	}

	return Open(path, opts...)
}

// Open attaches the persistent buffer at path.
//
// Attachment is exclusive: Open fails with ErrBusy while another handle,
// from this process or another one, holds the buffer.
// Persistent buffers are overmapped, unless disabled with WithOvermap.
func Open(path string, opts ...Option) (*Buffer, error) {
	cfg := newConfig()
	cfg.overmap = true
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("buffer: could not open %q: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			err = fmt.Errorf("buffer: could not attach %q: %w", path, ErrBusy)
			return nil, err
		}
		err = fmt.Errorf("buffer: could not lock %q: %w", path, err)
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		err = fmt.Errorf("buffer: could not stat %q: %w", path, err)
		return nil, err
	}
	size := fi.Size()

	sg, err := readSG(path + sgExt)
	switch {
	case errors.Is(err, os.ErrNotExist):
		sg = synthSG(size, cfg)
		err = nil
	case err != nil:
		return nil, err
	}

	var sum uint64
	for _, e := range sg {
		sum += e.Len
	}
	if sum != uint64(size) {
		err = fmt.Errorf(
			"buffer: scatter-gather list of %q covers %d bytes (size=%d)",
			path, sum, size,
		)
		return nil, err
	}

	mem, err := mmap.Map(int(f.Fd()), int(size), cfg.overmap)
	if err != nil {
		err = fmt.Errorf("buffer: could not map %q: %w", path, err)
		return nil, err
	}

	buf := newBuffer(cfg, path, mem, size, sg)
	buf.f = f
	buf.msg.Printf("attached %q: %d bytes (%d sg entries, overmap=%v)", path, size, len(sg), cfg.overmap)
	return buf, nil
}

// writeSG stores a scatter-gather list as a sequence of little-endian
// (address, length) pairs of 64-bit words.
func writeSG(fname string, sg []dma.SGEntry) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("buffer: could not create scatter-gather file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range sg {
		err = binary.Write(w, binary.LittleEndian, [2]uint64{e.Addr, e.Len})
		if err != nil {
			return fmt.Errorf("buffer: could not write scatter-gather entry: %w", err)
		}
	}

	err = w.Flush()
	if err != nil {
		return fmt.Errorf("buffer: could not flush scatter-gather file: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("buffer: could not close scatter-gather file: %w", err)
	}
	return nil
}

func readSG(fname string) ([]dma.SGEntry, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("buffer: could not open scatter-gather file: %w", err)
	}
	defer f.Close()

	var (
		r   = bufio.NewReader(f)
		sg  []dma.SGEntry
		raw [2]uint64
	)
	for {
		err = binary.Read(r, binary.LittleEndian, &raw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("buffer: could not read scatter-gather entry %d: %w", len(sg), err)
		}
		sg = append(sg, dma.SGEntry{Addr: raw[0], Len: raw[1]})
	}
	return sg, nil
}
