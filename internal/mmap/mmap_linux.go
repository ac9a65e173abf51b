// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Map maps size bytes of the file descriptor fd, read-write and shared.
// When overmap is set, the pages are mapped twice back-to-back.
func Map(fd int, size int, overmap bool) (*Handle, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("mmap: invalid size %d (page=%d)", size, unix.Getpagesize())
	}

	const prot = unix.PROT_READ | unix.PROT_WRITE
	if !overmap {
		data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap: could not map fd=%d: %w", fd, err)
		}
		return HandleFrom(data), nil
	}

	// reserve 2*size of address space, then map the pages twice into it.
	base, _, errno := unix.Syscall6(
		unix.SYS_MMAP, 0, uintptr(2*size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0), 0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("mmap: could not reserve %d bytes: %w", 2*size, errno)
	}

	for i := 0; i < 2; i++ {
		addr := base + uintptr(i*size)
		_, _, errno = unix.Syscall6(
			unix.SYS_MMAP, addr, uintptr(size),
			prot, unix.MAP_SHARED|unix.MAP_FIXED,
			uintptr(fd), 0,
		)
		if errno != 0 {
			_ = munmap(unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*size))
			return nil, fmt.Errorf("mmap: could not overmap fd=%d (half=%d): %w", fd, i, errno)
		}
	}

	h := &Handle{
		data:  unsafe.Slice((*byte)(unsafe.Pointer(base)), 2*size),
		size:  size,
		over:  true,
		unmap: munmap,
	}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// Anon maps size bytes of anonymous shared memory, backed by a memfd so
// that it can be overmapped.
func Anon(name string, size int, overmap bool) (*Handle, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not create memfd %q: %w", name, err)
	}
	defer unix.Close(fd)

	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		return nil, fmt.Errorf("mmap: could not resize memfd %q to %d: %w", name, size, err)
	}

	return Map(fd, size, overmap)
}

func munmap(data []byte) error {
	_, _, errno := unix.Syscall(
		unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)), 0,
	)
	if errno != 0 {
		return fmt.Errorf("mmap: could not unmap: %w", errno)
	}
	return nil
}
