// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/rorc/internal/regs"
)

// Target selects the descriptor RAM of a channel.
type Target uint8

const (
	EventBuffer Target = iota
	ReportBuffer
)

func (t Target) String() string {
	switch t {
	case EventBuffer:
		return "event-buffer"
	case ReportBuffer:
		return "report-buffer"
	default:
		return fmt.Sprintf("Target(%d)", uint8(t))
	}
}

// MaxSGEntries returns the capacity of the descriptor RAM of the target.
func (ch *Channel) MaxSGEntries(t Target) int {
	v := ch.regs.ReadU32(ch.base + regs.SG_MAX_ENTRIES)
	if t == ReportBuffer {
		v >>= regs.SHIFT_SG_MAX_RB
	}
	return int(v & regs.MASK_SG_MAX)
}

func (ch *Channel) checkSG(buf Buffer, t Target) error {
	sg := buf.SGList()
	if max := ch.MaxSGEntries(t); len(sg) > max {
		return fmt.Errorf(
			"dma: %v has %d scatter-gather entries (max=%d): %w",
			t, len(sg), max, ErrCapacityExceeded,
		)
	}

	var sum uint64
	for i, e := range sg {
		if e.Len == 0 || e.Len > 0xffffffff {
			return fmt.Errorf(
				"dma: %v entry %d has invalid length %d: %w",
				t, i, e.Len, ErrInvalidParameter,
			)
		}
		sum += e.Len
	}
	if sum != uint64(buf.Size()) {
		return fmt.Errorf(
			"dma: %v scatter-gather list covers %d bytes (size=%d): %w",
			t, sum, buf.Size(), ErrInvalidParameter,
		)
	}
	return nil
}

// programSG writes the scatter-gather list of buf into the descriptor RAM
// of the target, followed by a zero-length terminator entry.
func (ch *Channel) programSG(buf Buffer, t Target) error {
	err := ch.checkSG(buf, t)
	if err != nil {
		return err
	}

	sg := buf.SGList()
	ctrl := uint32(regs.O_SG_WRITE_ENABLE)
	if t == ReportBuffer {
		ctrl |= regs.O_SG_TARGET_RB
	}

	var raw [regs.SG_ENTRY_SIZE]byte
	put := func(slot int, e SGEntry) {
		binary.LittleEndian.PutUint32(raw[0:4], uint32(e.Addr))
		binary.LittleEndian.PutUint32(raw[4:8], uint32(e.Addr>>32))
		binary.LittleEndian.PutUint32(raw[8:12], uint32(e.Len))
		binary.LittleEndian.PutUint32(raw[12:16], ctrl|uint32(slot)&regs.MASK_SG_SLOT)
		ch.regs.WriteBlock(ch.base+regs.SGENTRY_ADDR_LOW, raw[:])
	}

	for i, e := range sg {
		put(i, e)
	}
	put(len(sg), SGEntry{})

	nsg := int64(regs.EBDM_N_SG_CONFIG)
	if t == ReportBuffer {
		nsg = regs.RBDM_N_SG_CONFIG
	}
	ch.regs.WriteU32(ch.base+nsg, uint32(len(sg)))

	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not program %v descriptors: %w", t, err)
	}
	return nil
}
