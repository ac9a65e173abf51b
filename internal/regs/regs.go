// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map of the RORC DMA channels.
package regs // import "github.com/go-lpc/rorc/internal/regs"

// Global registers.
const (
	FW_TYPE_CHANNELS = 0x0000 // [31:16]=firmware type, [15:0]=number of DMA channels
	FW_DATE          = 0x0004
	FW_REVISION      = 0x0008
)

// Channel register files start at (ch+1)*CHANNEL_SPAN.
const CHANNEL_SPAN = 0x8000

// ChannelBase returns the BAR byte offset of the register file of channel ch.
func ChannelBase(ch int) int64 {
	return int64(ch+1) * CHANNEL_SPAN
}

// Channel registers, byte offsets relative to ChannelBase.
const (
	EBDM_N_SG_CONFIG   = 0x00 // number of event-buffer SG entries programmed
	EBDM_BUFFER_SIZE_L = 0x04
	EBDM_BUFFER_SIZE_H = 0x08
	RBDM_N_SG_CONFIG   = 0x0c
	RBDM_BUFFER_SIZE_L = 0x10
	RBDM_BUFFER_SIZE_H = 0x14

	EBDM_SW_READ_POINTER_L = 0x18
	EBDM_SW_READ_POINTER_H = 0x1c
	RBDM_SW_READ_POINTER_L = 0x20
	RBDM_SW_READ_POINTER_H = 0x24

	DMA_CTRL     = 0x28
	DMA_PKT_SIZE = 0x2c // [9:0]=max payload (DWs), [25:16]=max read request (DWs)

	SGENTRY_ADDR_LOW  = 0x30
	SGENTRY_ADDR_HIGH = 0x34
	SGENTRY_LEN       = 0x38
	SGENTRY_CTRL      = 0x3c

	SG_MAX_ENTRIES = 0x40 // [15:0]=event-buffer, [31:16]=report-buffer (read-only)

	EBDM_HW_WRITE_POINTER_L = 0x48
	EBDM_HW_WRITE_POINTER_H = 0x4c
	RBDM_HW_WRITE_POINTER_L = 0x50
	RBDM_HW_WRITE_POINTER_H = 0x54

	EG_CTRL         = 0x60
	EG_EVENT_LENGTH = 0x64 // write pushes into the event-length FIFO
	EG_FIFO_FILL    = 0x68 // 16-bit occupancy of the event-length FIFO
	EG_FIFO_DEPTH   = 0x6a // 16-bit capacity of the event-length FIFO
)

// DMA_CTRL bits.
const (
	O_EBDM_ENABLE = 1 << 0
	O_RBDM_ENABLE = 1 << 1
	O_PKT_ENABLE  = 1 << 2
	O_DMA_BUSY    = 1 << 3 // read-only
	O_SYNC_PTRS   = 1 << 31

	O_ENABLE_ALL = O_EBDM_ENABLE | O_RBDM_ENABLE | O_PKT_ENABLE
)

// EG_CTRL bits.
const (
	O_EG_ENABLE = 1 << 0
)

// SGENTRY_CTRL layout.
const (
	O_SG_WRITE_ENABLE = 1 << 31
	O_SG_TARGET_RB    = 1 << 30
	MASK_SG_SLOT      = 0x3fffffff

	SG_ENTRY_SIZE = 16 // addr-low, addr-high, length, ctrl
)

const (
	SHIFT_PKT_READ_REQ = 16
	MASK_PKT_SIZE      = 0x3ff

	SHIFT_SG_MAX_RB = 16
	MASK_SG_MAX     = 0xffff
)
