// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import "fmt"

// ReportSize is the size in bytes of one report-buffer descriptor:
//
//	[ 0: 8] event offset in the event buffer
//	[ 8:12] reported event size (DWs), [31:30] flags
//	[12:16] calculated event size (DWs), [31:30] completion status
//	[16:32] reserved
const ReportSize = 32

const (
	rpOffset   = 0
	rpReported = 8
	rpCalc     = 12
)

const (
	SizeMask = 0x3fffffff

	FlagTimeout  = 1 << 31 // reported size: DMA completion timeout
	FlagDIUError = 1 << 30 // reported size: link reported an error

	ShiftCompletion = 30
)

// Report is one event descriptor of the report buffer.
type Report struct {
	Offset   uint64 // byte offset of the event in the event buffer
	Reported uint32 // event size as reported by the link, with flags
	Calc     uint32 // event size as counted by the DMA engine, with status
}

func readReport(mem Memory, off int64) Report {
	return Report{
		Offset:   mem.U64(off + rpOffset),
		Reported: mem.U32(off + rpReported),
		Calc:     mem.U32(off + rpCalc),
	}
}

// WriteReport stores rep at byte offset off of a report ring.
// The calculated size is written last, as it flags the slot as ready.
func WriteReport(mem Memory, off int64, rep Report) {
	mem.PutU64(off+rpOffset, rep.Offset)
	mem.PutU32(off+rpReported, rep.Reported)
	mem.PutU64(off+16, 0)
	mem.PutU64(off+24, 0)
	mem.PutU32(off+rpCalc, rep.Calc)
}

// Size returns the calculated size of the event, in DWs.
func (rep Report) Size() uint32 { return rep.Calc & SizeMask }

// ReportedSize returns the reported size of the event, in DWs.
func (rep Report) ReportedSize() uint32 { return rep.Reported & SizeMask }

// Bytes returns the calculated size of the event, in bytes.
func (rep Report) Bytes() int64 { return int64(rep.Size()) << 2 }

// Completion returns the PCIe completion status code of the transfer.
func (rep Report) Completion() uint32 { return rep.Calc >> ShiftCompletion }

// Ready returns whether the descriptor holds a completed event.
func (rep Report) Ready() bool { return rep.Calc != 0 }

func (rep Report) String() string {
	return fmt.Sprintf(
		"report{offset=0x%x, reported=0x%08x, calc=0x%08x}",
		rep.Offset, rep.Reported, rep.Calc,
	)
}
