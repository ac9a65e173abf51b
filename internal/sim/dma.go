// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/internal/regs"
)

// Event is an event transferred by the simulated device into host memory.
type Event struct {
	Words []uint32 // header and payload

	Reported   uint32 // reported size in DWs, len(Words) if zero
	Flags      uint32 // flags of the reported size (dma.FlagTimeout, dma.FlagDIUError)
	Completion uint32 // PCIe completion status of the transfer
}

type ring struct {
	ebSize int64
	rbSize int64
	nslots int64
	pkt    int64
}

func (dev *Device) ring(ch *channel) (ring, error) {
	r := ring{
		ebSize: dev.get64(ch, regs.EBDM_BUFFER_SIZE_L),
		rbSize: dev.get64(ch, regs.RBDM_BUFFER_SIZE_L),
		pkt:    int64(dev.getc(ch, regs.DMA_PKT_SIZE)&regs.MASK_PKT_SIZE) << 2,
	}
	r.nslots = r.rbSize / dma.ReportSize

	ctrl := dev.getc(ch, regs.DMA_CTRL)
	switch {
	case ctrl&regs.O_ENABLE_ALL != regs.O_ENABLE_ALL:
		return r, fmt.Errorf("sim: ch=%d: %w", ch.id, ErrDisabled)
	case r.ebSize <= 0 || r.nslots < 2 || r.pkt <= 0:
		return r, fmt.Errorf("sim: ch=%d: channel not configured", ch.id)
	}
	return r, nil
}

func roundUp(n, m int64) int64 {
	return (n + m - 1) / m * m
}

// ebFree returns the number of bytes the engine may still write into the
// event buffer, keeping one packet between write and read positions.
func (r ring) ebFree(ch *channel) int64 {
	used := ch.wr.eb - ch.rd.eb
	if used < 0 {
		used += r.ebSize
	}
	return r.ebSize - used - r.pkt
}

// rbFree returns the number of free report slots.
// The read pointer designates the last slot consumed by software.
func (r ring) rbFree(ch *channel) int64 {
	used := (ch.wr.slot - ch.rd.rb/dma.ReportSize - 1) % r.nslots
	if used < 0 {
		used += r.nslots
	}
	return r.nslots - 1 - used
}

// Inject transfers evt into the event buffer of channel ch and reports it
// in the report buffer, as the DMA engine does for an incoming event.
//
// The software read pointers are honored: Inject fails with ErrFull when
// either ring has no room left for the event.
func (dev *Device) Inject(ch int, evt Event) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if ch < 0 || ch >= len(dev.chans) {
		return fmt.Errorf("sim: invalid channel %d", ch)
	}
	c := dev.chans[ch]
	r, err := dev.ring(c)
	if err != nil {
		return err
	}

	n := int64(len(evt.Words))
	if n == 0 || n > dma.SizeMask {
		return fmt.Errorf("sim: invalid event size %d", n)
	}
	reported := evt.Reported
	if reported == 0 {
		reported = uint32(n)
	}

	// payload and end-of-event word.
	frag := roundUp(4*(n+1), r.pkt)
	if frag > r.ebFree(c) || r.rbFree(c) < 1 {
		return fmt.Errorf("sim: ch=%d: could not inject event of %d words: %w", ch, n, ErrFull)
	}

	raw := make([]byte, 4*(n+1))
	for i, w := range evt.Words {
		binary.LittleEndian.PutUint32(raw[4*i:], w)
	}
	binary.LittleEndian.PutUint32(raw[4*n:], reported&dma.SizeMask)

	off := c.wr.eb
	err = dev.dmaWrite(c.sg[dma.EventBuffer], r.ebSize, off, raw)
	if err != nil {
		return err
	}

	err = dev.report(c, r, dma.Report{
		Offset:   uint64(off),
		Reported: reported&dma.SizeMask | evt.Flags,
		Calc:     uint32(n) | evt.Completion<<dma.ShiftCompletion,
	})
	if err != nil {
		return err
	}

	c.wr.eb = (off + frag) % r.ebSize
	dev.put64(c, regs.EBDM_HW_WRITE_POINTER_L, c.wr.eb)
	return nil
}

// Loopback reports the events queued in the event-length FIFO of channel
// ch, as if the generated events had been sent out and received back.
// Events are taken from the event buffer, one fragment after the other
// from offset zero.
//
// Loopback returns the number of reported events. It stops early, without
// error, when the report ring is full.
func (dev *Device) Loopback(ch int) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if ch < 0 || ch >= len(dev.chans) {
		return 0, fmt.Errorf("sim: invalid channel %d", ch)
	}
	c := dev.chans[ch]
	if dev.getc(c, regs.EG_CTRL)&regs.O_EG_ENABLE == 0 {
		return 0, fmt.Errorf("sim: ch=%d: event generator: %w", ch, ErrDisabled)
	}
	r, err := dev.ring(c)
	if err != nil {
		return 0, err
	}

	var n int
	for len(c.fifo) > 0 && r.rbFree(c) > 0 {
		size := c.fifo[0] & dma.SizeMask
		err = dev.report(c, r, dma.Report{
			Offset:   uint64(c.wr.eb),
			Reported: size,
			Calc:     size,
		})
		if err != nil {
			return n, err
		}
		c.fifo = c.fifo[1:]
		c.wr.eb = (c.wr.eb + roundUp(4*int64(size), r.pkt)) % r.ebSize
		n++
	}
	dev.syncFIFO(c)
	dev.put64(c, regs.EBDM_HW_WRITE_POINTER_L, c.wr.eb)
	return n, nil
}

// report writes rep into the next slot of the report ring.
// The calculated size is written last.
func (dev *Device) report(c *channel, r ring, rep dma.Report) error {
	var (
		slot = c.wr.slot
		off  = slot * dma.ReportSize
		raw  [dma.ReportSize]byte
	)
	binary.LittleEndian.PutUint64(raw[0:], rep.Offset)
	binary.LittleEndian.PutUint32(raw[8:], rep.Reported)

	err := dev.dmaWrite(c.sg[dma.ReportBuffer], r.rbSize, off, raw[:])
	if err != nil {
		return err
	}

	addr, _, err := physAddr(c.sg[dma.ReportBuffer], r.rbSize, off+12)
	if err != nil {
		return err
	}
	mem, boff, err := dev.resolve(addr)
	if err != nil {
		return err
	}
	mem.PutU32(boff, rep.Calc)

	c.wr.slot = (slot + 1) % r.nslots
	dev.put64(c, regs.RBDM_HW_WRITE_POINTER_L, c.wr.slot*dma.ReportSize)
	return nil
}

// physAddr walks the latched descriptors to find the physical address of
// the ring offset off, and the number of contiguous bytes from there.
func physAddr(sg []dma.SGEntry, size, off int64) (uint64, int64, error) {
	off %= size
	for _, e := range sg {
		if off < int64(e.Len) {
			return e.Addr + uint64(off), int64(e.Len) - off, nil
		}
		off -= int64(e.Len)
	}
	return 0, 0, fmt.Errorf("sim: ring offset 0x%x not covered by descriptors", off)
}

// resolve finds the host buffer mapping the physical address addr.
func (dev *Device) resolve(addr uint64) (dma.Memory, int64, error) {
	for _, buf := range dev.host {
		off, err := buf.Offset(addr)
		if err == nil {
			return buf.Memory(), off, nil
		}
	}
	return nil, 0, fmt.Errorf("%w 0x%x", errNoHost, addr)
}

// dmaWrite copies p into the ring described by sg, starting at the ring
// offset off, one physically contiguous chunk at a time.
func (dev *Device) dmaWrite(sg []dma.SGEntry, size, off int64, p []byte) error {
	for len(p) > 0 {
		addr, n, err := physAddr(sg, size, off)
		if err != nil {
			return err
		}
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		mem, boff, err := dev.resolve(addr)
		if err != nil {
			return err
		}
		mem.Copy(boff, p[:n])
		p = p[n:]
		off = (off + n) % size
	}
	return nil
}
