// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/go-lpc/rorc/internal/regs"
)

// MaxPacketSize is the largest PCIe payload and read-request size, in bytes,
// the DMA engine supports.
const MaxPacketSize = 1024

// Channel binds one DMA engine of the device to an event buffer and a
// report buffer.
type Channel struct {
	cfg  config
	msg  *log.Logger
	regs Registers
	id   int
	base int64

	eb   Buffer
	rb   Buffer
	pkt  uint32 // max payload size, in bytes
	mrrs uint32 // max read-request size, in bytes
	ctrl uint32 // shadow of the DMA_CTRL enable bits

	mu  sync.Mutex // guards off, read by event generators
	off struct {
		eb int64 // last published event-buffer read pointer
		rb int64 // last published report-buffer read pointer
	}
}

// NewChannel returns the DMA channel id of the device behind r.
func NewChannel(r Registers, id int, opts ...Option) (*Channel, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	n := int(r.ReadU32(regs.FW_TYPE_CHANNELS) & 0xffff)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("dma: could not read number of channels: %w", err)
	}
	if id < 0 || id >= n {
		return nil, fmt.Errorf(
			"dma: invalid channel %d (device has %d channels): %w",
			id, n, ErrInvalidParameter,
		)
	}

	return &Channel{
		cfg:  cfg,
		msg:  cfg.msg,
		regs: r,
		id:   id,
		base: regs.ChannelBase(id),
	}, nil
}

// ID returns the channel index on the device.
func (ch *Channel) ID() int { return ch.id }

// Device returns the device index the channel belongs to.
func (ch *Channel) Device() int { return ch.cfg.dev }

// EventBuffer returns the event buffer attached to the channel.
func (ch *Channel) EventBuffer() Buffer { return ch.eb }

// ReportBuffer returns the report buffer attached to the channel.
func (ch *Channel) ReportBuffer() Buffer { return ch.rb }

// PacketSize returns the configured max payload size, in bytes.
func (ch *Channel) PacketSize() uint32 { return ch.pkt }

// BufferOffsets returns the read pointers last published to the device.
// It may be called concurrently with SetBufferOffsets.
func (ch *Channel) BufferOffsets() (eb, rb int64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.off.eb, ch.off.rb
}

func checkPacketSize(name string, v uint32) error {
	if v == 0 || v%4 != 0 || v > MaxPacketSize {
		return fmt.Errorf(
			"dma: invalid %s %d (want a multiple of 4 in [4, %d]): %w",
			name, v, MaxPacketSize, ErrInvalidParameter,
		)
	}
	return nil
}

// Configure attaches the event buffer eb and the report buffer rb to the
// channel, programs both descriptor RAMs and initializes the read pointers.
//
// All parameters are validated before the device is touched.
func (ch *Channel) Configure(eb, rb Buffer, maxPayload, maxReadReq uint32) error {
	if err := checkPacketSize("max payload size", maxPayload); err != nil {
		return err
	}
	if err := checkPacketSize("max read-request size", maxReadReq); err != nil {
		return err
	}

	ebSize, rbSize := eb.Size(), rb.Size()
	switch {
	case ebSize%4 != 0 || ebSize <= int64(maxPayload):
		return fmt.Errorf("dma: invalid event buffer size %d: %w", ebSize, ErrInvalidParameter)
	case rbSize%4 != 0 || rbSize < 2*ReportSize:
		return fmt.Errorf("dma: invalid report buffer size %d: %w", rbSize, ErrInvalidParameter)
	}

	if err := ch.checkSG(eb, EventBuffer); err != nil {
		return err
	}
	if err := ch.checkSG(rb, ReportBuffer); err != nil {
		return err
	}

	ch.msg.Printf(
		"configure ch=%d eb=%d bytes (%d sg) rb=%d bytes (%d sg) pkt=%d mrrs=%d",
		ch.id, ebSize, len(eb.SGList()), rbSize, len(rb.SGList()),
		maxPayload, maxReadReq,
	)

	err := ch.programSG(eb, EventBuffer)
	if err != nil {
		return err
	}
	err = ch.programSG(rb, ReportBuffer)
	if err != nil {
		return err
	}

	ch.writeU64(regs.EBDM_BUFFER_SIZE_L, uint64(ebSize))
	ch.writeU64(regs.RBDM_BUFFER_SIZE_L, uint64(rbSize))
	ch.regs.WriteU32(
		ch.base+regs.DMA_PKT_SIZE,
		(maxPayload>>2)&regs.MASK_PKT_SIZE|
			((maxReadReq>>2)&regs.MASK_PKT_SIZE)<<regs.SHIFT_PKT_READ_REQ,
	)

	var (
		ebHW = ch.readU64(regs.EBDM_BUFFER_SIZE_L)
		rbHW = ch.readU64(regs.RBDM_BUFFER_SIZE_L)
	)
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not configure channel %d: %w", ch.id, err)
	}
	if ebHW != uint64(ebSize) || rbHW != uint64(rbSize) {
		return fmt.Errorf(
			"dma: channel %d buffer sizes mismatch (eb=%d|%d, rb=%d|%d): %w",
			ch.id, ebHW, ebSize, rbHW, rbSize, ErrConfig,
		)
	}

	ch.eb = eb
	ch.rb = rb
	ch.pkt = maxPayload
	ch.mrrs = maxReadReq

	// park the read pointers at the end of both rings, so the first
	// hardware writes from offset zero are legal.
	return ch.SetBufferOffsets(ebSize-int64(maxPayload), rbSize-ReportSize)
}

// SetBufferOffsets publishes new software read pointers for the event and
// the report buffers, and strobes the device to latch both.
func (ch *Channel) SetBufferOffsets(eb, rb int64) error {
	if ch.eb == nil || ch.rb == nil {
		return fmt.Errorf("dma: channel %d has no buffers attached: %w", ch.id, ErrConfig)
	}
	if eb < 0 || eb >= ch.eb.Size() || rb < 0 || rb >= ch.rb.Size() {
		return fmt.Errorf(
			"dma: invalid buffer offsets eb=0x%x rb=0x%x: %w",
			eb, rb, ErrInvalidParameter,
		)
	}

	var raw [16]byte
	binary.LittleEndian.PutUint64(raw[0:8], uint64(eb))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(rb))
	ch.regs.WriteBlock(ch.base+regs.EBDM_SW_READ_POINTER_L, raw[:])
	ch.regs.WriteU32(ch.base+regs.DMA_CTRL, ch.ctrl|regs.O_SYNC_PTRS)

	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not publish buffer offsets: %w", err)
	}
	ch.mu.Lock()
	ch.off.eb = eb
	ch.off.rb = rb
	ch.mu.Unlock()
	return nil
}

// Enable starts the event-buffer, report-buffer and packetizer engines.
func (ch *Channel) Enable() error {
	ch.ctrl |= regs.O_ENABLE_ALL
	ch.regs.WriteU32(ch.base+regs.DMA_CTRL, ch.ctrl)
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not enable channel %d: %w", ch.id, err)
	}
	return nil
}

// Disable stops the DMA engines. The engines may still be busy on return:
// use WaitIdle before releasing the buffers.
func (ch *Channel) Disable() error {
	ch.ctrl &^= regs.O_ENABLE_ALL
	ch.regs.WriteU32(ch.base+regs.DMA_CTRL, ch.ctrl)
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not disable channel %d: %w", ch.id, err)
	}
	return nil
}

// Busy returns whether the DMA engine is still transferring data.
func (ch *Channel) Busy() bool {
	return ch.regs.ReadU32(ch.base+regs.DMA_CTRL)&regs.O_DMA_BUSY != 0
}

// WaitIdle polls the busy flag until it clears.
// The outcome is decided by the last read of the flag.
func (ch *Channel) WaitIdle() error {
	var (
		cnt  = 0
		max  = ch.cfg.busy.retries
		busy = ch.Busy()
	)
	for busy && cnt < max {
		time.Sleep(ch.cfg.busy.sleep)
		cnt++
		busy = ch.Busy()
	}
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not read busy flag of channel %d: %w", ch.id, err)
	}
	if busy {
		return fmt.Errorf("dma: channel %d still busy after %d polls: %w", ch.id, cnt, ErrTimeout)
	}
	return nil
}

// EnableGenerator switches the event generator of the channel on or off.
func (ch *Channel) EnableGenerator(on bool) error {
	var v uint32
	if on {
		v = regs.O_EG_ENABLE
	}
	ch.regs.WriteU32(ch.base+regs.EG_CTRL, v)
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not switch event generator of channel %d: %w", ch.id, err)
	}
	return nil
}

// EventFIFO returns the occupancy and the capacity of the event-length FIFO.
func (ch *Channel) EventFIFO() (fill, depth int) {
	fill = int(ch.regs.ReadU16(ch.base + regs.EG_FIFO_FILL))
	depth = int(ch.regs.ReadU16(ch.base + regs.EG_FIFO_DEPTH))
	return fill, depth
}

// PushEventLength queues an event of n DWs for transmission.
func (ch *Channel) PushEventLength(n uint32) error {
	ch.regs.WriteU32(ch.base+regs.EG_EVENT_LENGTH, n)
	if err := ch.regs.Err(); err != nil {
		return fmt.Errorf("dma: could not push event length: %w", err)
	}
	return nil
}

// Close stops the engines, waits for them to drain and detaches the buffers.
func (ch *Channel) Close() error {
	if ch.eb == nil {
		return nil
	}

	err := ch.Disable()
	if err != nil {
		return err
	}
	err = ch.WaitIdle()
	if err != nil {
		return err
	}

	var (
		errEB = ch.eb.Close()
		errRB = ch.rb.Close()
	)
	ch.eb = nil
	ch.rb = nil

	if errEB != nil {
		return fmt.Errorf("dma: could not detach event buffer: %w", errEB)
	}
	if errRB != nil {
		return fmt.Errorf("dma: could not detach report buffer: %w", errRB)
	}
	return nil
}

// DumpRegisters writes the register file of the channel to w.
func (ch *Channel) DumpRegisters(w io.Writer) error {
	var (
		buf    = bufio.NewWriter(w)
		err    error
		printf = func(format string, args ...interface{}) {
			_, e := fmt.Fprintf(buf, format, args...)
			if err == nil {
				err = e
			}
		}
	)
	defer buf.Flush()

	printf("---- channel %d registers -------\n", ch.id)
	printf("ebdm.n-sg=        %d\n", ch.regs.ReadU32(ch.base+regs.EBDM_N_SG_CONFIG))
	printf("ebdm.size=        0x%x\n", ch.readU64(regs.EBDM_BUFFER_SIZE_L))
	printf("rbdm.n-sg=        %d\n", ch.regs.ReadU32(ch.base+regs.RBDM_N_SG_CONFIG))
	printf("rbdm.size=        0x%x\n", ch.readU64(regs.RBDM_BUFFER_SIZE_L))
	printf("ebdm.sw-read-ptr= 0x%x\n", ch.readU64(regs.EBDM_SW_READ_POINTER_L))
	printf("rbdm.sw-read-ptr= 0x%x\n", ch.readU64(regs.RBDM_SW_READ_POINTER_L))
	printf("ebdm.hw-write-ptr=0x%x\n", ch.readU64(regs.EBDM_HW_WRITE_POINTER_L))
	printf("rbdm.hw-write-ptr=0x%x\n", ch.readU64(regs.RBDM_HW_WRITE_POINTER_L))
	printf("dma.ctrl=         0x%08x\n", ch.regs.ReadU32(ch.base+regs.DMA_CTRL))
	printf("dma.pkt-size=     0x%08x\n", ch.regs.ReadU32(ch.base+regs.DMA_PKT_SIZE))
	fill, depth := ch.EventFIFO()
	printf("eg.fifo=          %d/%d\n", fill, depth)

	if err == nil {
		err = ch.regs.Err()
	}
	if err != nil {
		return fmt.Errorf("dma: could not dump registers: %w", err)
	}

	err = buf.Flush()
	if err != nil {
		return fmt.Errorf("dma: could not dump registers: %w", err)
	}
	return nil
}

func (ch *Channel) readU64(off int64) uint64 {
	lo := ch.regs.ReadU32(ch.base + off)
	hi := ch.regs.ReadU32(ch.base + off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

func (ch *Channel) writeU64(off int64, v uint64) {
	ch.regs.WriteU32(ch.base+off, uint32(v))
	ch.regs.WriteU32(ch.base+off+4, uint32(v>>32))
}
