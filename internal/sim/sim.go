// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim simulates the DMA engines of a RORC device.
//
// The simulated device exposes the register file of the real hardware.
// It latches the scatter-gather descriptors written by the driver, echoes
// the buffer sizes, latches the software read pointers on the sync strobe,
// keeps the busy flag raised for a while after a disable and implements
// the event-length FIFO of the event generator.
// Events are transferred into host memory by resolving the latched
// physical addresses against the attached host buffers.
package sim // import "github.com/go-lpc/rorc/internal/sim"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/internal/regs"
)

var (
	ErrFull     = errors.New("sim: ring full")
	ErrDisabled = errors.New("sim: DMA engine disabled")
	errRegister = errors.New("sim: invalid register offset")
	errNoHost   = errors.New("sim: no host memory at address")
)

type config struct {
	msg   *log.Logger
	sgEB  int
	sgRB  int
	depth int
	busy  int
}

func newConfig() config {
	return config{
		msg:   log.New(io.Discard, "sim: ", 0),
		sgEB:  2048,
		sgRB:  64,
		depth: 512,
		busy:  2,
	}
}

// Option configures a simulated device.
type Option func(*config)

// WithLogger sets the logger of the device.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithSGCapacity sets the number of entries of the event-buffer and the
// report-buffer descriptor RAMs.
func WithSGCapacity(eb, rb int) Option {
	return func(cfg *config) {
		cfg.sgEB = eb
		cfg.sgRB = rb
	}
}

// WithFIFODepth sets the capacity of the event-length FIFO.
func WithFIFODepth(n int) Option {
	return func(cfg *config) {
		cfg.depth = n
	}
}

// WithBusyReads sets the number of DMA_CTRL reads for which the busy flag
// stays raised after the engines are disabled.
// A negative value keeps the flag raised forever.
func WithBusyReads(n int) Option {
	return func(cfg *config) {
		cfg.busy = n
	}
}

// Device is a simulated RORC device.
// It implements the dma.Registers interface.
type Device struct {
	mu  sync.Mutex
	cfg config
	msg *log.Logger

	regs  []byte
	chans []*channel
	host  []dma.Buffer
	err   error
}

type channel struct {
	id   int
	sg   [2][]dma.SGEntry // latched descriptors, by target
	busy int
	fifo []uint32
	over int // number of lengths dropped by a full FIFO

	wr struct {
		eb   int64 // event-buffer write position
		slot int64 // report-ring write slot
	}
	rd struct {
		eb int64 // latched software read pointers
		rb int64
	}
}

// New returns a simulated device with nchans DMA channels.
func New(nchans int, opts ...Option) *Device {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	dev := &Device{
		cfg:   cfg,
		msg:   cfg.msg,
		regs:  make([]byte, regs.ChannelBase(nchans)),
		chans: make([]*channel, nchans),
	}
	dev.put(regs.FW_TYPE_CHANNELS, uint32(nchans)&0xffff)
	for i := range dev.chans {
		ch := &channel{id: i}
		dev.chans[i] = ch
		dev.putc(ch, regs.SG_MAX_ENTRIES, uint32(cfg.sgRB)<<regs.SHIFT_SG_MAX_RB|uint32(cfg.sgEB))
		dev.syncFIFO(ch)
	}
	return dev
}

// Attach makes the buffers reachable by the DMA engines of the device.
func (dev *Device) Attach(bufs ...dma.Buffer) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.host = append(dev.host, bufs...)
}

// Err returns the first invalid register access.
func (dev *Device) Err() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.err
}

func (dev *Device) check(off, n int64) bool {
	if dev.err != nil {
		return false
	}
	if off < 0 || off+n > int64(len(dev.regs)) {
		dev.err = fmt.Errorf("%w 0x%x", errRegister, off)
		return false
	}
	return true
}

func (dev *Device) get(off int64) uint32 {
	return binary.LittleEndian.Uint32(dev.regs[off:])
}

func (dev *Device) put(off int64, v uint32) {
	binary.LittleEndian.PutUint32(dev.regs[off:], v)
}

func (dev *Device) getc(ch *channel, reg int64) uint32 {
	return dev.get(regs.ChannelBase(ch.id) + reg)
}

func (dev *Device) putc(ch *channel, reg int64, v uint32) {
	dev.put(regs.ChannelBase(ch.id)+reg, v)
}

func (dev *Device) get64(ch *channel, reg int64) int64 {
	lo := dev.getc(ch, reg)
	hi := dev.getc(ch, reg+4)
	return int64(uint64(hi)<<32 | uint64(lo))
}

func (dev *Device) put64(ch *channel, reg int64, v int64) {
	dev.putc(ch, reg, uint32(v))
	dev.putc(ch, reg+4, uint32(uint64(v)>>32))
}

// channel returns the channel whose register file holds off, and the
// register offset within that file.
func (dev *Device) channel(off int64) (*channel, int64) {
	i := int(off/regs.CHANNEL_SPAN) - 1
	if i < 0 || i >= len(dev.chans) {
		return nil, off
	}
	return dev.chans[i], off % regs.CHANNEL_SPAN
}

func (dev *Device) ReadU32(off int64) uint32 {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.check(off, 4) {
		return 0
	}
	v := dev.get(off)
	ch, reg := dev.channel(off)
	if ch != nil && reg == regs.DMA_CTRL && ch.busy != 0 {
		v |= regs.O_DMA_BUSY
		if ch.busy > 0 {
			ch.busy--
		}
	}
	return v
}

func (dev *Device) ReadU16(off int64) uint16 {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.check(off, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(dev.regs[off:])
}

func (dev *Device) WriteU32(off int64, v uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.check(off, 4) {
		return
	}
	dev.write(off, v)
}

func (dev *Device) WriteU16(off int64, v uint16) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.check(off, 2) {
		return
	}
	word := off &^ 3
	w := dev.get(word)
	shift := 8 * uint(off-word)
	w = w&^(0xffff<<shift) | uint32(v)<<shift
	dev.write(word, w)
}

func (dev *Device) WriteBlock(off int64, p []byte) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.check(off, int64(len(p))) {
		return
	}
	if off%4 != 0 || len(p)%4 != 0 {
		dev.err = fmt.Errorf("sim: unaligned block write at 0x%x (len=%d)", off, len(p))
		return
	}
	for i := 0; i < len(p); i += 4 {
		dev.write(off+int64(i), binary.LittleEndian.Uint32(p[i:]))
	}
}

// write stores v at the register offset off and runs the side effects of
// the register.
func (dev *Device) write(off int64, v uint32) {
	ch, reg := dev.channel(off)
	if ch == nil {
		if off < regs.CHANNEL_SPAN {
			// global registers are read-only.
			return
		}
		dev.put(off, v)
		return
	}

	switch reg {
	case regs.SG_MAX_ENTRIES, regs.EG_FIFO_FILL,
		regs.EBDM_HW_WRITE_POINTER_L, regs.EBDM_HW_WRITE_POINTER_H,
		regs.RBDM_HW_WRITE_POINTER_L, regs.RBDM_HW_WRITE_POINTER_H:
		// read-only.
		return

	case regs.SGENTRY_CTRL:
		dev.put(off, v)
		dev.latchSG(ch, v)

	case regs.DMA_CTRL:
		old := dev.get(off)
		ctrl := v &^ (regs.O_SYNC_PTRS | regs.O_DMA_BUSY)
		dev.put(off, ctrl)
		if v&regs.O_SYNC_PTRS != 0 {
			ch.rd.eb = dev.get64(ch, regs.EBDM_SW_READ_POINTER_L)
			ch.rd.rb = dev.get64(ch, regs.RBDM_SW_READ_POINTER_L)
		}
		if old&regs.O_ENABLE_ALL != 0 && ctrl&regs.O_ENABLE_ALL == 0 {
			ch.busy = dev.cfg.busy
		}

	case regs.EG_EVENT_LENGTH:
		dev.put(off, v)
		if len(ch.fifo) >= dev.cfg.depth {
			ch.over++
			dev.msg.Printf("ch=%d: event-length FIFO overflow", ch.id)
			return
		}
		ch.fifo = append(ch.fifo, v)
		dev.syncFIFO(ch)

	default:
		dev.put(off, v)
	}
}

func (dev *Device) latchSG(ch *channel, ctrl uint32) {
	if ctrl&regs.O_SG_WRITE_ENABLE == 0 {
		return
	}
	t := dma.EventBuffer
	if ctrl&regs.O_SG_TARGET_RB != 0 {
		t = dma.ReportBuffer
	}
	var (
		slot = int(ctrl & regs.MASK_SG_SLOT)
		addr = uint64(dev.getc(ch, regs.SGENTRY_ADDR_HIGH))<<32 | uint64(dev.getc(ch, regs.SGENTRY_ADDR_LOW))
		n    = uint64(dev.getc(ch, regs.SGENTRY_LEN))
		sg   = ch.sg[t]
	)
	for len(sg) <= slot {
		sg = append(sg, dma.SGEntry{})
	}
	sg[slot] = dma.SGEntry{Addr: addr, Len: n}
	if n == 0 {
		// terminator.
		sg = sg[:slot]
	}
	ch.sg[t] = sg
}

func (dev *Device) syncFIFO(ch *channel) {
	v := uint32(len(ch.fifo))&0xffff | uint32(dev.cfg.depth)<<16
	dev.putc(ch, regs.EG_FIFO_FILL, v)
}

// SGList returns the descriptors latched by the channel for the target.
func (dev *Device) SGList(ch int, t dma.Target) []dma.SGEntry {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]dma.SGEntry(nil), dev.chans[ch].sg[t]...)
}

// ReadPointers returns the software read pointers latched by the channel.
func (dev *Device) ReadPointers(ch int) (eb, rb int64) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	c := dev.chans[ch]
	return c.rd.eb, c.rd.rb
}

// FIFO returns the lengths queued in the event-length FIFO of the channel,
// and the number of lengths dropped because the FIFO was full.
func (dev *Device) FIFO(ch int) (lens []uint32, dropped int) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	c := dev.chans[ch]
	return append([]uint32(nil), c.fifo...), c.over
}

// SetFIFOFill forces the occupancy of the event-length FIFO of the channel,
// as if n lengths were queued.
func (dev *Device) SetFIFOFill(ch, n int) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	c := dev.chans[ch]
	c.fifo = make([]uint32, n)
	dev.syncFIFO(c)
}
