// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/go-lpc/rorc/dma"
)

var ErrInvalidEventSize = errors.New("event: invalid event size")

// fifoMargin is the number of free entries kept in the event-length FIFO.
const fifoMargin = 10

// Generator writes synthetic events into the event buffer of a channel,
// and queues their lengths for transmission.
type Generator struct {
	msg *log.Logger
	ch  *dma.Channel
	mem dma.Memory

	size int64 // event buffer size
	pkt  int64 // max payload size
	max  int   // max number of events per call

	off int64  // generation offset
	id  uint64 // id of the next event
	buf []byte
}

// NewGenerator returns a generator for the configured channel ch.
func NewGenerator(ch *dma.Channel, opts ...Option) (*Generator, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	eb := ch.EventBuffer()
	if eb == nil || ch.PacketSize() == 0 {
		return nil, fmt.Errorf("event: generator needs a configured channel: %w", dma.ErrConfig)
	}

	return &Generator{
		msg:  cfg.msg,
		ch:   ch,
		mem:  eb.Memory(),
		size: eb.Size(),
		pkt:  int64(ch.PacketSize()),
		max:  cfg.max,
	}, nil
}

// Offset returns the current generation offset in the event buffer.
func (g *Generator) Offset() int64 { return g.off }

// NextID returns the id of the next generated event.
func (g *Generator) NextID() uint64 { return g.id }

// Fill writes as many events of n DWs as the event buffer and the
// event-length FIFO can take, and returns their number.
func (g *Generator) Fill(n uint32) (int, error) {
	if n <= HeaderWords {
		return 0, fmt.Errorf("event: %d DWs leave no room for a header: %w", n, ErrInvalidEventSize)
	}
	var (
		evtBytes = int64(n) * 4
		frag     = (evtBytes + g.pkt - 1) / g.pkt * g.pkt
	)
	if frag >= g.size {
		return 0, fmt.Errorf(
			"event: %d DWs do not fit in event buffer (size=%d): %w",
			n, g.size, ErrInvalidEventSize,
		)
	}

	fill, depth := g.ch.EventFIFO()
	if fill >= depth-fifoMargin {
		return 0, nil
	}

	avail := g.avail()
	if avail-evtBytes <= frag {
		return 0, nil
	}
	nevts := int((avail - frag) / frag)
	if room := depth - fifoMargin - fill; nevts > room {
		nevts = room
	}
	if g.max > 0 && nevts > g.max {
		nevts = g.max
	}

	if int64(len(g.buf)) != evtBytes {
		g.buf = make([]byte, evtBytes)
	}

	for i := 0; i < nevts; i++ {
		g.event(n)
		g.mem.Copy(g.off, g.buf)

		err := g.ch.PushEventLength(n)
		if err != nil {
			return i, fmt.Errorf("event: could not push event %d: %w", g.id, err)
		}

		g.id++
		g.off += frag
		if g.off >= g.size {
			g.off -= g.size
		}
	}
	return nevts, nil
}

// avail returns the number of bytes between the generation offset and the
// event buffer read pointer last published to the device.
func (g *Generator) avail() int64 {
	pub, _ := g.ch.BufferOffsets()
	if pub > g.off {
		return pub - g.off
	}
	return g.size - g.off + pub
}

// event encodes the next event of n DWs into g.buf.
func (g *Generator) event(n uint32) {
	var hdr [HeaderWords]uint32
	putHeader(hdr[:], g.id)
	for i, w := range hdr {
		binary.LittleEndian.PutUint32(g.buf[4*i:], w)
	}
	for i := uint32(HeaderWords); i < n; i++ {
		binary.LittleEndian.PutUint32(g.buf[4*i:], i-HeaderWords)
	}
}

// Synthesize returns the n words of the event id, as written by a
// Generator: a header followed by an incrementing counter.
// Synthesize panics if n is too small to hold a header.
func Synthesize(id uint64, n int) []uint32 {
	if n < HeaderWords {
		panic(fmt.Errorf("event: %d DWs leave no room for a header", n))
	}
	ws := make([]uint32, n)
	putHeader(ws, id)
	for i := HeaderWords; i < n; i++ {
		ws[i] = uint32(i - HeaderWords)
	}
	return ws
}
