// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"encoding/binary"
	"fmt"
	"log"
)

// Ref identifies the event handed out by NextEvent.
// It is only valid until the event is released.
type Ref struct {
	slot int64
	seq  uint64
}

// Event is a completed event, as seen from the report and event rings.
type Event struct {
	Report Report
	Data   []byte // header and payload words, inside the event buffer (no copy)
	EOE    uint32 // word following the event in the event buffer
	Ref    Ref
}

// ID returns the event identifier, carried by the second and third header
// words: bits [11:0] of word 1 and bits [23:0] of word 2.
func (evt Event) ID() uint32 {
	if len(evt.Data) < 12 {
		return 0
	}
	var (
		lo = binary.LittleEndian.Uint32(evt.Data[4:]) & 0xfff
		hi = binary.LittleEndian.Uint32(evt.Data[8:]) & 0xffffff
	)
	return hi<<12 | lo
}

// Word returns the i-th 32-bit word of the event.
func (evt Event) Word(i int) uint32 {
	return binary.LittleEndian.Uint32(evt.Data[4*i:])
}

// Words returns the number of 32-bit words of the event.
func (evt Event) Words() int { return len(evt.Data) / 4 }

// Stream consumes the events of a configured channel, in ring order.
//
// In strict mode (NextEvent/Release), at most one event is outstanding.
// In batch mode (Poll), a contiguous run of ready events is delivered and
// released at once.
// A Stream must be driven from a single goroutine.
type Stream struct {
	cfg config
	msg *log.Logger
	ch  *Channel

	eb     Memory
	rb     Memory
	ebSize int64
	rbSize int64
	nslots int64 // number of whole descriptors in the report ring

	st  Status
	seq uint64 // number of events handed out by NextEvent

	out struct {
		ok  bool
		evt Event
	}

	err error // protocol error, stops the stream
}

// NewStream returns a stream reading the events of the configured channel ch.
func NewStream(ch *Channel, opts ...Option) (*Stream, error) {
	if ch == nil || ch.eb == nil || ch.rb == nil {
		return nil, fmt.Errorf("dma: stream needs a configured channel: %w", ErrConfig)
	}

	cfg := ch.cfg
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Stream{
		cfg:    cfg,
		msg:    cfg.msg,
		ch:     ch,
		eb:     ch.eb.Memory(),
		rb:     ch.rb.Memory(),
		ebSize: ch.eb.Size(),
		rbSize: ch.rb.Size(),
	}
	s.nslots = s.rbSize / ReportSize
	if s.nslots < 2 {
		return nil, fmt.Errorf(
			"dma: report buffer too small (%d bytes): %w",
			s.rbSize, ErrConfig,
		)
	}
	s.st.Device = cfg.dev
	s.st.Channel = ch.id
	s.st.ShadowIndex = s.nslots - 1
	return s, nil
}

// Channel returns the channel the stream reads from.
func (s *Stream) Channel() *Channel { return s.ch }

// Status returns a snapshot of the stream counters.
func (s *Stream) Status() Status { return s.st }

// Slots returns the number of descriptors of the report ring.
func (s *Stream) Slots() int64 { return s.nslots }

// Err returns the protocol error that stopped the stream, if any.
func (s *Stream) Err() error { return s.err }

func (s *Stream) peek(slot int64) Report {
	return readReport(s.rb, slot*ReportSize)
}

func (s *Stream) event(slot int64, rep Report) (Event, error) {
	off := int64(rep.Offset)
	n := rep.Bytes()
	if off < 0 || off >= s.ebSize || n > s.ebSize-4 || off%4 != 0 {
		return Event{}, fmt.Errorf(
			"dma: slot %d describes an event outside the event buffer (%v): %w",
			slot, rep, ErrConfig,
		)
	}
	return Event{
		Report: rep,
		Data:   s.eb.Slice(off, n),
		EOE:    s.eb.U32(off + n),
	}, nil
}

// NextEvent returns the event at the current polling position, without
// consuming it. It returns ErrNoEvent if no event is ready yet.
//
// Until the returned event is released, NextEvent keeps returning it.
func (s *Stream) NextEvent() (Event, error) {
	if s.err != nil {
		return Event{}, s.err
	}
	if s.out.ok {
		return s.out.evt, nil
	}

	slot := s.st.Index
	rep := s.peek(slot)
	if !rep.Ready() {
		return Event{}, ErrNoEvent
	}

	evt, err := s.event(slot, rep)
	if err != nil {
		s.err = err
		return Event{}, err
	}
	s.seq++
	evt.Ref = Ref{slot: slot, seq: s.seq}
	s.out.ok = true
	s.out.evt = evt
	return evt, nil
}

// UpdateStatus accounts for the event described by rep.
// It must be called before the event is released.
func (s *Stream) UpdateStatus(rep Report) {
	s.st.NEvents++
	s.st.Bytes += uint64(rep.Bytes())
}

// Release hands the event identified by ref back to the device.
// The report slot is cleared, the polling position advances and the new
// read pointers are published to the device.
//
// Releasing anything but the outstanding event fails with ErrInvalidRef,
// and stops the stream.
func (s *Stream) Release(ref Ref) error {
	if s.err != nil {
		return s.err
	}
	if !s.out.ok || s.out.evt.Ref != ref {
		s.err = fmt.Errorf(
			"dma: could not release event (slot=%d, seq=%d): %w",
			ref.slot, ref.seq, ErrInvalidRef,
		)
		return s.err
	}

	rep := s.out.evt.Report
	s.rb.Zero(ref.slot*ReportSize, ReportSize)
	s.out.ok = false
	s.out.evt = Event{}

	return s.publish(ref.slot, rep, 1)
}

// publish advances the polling position past the run of n slots ending at
// slot last, whose last event is described by rep.
func (s *Stream) publish(last int64, rep Report, n int64) error {
	s.st.Index = (last + 1) % s.nslots

	ebOff := int64(rep.Offset) + rep.Bytes()
	if ebOff >= s.ebSize {
		ebOff -= s.ebSize
	}
	rbOff := last * ReportSize

	err := s.ch.SetBufferOffsets(ebOff, rbOff)
	if err != nil {
		s.err = fmt.Errorf("dma: could not publish read pointers: %w", err)
		return s.err
	}
	s.st.SetOffset++
	s.st.ShadowIndex = last
	s.st.epi(uint64(n))
	return nil
}

// Poll delivers the contiguous run of ready events starting at the current
// polling position to fn, in ring order, then releases the run at once.
// At most max events are delivered, or the whole ring if max <= 0.
//
// Poll returns the number of released events. If fn fails, the events
// delivered before the failing one are released, the failing one is left
// in the ring and will be delivered again by the next call.
func (s *Stream) Poll(max int, fn func(evt Event, st *Status) error) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.out.ok {
		return 0, fmt.Errorf(
			"dma: could not poll with an outstanding event (slot=%d): %w",
			s.out.evt.Ref.slot, ErrInvalidRef,
		)
	}

	limit := s.nslots - 1
	if max > 0 && int64(max) < limit {
		limit = int64(max)
	}

	var (
		start = s.st.Index
		n     int64
		last  Report
		ferr  error
	)
	for n < limit {
		slot := (start + n) % s.nslots
		rep := s.peek(slot)
		if !rep.Ready() {
			break
		}
		evt, err := s.event(slot, rep)
		if err != nil {
			s.err = err
			ferr = err
			break
		}
		evt.Ref = Ref{slot: slot}
		s.UpdateStatus(rep)
		if err := fn(evt, &s.st); err != nil {
			s.st.NEvents--
			s.st.Bytes -= uint64(rep.Bytes())
			ferr = err
			break
		}
		last = rep
		n++
	}

	if n == 0 {
		return 0, ferr
	}

	// clear the run, in at most two chunks when it wraps.
	first := s.nslots - start
	if n < first {
		first = n
	}
	s.rb.Zero(start*ReportSize, first*ReportSize)
	if rest := n - first; rest > 0 {
		s.rb.Zero(0, rest*ReportSize)
	}

	err := s.publish((start+n-1)%s.nslots, last, n)
	if err != nil {
		return int(n), err
	}
	return int(n), ferr
}
