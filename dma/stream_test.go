// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/internal/sim"
	"golang.org/x/sys/unix"
)

func words(id uint32, n int) []uint32 {
	ws := make([]uint32, n)
	ws[0] = 0xffffffff
	ws[1] = id & 0xfff
	ws[2] = id >> 12
	for i := 3; i < n; i++ {
		ws[i] = uint32(i)
	}
	return ws
}

func newStream(t *testing.T, r *rig) *dma.Stream {
	t.Helper()
	s, err := dma.NewStream(r.ch)
	if err != nil {
		t.Fatalf("could not create stream: %+v", err)
	}
	return s
}

func TestStreamNextEvent(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, 4*page, page, 64)
		s    = newStream(t, r)
	)

	_, err := s.NextEvent()
	if !errors.Is(err, dma.ErrNoEvent) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrNoEvent)
	}

	err = r.dev.Inject(1, sim.Event{Words: words(0x12345, 12)})
	if err != nil {
		t.Fatalf("could not inject event: %+v", err)
	}

	evt, err := s.NextEvent()
	if err != nil {
		t.Fatalf("could not get event: %+v", err)
	}
	if got, want := evt.Words(), 12; got != want {
		t.Fatalf("invalid event size: got=%d, want=%d", got, want)
	}
	if got, want := evt.ID(), uint32(0x12345); got != want {
		t.Fatalf("invalid event id: got=0x%x, want=0x%x", got, want)
	}
	if got, want := evt.Word(11), uint32(11); got != want {
		t.Fatalf("invalid last word: got=%d, want=%d", got, want)
	}
	if got, want := evt.EOE, uint32(12); got != want {
		t.Fatalf("invalid end-of-event word: got=%d, want=%d", got, want)
	}

	// the outstanding event is handed out again until released.
	again, err := s.NextEvent()
	if err != nil {
		t.Fatalf("could not get event: %+v", err)
	}
	if again.Ref != evt.Ref {
		t.Fatalf("invalid reference: got=%v, want=%v", again.Ref, evt.Ref)
	}
	if st := s.Status(); st.Index != 0 {
		t.Fatalf("polling position advanced before release: %d", st.Index)
	}

	s.UpdateStatus(evt.Report)
	err = s.Release(evt.Ref)
	if err != nil {
		t.Fatalf("could not release event: %+v", err)
	}

	st := s.Status()
	if st.Index != 1 || st.NEvents != 1 || st.Bytes != 48 || st.SetOffset != 1 {
		t.Fatalf("invalid status: %v", st)
	}
	if st.Channel != 1 {
		t.Fatalf("invalid channel: got=%d, want=1", st.Channel)
	}
	if got := r.rb.Memory().U32(12); got != 0 {
		t.Fatalf("report slot not cleared: calc=0x%x", got)
	}
	eb, rb := r.dev.ReadPointers(1)
	if eb != 48 || rb != 0 {
		t.Fatalf("invalid published offsets: eb=0x%x, rb=0x%x", eb, rb)
	}

	_, err = s.NextEvent()
	if !errors.Is(err, dma.ErrNoEvent) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrNoEvent)
	}
}

func TestStreamDoubleRelease(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, 4*page, page, 64)
		s    = newStream(t, r)
	)

	for i := 0; i < 2; i++ {
		err := r.dev.Inject(1, sim.Event{Words: words(uint32(i), 10)})
		if err != nil {
			t.Fatalf("could not inject event: %+v", err)
		}
	}

	evt, err := s.NextEvent()
	if err != nil {
		t.Fatalf("could not get event: %+v", err)
	}
	err = s.Release(evt.Ref)
	if err != nil {
		t.Fatalf("could not release event: %+v", err)
	}
	err = s.Release(evt.Ref)
	if !errors.Is(err, dma.ErrInvalidRef) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrInvalidRef)
	}

	// protocol errors stop the stream.
	_, err = s.NextEvent()
	if !errors.Is(err, dma.ErrInvalidRef) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrInvalidRef)
	}
	if !errors.Is(s.Err(), dma.ErrInvalidRef) {
		t.Fatalf("invalid sticky error: got=%v, want=%v", s.Err(), dma.ErrInvalidRef)
	}
}

func TestStreamStaleRef(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, 4*page, page, 64)
		s    = newStream(t, r)
	)

	err := r.dev.Inject(1, sim.Event{Words: words(0, 10)})
	if err != nil {
		t.Fatalf("could not inject event: %+v", err)
	}

	var ref dma.Ref
	err = s.Release(ref)
	if !errors.Is(err, dma.ErrInvalidRef) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrInvalidRef)
	}
}

func TestStreamRingWrap(t *testing.T) {
	var (
		page   = int64(unix.Getpagesize())
		r      = newRig(t, 8*page, page, 64)
		s      = newStream(t, r)
		nslots = s.Slots()
	)

	release := func(n int64) {
		t.Helper()
		for i := int64(0); i < n; i++ {
			err := r.dev.Inject(1, sim.Event{Words: words(uint32(i), 9)})
			if err != nil {
				t.Fatalf("could not inject event %d: %+v", i, err)
			}
			evt, err := s.NextEvent()
			if err != nil {
				t.Fatalf("could not get event %d: %+v", i, err)
			}
			s.UpdateStatus(evt.Report)
			err = s.Release(evt.Ref)
			if err != nil {
				t.Fatalf("could not release event %d: %+v", i, err)
			}
		}
	}

	const extra = 5
	release(extra)
	idx := s.Status().Index
	if idx != extra%nslots {
		t.Fatalf("invalid index: got=%d, want=%d", idx, extra%nslots)
	}

	release(3 * nslots)
	if got := s.Status().Index; got != idx {
		t.Fatalf("invalid index after %d releases: got=%d, want=%d", 3*nslots+extra, got, idx)
	}
	if got, want := s.Status().NEvents, uint64(3*nslots+extra); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}

	_, rb := r.dev.ReadPointers(1)
	if got, want := rb, ((idx-1+nslots)%nslots)*dma.ReportSize; got != want {
		t.Fatalf("invalid report-buffer offset: got=0x%x, want=0x%x", got, want)
	}
}

func TestStreamEventBufferWrap(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, page, page, 64)
		s    = newStream(t, r)
		size = r.eb.Size()
	)

	// events occupy 192-byte fragments: one of them eventually straddles
	// the end of the event buffer.
	n := 40
	for i := 0; ; i++ {
		evt := sim.Event{Words: words(uint32(i), n)}
		err := r.dev.Inject(1, evt)
		if err != nil {
			t.Fatalf("could not inject event %d: %+v", i, err)
		}
		e, err := s.NextEvent()
		if err != nil {
			t.Fatalf("could not get event %d: %+v", i, err)
		}
		off := int64(e.Report.Offset)
		s.UpdateStatus(e.Report)
		err = s.Release(e.Ref)
		if err != nil {
			t.Fatalf("could not release event %d: %+v", i, err)
		}

		eb, _ := r.ch.BufferOffsets()
		if eb >= size {
			t.Fatalf("published offset out of range: 0x%x", eb)
		}

		end := off + int64(4*n)
		if end <= size {
			if eb != end%size {
				t.Fatalf("invalid offset: got=0x%x, want=0x%x", eb, end%size)
			}
			continue
		}

		if got, want := eb, end-size; got != want {
			t.Fatalf("invalid wrapped offset: got=0x%x, want=0x%x", got, want)
		}
		if got, want := e.ID(), uint32(i); got != want {
			t.Fatalf("invalid straddling event id: got=%d, want=%d", got, want)
		}
		if got, want := e.Word(n-1), uint32(n-1); got != want {
			t.Fatalf("invalid straddling last word: got=%d, want=%d", got, want)
		}
		break
	}
}

func TestStreamPoll(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, 8*page, page, 64)
		s    = newStream(t, r)
	)

	n, err := s.Poll(0, func(evt dma.Event, st *dma.Status) error {
		return fmt.Errorf("unexpected event")
	})
	if err != nil || n != 0 {
		t.Fatalf("invalid empty poll: n=%d, err=%v", n, err)
	}

	for i := 0; i < 10; i++ {
		err := r.dev.Inject(1, sim.Event{Words: words(uint32(i), 16)})
		if err != nil {
			t.Fatalf("could not inject event %d: %+v", i, err)
		}
	}

	var ids []uint32
	n, err = s.Poll(4, func(evt dma.Event, st *dma.Status) error {
		ids = append(ids, evt.ID())
		return nil
	})
	if err != nil {
		t.Fatalf("could not poll: %+v", err)
	}
	if n != 4 {
		t.Fatalf("invalid number of events: got=%d, want=4", n)
	}

	errBoom := errors.New("boom")
	n, err = s.Poll(0, func(evt dma.Event, st *dma.Status) error {
		if evt.ID() == 7 {
			return errBoom
		}
		ids = append(ids, evt.ID())
		return nil
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("invalid error: got=%v, want=%v", err, errBoom)
	}
	if n != 3 {
		t.Fatalf("invalid number of events: got=%d, want=3", n)
	}

	st := s.Status()
	if st.Index != 7 || st.NEvents != 7 || st.SetOffset != 2 || st.MinEPI != 3 || st.MaxEPI != 4 {
		t.Fatalf("invalid status: %v", st)
	}
	if _, rb := r.dev.ReadPointers(1); rb != 6*dma.ReportSize {
		t.Fatalf("invalid report-buffer offset: got=0x%x, want=0x%x", rb, 6*dma.ReportSize)
	}
	// the failed event is still in the ring.
	if got := r.rb.Memory().U32(7*dma.ReportSize + 12); got == 0 {
		t.Fatalf("failed event was cleared")
	}
	for i := 0; i < 7; i++ {
		if got := r.rb.Memory().U32(int64(i)*dma.ReportSize + 12); got != 0 {
			t.Fatalf("slot %d not cleared", i)
		}
	}

	// redelivery.
	n, err = s.Poll(0, func(evt dma.Event, st *dma.Status) error {
		ids = append(ids, evt.ID())
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("invalid poll: n=%d, err=%v", n, err)
	}

	for i, id := range ids {
		if id != uint32(i) {
			t.Fatalf("invalid delivery order: %v", ids)
		}
	}
	if len(ids) != 10 {
		t.Fatalf("invalid number of delivered events: %v", ids)
	}
}

func TestStreamPollWrap(t *testing.T) {
	var (
		page   = int64(unix.Getpagesize())
		r      = newRig(t, 8*page, page, 64)
		s      = newStream(t, r)
		nslots = s.Slots()
		ids    []uint32
		id     uint32
	)

	collect := func(evt dma.Event, st *dma.Status) error {
		ids = append(ids, evt.ID())
		return nil
	}

	// move close to the end of the report ring.
	for i := int64(0); i < nslots-3; i++ {
		err := r.dev.Inject(1, sim.Event{Words: words(id, 9)})
		if err != nil {
			t.Fatalf("could not inject event: %+v", err)
		}
		id++
	}
	_, err := s.Poll(0, collect)
	if err != nil {
		t.Fatalf("could not poll: %+v", err)
	}

	for i := 0; i < 6; i++ {
		err := r.dev.Inject(1, sim.Event{Words: words(id, 9)})
		if err != nil {
			t.Fatalf("could not inject event: %+v", err)
		}
		id++
	}
	n, err := s.Poll(0, collect)
	if err != nil {
		t.Fatalf("could not poll: %+v", err)
	}
	if n != 6 {
		t.Fatalf("invalid number of events: got=%d, want=6", n)
	}
	if got, want := s.Status().Index, int64(3); got != want {
		t.Fatalf("invalid index: got=%d, want=%d", got, want)
	}
	for i := int64(0); i < nslots; i++ {
		if got := r.rb.Memory().U32(i*dma.ReportSize + 12); got != 0 {
			t.Fatalf("slot %d not cleared", i)
		}
	}
	if got, want := len(ids), int(nslots+3); got != want {
		t.Fatalf("invalid number of events: got=%d, want=%d", got, want)
	}
	for i, v := range ids {
		if v != uint32(i) {
			t.Fatalf("invalid delivery order at %d: got=%d", i, v)
		}
	}
}

func TestStreamPollOutstanding(t *testing.T) {
	var (
		page = int64(unix.Getpagesize())
		r    = newRig(t, 4*page, page, 64)
		s    = newStream(t, r)
	)
	err := r.dev.Inject(1, sim.Event{Words: words(0, 10)})
	if err != nil {
		t.Fatalf("could not inject event: %+v", err)
	}
	_, err = s.NextEvent()
	if err != nil {
		t.Fatalf("could not get event: %+v", err)
	}
	_, err = s.Poll(0, func(dma.Event, *dma.Status) error { return nil })
	if !errors.Is(err, dma.ErrInvalidRef) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrInvalidRef)
	}
}

func TestNewStreamInvalid(t *testing.T) {
	_, err := dma.NewStream(nil)
	if !errors.Is(err, dma.ErrConfig) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrConfig)
	}

	dev := sim.New(1)
	ch, err := dma.NewChannel(dev, 0)
	if err != nil {
		t.Fatalf("could not create channel: %+v", err)
	}
	_, err = dma.NewStream(ch)
	if !errors.Is(err, dma.ErrConfig) {
		t.Fatalf("invalid error: got=%v, want=%v", err, dma.ErrConfig)
	}
}
