// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"log"
	"time"
)

// EventSink receives the events and the periodic status reports of a Loop.
type EventSink interface {
	// OnEvent is called once per event, in ring order.
	// A non-nil error stops the loop, and the event is not released.
	OnEvent(evt Event, st *Status) error
	// OnStatus is called about once per status period.
	OnStatus(tck Tick, st Status)
}

// SinkFuncs adapts a pair of functions to the EventSink interface.
// A nil function is a no-op.
type SinkFuncs struct {
	Event  func(evt Event, st *Status) error
	Status func(tck Tick, st Status)
}

func (fs SinkFuncs) OnEvent(evt Event, st *Status) error {
	if fs.Event == nil {
		return nil
	}
	return fs.Event(evt, st)
}

func (fs SinkFuncs) OnStatus(tck Tick, st Status) {
	if fs.Status == nil {
		return
	}
	fs.Status(tck, st)
}

// Loop polls a stream in batch mode until it is stopped.
type Loop struct {
	cfg config
	msg *log.Logger
	s   *Stream
}

// NewLoop returns an event loop over the stream s.
func NewLoop(s *Stream, opts ...Option) *Loop {
	cfg := s.cfg
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loop{
		cfg: cfg,
		msg: cfg.msg,
		s:   s,
	}
}

// Stream returns the stream driven by the loop.
func (l *Loop) Stream() *Stream { return l.s }

// Run delivers events to sink until ctx is done or an error occurs.
//
// Cancellation is checked once per polling iteration, never in the middle
// of a batch. Run returns nil when stopped through ctx.
func (l *Loop) Run(ctx context.Context, sink EventSink) error {
	var (
		now  = l.cfg.loop.now
		beg  = now()
		prev = l.s.Status()
	)

	report := func(t time.Time) {
		cur := l.s.Status()
		sink.OnStatus(Tick{
			Now:     t,
			Elapsed: t.Sub(beg),
			Events:  cur.NEvents - prev.NEvents,
			Bytes:   cur.Bytes - prev.Bytes,
		}, cur)
		beg = t
		prev = cur
	}

	l.msg.Printf("start polling dev=%d ch=%d...", l.s.st.Device, l.s.st.Channel)
	defer l.msg.Printf("stop polling dev=%d ch=%d: %v", l.s.st.Device, l.s.st.Channel, l.s.Status())

	for {
		select {
		case <-ctx.Done():
			report(now())
			return nil
		default:
		}

		n, err := l.s.Poll(l.cfg.loop.batch, sink.OnEvent)
		if err != nil {
			return err
		}

		if t := now(); t.Sub(beg) >= l.cfg.loop.status {
			report(t)
		}

		if n == 0 && l.cfg.loop.idle > 0 {
			time.Sleep(l.cfg.loop.idle)
		}
	}
}
