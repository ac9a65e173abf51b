// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"io"
	"log"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/event"
	"github.com/go-lpc/rorc/monitor"
)

// Handler is called with every event that went through the sanity checks,
// and with the failed checks. The event data is only valid during the call.
type Handler func(evt dma.Event, st *dma.Status, failed event.Check) error

type options struct {
	msg   *log.Logger
	sim   bool   // run against a simulated device
	nevts uint64 // events per channel, 0 for no limit
	coll  *monitor.Collector
	hdlr  Handler
}

func newOptions() options {
	return options{
		msg: log.New(io.Discard, "readout: ", 0),
	}
}

// Option configures a readout session.
type Option func(*options)

// WithLogger sets the logger of the session, and of its channels.
func WithLogger(msg *log.Logger) Option {
	return func(o *options) {
		o.msg = msg
	}
}

// WithSim runs the session against a simulated device, fed with synthetic
// events, even when a BAR is configured.
func WithSim(v bool) Option {
	return func(o *options) {
		o.sim = v
	}
}

// WithMaxEvents stops the readout of each channel after n events.
// Zero means no limit.
func WithMaxEvents(n uint64) Option {
	return func(o *options) {
		o.nevts = n
	}
}

// WithCollector publishes the status of the channels to c.
func WithCollector(c *monitor.Collector) Option {
	return func(o *options) {
		o.coll = c
	}
}

// WithHandler sets the function receiving the checked events.
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.hdlr = h
	}
}
