// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"io"
	"log"
	"time"
)

type config struct {
	msg *log.Logger
	dev int // device index, for status and diagnostics

	busy struct {
		retries int           // max number of busy-flag polls
		sleep   time.Duration // delay between two polls
	}

	loop struct {
		status time.Duration    // period of status reports
		idle   time.Duration    // sleep when no event is ready
		batch  int              // max number of events per polling iteration
		now    func() time.Time // clock
	}
}

func newConfig() config {
	var cfg config
	cfg.msg = log.New(io.Discard, "dma: ", 0)
	cfg.busy.retries = 100
	cfg.busy.sleep = 10 * time.Millisecond
	cfg.loop.status = 1 * time.Second
	cfg.loop.idle = 100 * time.Microsecond
	cfg.loop.now = time.Now
	return cfg
}

// Option configures a channel, a stream or an event loop.
type Option func(*config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithDevice sets the device index reported in status snapshots.
func WithDevice(dev int) Option {
	return func(cfg *config) {
		cfg.dev = dev
	}
}

// WithBusyPolling configures how long Close and WaitIdle wait for the
// DMA engine busy flag to clear.
func WithBusyPolling(retries int, sleep time.Duration) Option {
	return func(cfg *config) {
		cfg.busy.retries = retries
		cfg.busy.sleep = sleep
	}
}

// WithStatusPeriod sets the period of the event loop status reports.
func WithStatusPeriod(p time.Duration) Option {
	return func(cfg *config) {
		cfg.loop.status = p
	}
}

// WithIdleSleep sets how long the event loop sleeps when no event is ready.
// A zero duration makes the loop spin.
func WithIdleSleep(d time.Duration) Option {
	return func(cfg *config) {
		cfg.loop.idle = d
	}
}

// WithClock sets the clock used by the event loop.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		cfg.loop.now = now
	}
}

// WithBatchSize caps the number of events consumed per polling iteration.
// A non-positive value lets an iteration drain the whole report ring.
func WithBatchSize(n int) Option {
	return func(cfg *config) {
		cfg.loop.batch = n
	}
}
