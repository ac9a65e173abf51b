// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"io"
	"log"
)

type config struct {
	msg   *log.Logger
	ref   string // reference event file
	dumps int    // max number of dumped events
	max   int    // max number of generated events per call
}

func newConfig() config {
	return config{
		msg:   log.New(io.Discard, "event: ", 0),
		dumps: 100,
	}
}

// Option configures a Checker or a Generator.
type Option func(*config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithReference sets the file holding the reference event.
// The file is loaded once, when the checker is created.
func WithReference(fname string) Option {
	return func(cfg *config) {
		cfg.ref = fname
	}
}

// WithMaxDumps sets the maximum number of events a checker dumps to disk.
func WithMaxDumps(n int) Option {
	return func(cfg *config) {
		cfg.dumps = n
	}
}

// WithMaxEvents caps the number of events a generator writes per call.
// Zero means no cap.
func WithMaxEvents(n int) Option {
	return func(cfg *config) {
		cfg.max = n
	}
}
