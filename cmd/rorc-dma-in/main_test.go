// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-lpc/rorc/config"
	"github.com/go-lpc/rorc/monitor"
	"github.com/go-lpc/rorc/readout"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = []int{0, 1}
	cfg.EBSize = 64 << 10
	cfg.RBSize = 4 << 10
	cfg.Dumps = filepath.Join(t.TempDir(), "dumps")

	coll := monitor.NewCollector("rorc")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := run(
		ctx, cfg,
		readout.WithSim(true),
		readout.WithMaxEvents(200),
		readout.WithCollector(coll),
		readout.WithLogger(log.New(io.Discard, "rorc-dma-in: ", 0)),
	)
	if err != nil {
		t.Fatalf("could not run readout: %+v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("readout did not complete in time")
	}

	if got, want := testutil.CollectAndCount(coll, "rorc_dma_events_total"), 2; got != want {
		t.Fatalf("invalid number of metrics: got=%d, want=%d", got, want)
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("could not load default configuration: %+v", err)
	}
	if got, want := len(cfg.Channels), 1; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}

	fname := filepath.Join(t.TempDir(), "readout.yaml")
	err = os.WriteFile(fname, []byte("channels: [1, 2, 3]\n"), 0644)
	if err != nil {
		t.Fatalf("could not write configuration: %+v", err)
	}
	cfg, err = loadConfig(fname)
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}
	if got, want := len(cfg.Channels), 3; got != want {
		t.Fatalf("invalid number of channels: got=%d, want=%d", got, want)
	}

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected an error")
	}
}
