// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/rorc/event"
)

func TestLoad(t *testing.T) {
	const doc = `
device: 1
bar: /sys/bus/pci/devices/0000:01:00.0/resource0
buffers: /dev/shm/rorc
channels: [0, 3]
ebsize: 0x4000000
rbsize: 0x400000
packet: {max-payload: 128, max-read-request: 512}
checks: [size, pattern, sequence]
dumps: /tmp/rorc-dumps
status-every: 2s
generator: {event-size: 256, max-events: 10}
`
	cfg, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}

	want := Default()
	want.Device = 1
	want.BAR = "/sys/bus/pci/devices/0000:01:00.0/resource0"
	want.Buffers = "/dev/shm/rorc"
	want.Channels = []int{0, 3}
	want.EBSize = 0x4000000
	want.RBSize = 0x400000
	want.Packet.MaxPayload = 128
	want.Packet.MaxReadRequest = 512
	want.CheckList = []string{"size", "pattern", "sequence"}
	want.Dumps = "/tmp/rorc-dumps"
	want.StatusEvery = 2 * time.Second
	want.Generator.EventSize = 256
	want.Generator.MaxEvents = 10

	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("invalid configuration:\ngot= %+v\nwant=%+v", cfg, want)
	}

	checks, err := cfg.Checks()
	if err != nil {
		t.Fatalf("could not parse checks: %+v", err)
	}
	if got, want := checks, event.CheckSize|event.CheckPattern|event.CheckSequence; got != want {
		t.Fatalf("invalid checks: got=%v, want=%v", got, want)
	}
}

func TestLoadEmpty(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatalf("invalid configuration:\ngot= %+v\nwant=%+v", cfg, Default())
	}

	checks, err := cfg.Checks()
	if err != nil {
		t.Fatalf("could not parse checks: %+v", err)
	}
	if got, want := checks, event.CheckAll&^event.CheckReference; got != want {
		t.Fatalf("invalid checks: got=%v, want=%v", got, want)
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"device", "device: -1"},
		{"no-channel", "channels: []"},
		{"channel", "channels: [-2]"},
		{"duplicate-channel", "channels: [1, 2, 1]"},
		{"payload", "packet: {max-payload: 0, max-read-request: 256}"},
		{"payload-align", "packet: {max-payload: 254, max-read-request: 256}"},
		{"read-request", "packet: {max-payload: 256, max-read-request: 2048}"},
		{"ebsize", "ebsize: 256"},
		{"ebsize-align", "ebsize: 4098"},
		{"rbsize", "rbsize: 32"},
		{"rbsize-align", "rbsize: 4100"},
		{"check", "checks: [size, crc]"},
		{"reference", "checks: [all]"},
		{"dumps", "max-dumps: -1"},
		{"status", "status-every: 0s"},
		{"event-size", "generator: {event-size: 8}"},
		{"max-events", "generator: {event-size: 9, max-events: -1}"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("invalid error: got=%v, want=%v", err, ErrInvalid)
			}
		})
	}
}

func TestLoadDecodeError(t *testing.T) {
	for _, doc := range []string{
		"device: [",
		"unknown-key: 1",
		"status-every: forever",
	} {
		_, err := Load(strings.NewReader(doc))
		if err == nil {
			t.Fatalf("expected an error for %q", doc)
		}
		if errors.Is(err, ErrInvalid) {
			t.Fatalf("invalid error for %q: %+v", doc, err)
		}
	}
}

func TestReferenceCheck(t *testing.T) {
	cfg, err := Load(strings.NewReader("checks: [all]\nreference: ref.ddl\n"))
	if err != nil {
		t.Fatalf("could not load configuration: %+v", err)
	}
	checks, err := cfg.Checks()
	if err != nil {
		t.Fatalf("could not parse checks: %+v", err)
	}
	if checks != event.CheckAll {
		t.Fatalf("invalid checks: got=%v, want=%v", checks, event.CheckAll)
	}
}
