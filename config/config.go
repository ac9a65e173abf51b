// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the configuration of a readout session.
package config // import "github.com/go-lpc/rorc/config"

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/event"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the configuration of a readout session.
type Config struct {
	Device  int    `yaml:"device"`
	BAR     string `yaml:"bar"`     // PCIe resource file of the BAR, simulated device if empty
	Buffers string `yaml:"buffers"` // directory of persistent buffers, heap buffers if empty

	Channels []int `yaml:"channels"`
	EBSize   int64 `yaml:"ebsize"`
	RBSize   int64 `yaml:"rbsize"`

	Packet struct {
		MaxPayload     uint32 `yaml:"max-payload"`
		MaxReadRequest uint32 `yaml:"max-read-request"`
	} `yaml:"packet"`

	CheckList []string `yaml:"checks"`
	Reference string   `yaml:"reference"`
	Dumps     string   `yaml:"dumps"`
	MaxDumps  int      `yaml:"max-dumps"`

	StatusEvery time.Duration `yaml:"status-every"`

	Generator struct {
		EventSize uint32 `yaml:"event-size"` // in DWs, generator disabled if zero
		MaxEvents int    `yaml:"max-events"`
	} `yaml:"generator"`
}

// Default returns the default configuration: one channel of the first
// device, all checks but the reference one.
func Default() *Config {
	cfg := &Config{
		Channels:    []int{0},
		EBSize:      4 << 20,
		RBSize:      64 << 10,
		CheckList:   []string{"size", "diu", "completion", "soe", "pattern", "eoe", "sequence"},
		MaxDumps:    100,
		StatusEvery: time.Second,
	}
	cfg.Packet.MaxPayload = 256
	cfg.Packet.MaxReadRequest = 256
	return cfg
}

// Load decodes a YAML configuration from r, on top of the default one.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	switch {
	case errors.Is(err, io.EOF):
		// empty document.
	case err != nil:
		return nil, fmt.Errorf("config: could not decode configuration: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is consistent.
func (cfg *Config) Validate() error {
	if cfg.Device < 0 {
		return fmt.Errorf("invalid device %d: %w", cfg.Device, ErrInvalid)
	}

	if len(cfg.Channels) == 0 {
		return fmt.Errorf("no channel: %w", ErrInvalid)
	}
	seen := make(map[int]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if ch < 0 {
			return fmt.Errorf("invalid channel %d: %w", ch, ErrInvalid)
		}
		if seen[ch] {
			return fmt.Errorf("duplicate channel %d: %w", ch, ErrInvalid)
		}
		seen[ch] = true
	}

	for _, v := range []struct {
		name string
		size uint32
	}{
		{"max-payload", cfg.Packet.MaxPayload},
		{"max-read-request", cfg.Packet.MaxReadRequest},
	} {
		if v.size == 0 || v.size%4 != 0 || v.size > dma.MaxPacketSize {
			return fmt.Errorf("invalid %s %d: %w", v.name, v.size, ErrInvalid)
		}
	}

	if cfg.EBSize <= int64(cfg.Packet.MaxPayload) || cfg.EBSize%4 != 0 {
		return fmt.Errorf("invalid event buffer size %d: %w", cfg.EBSize, ErrInvalid)
	}
	if cfg.RBSize < 2*dma.ReportSize || cfg.RBSize%dma.ReportSize != 0 {
		return fmt.Errorf("invalid report buffer size %d: %w", cfg.RBSize, ErrInvalid)
	}

	checks, err := cfg.Checks()
	if err != nil {
		return err
	}
	if checks&event.CheckReference != 0 && cfg.Reference == "" {
		return fmt.Errorf("reference check without reference event: %w", ErrInvalid)
	}

	if cfg.MaxDumps < 0 {
		return fmt.Errorf("invalid max-dumps %d: %w", cfg.MaxDumps, ErrInvalid)
	}
	if cfg.StatusEvery <= 0 {
		return fmt.Errorf("invalid status period %v: %w", cfg.StatusEvery, ErrInvalid)
	}

	if n := cfg.Generator.EventSize; n != 0 && n <= event.HeaderWords {
		return fmt.Errorf("invalid generator event size %d: %w", n, ErrInvalid)
	}
	if cfg.Generator.MaxEvents < 0 {
		return fmt.Errorf("invalid generator max-events %d: %w", cfg.Generator.MaxEvents, ErrInvalid)
	}
	return nil
}

// Checks returns the set of checks named in the configuration.
func (cfg *Config) Checks() (event.Check, error) {
	var checks event.Check
	for _, name := range cfg.CheckList {
		c, err := event.ParseCheck(name)
		if err != nil {
			return 0, fmt.Errorf("%v: %w", err, ErrInvalid)
		}
		checks |= c
	}
	return checks, nil
}
