// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rorc holds the readout core of the RORC PCIe DMA engine.
//
// The DMA engine streams events from the detector links into host memory.
// Each channel owns an event buffer and a report buffer, described to the
// device by scatter-gather lists (package dma).
// Events are consumed from the report ring, one at a time or in batches,
// and their integrity checked (package event).
// The readout package runs the polling of several channels.
package rorc // import "github.com/go-lpc/rorc"

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version of rorc and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	const root = "github.com/go-lpc/rorc"
	for _, m := range b.Deps {
		if m.Path != root {
			continue
		}
		if m.Replace != nil {
			switch {
			case m.Replace.Version != "" && m.Replace.Path != "":
				return fmt.Sprintf("%s %s", m.Replace.Path, m.Replace.Version), m.Replace.Sum
			case m.Replace.Version != "":
				return m.Replace.Version, m.Replace.Sum
			case m.Replace.Path != "":
				return m.Replace.Path, m.Replace.Sum
			default:
				return m.Version + "*", ""
			}
		}
		return m.Version, m.Sum
	}
	return "", ""
}
