// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"time"
)

// Status holds the running counters of one event stream.
type Status struct {
	Device  int
	Channel int

	NEvents   uint64 // number of consumed events
	Bytes     uint64 // number of consumed bytes
	MinEPI    uint64 // minimum number of events per polling iteration
	MaxEPI    uint64 // maximum number of events per polling iteration
	SetOffset uint64 // number of read-pointer publications to the device
	Errors    uint64 // number of events that failed a sanity check

	Index       int64 // current report-ring polling position
	ShadowIndex int64 // report-ring position last published to the device
}

func (st *Status) epi(n uint64) {
	if n == 0 {
		return
	}
	if st.MinEPI == 0 || n < st.MinEPI {
		st.MinEPI = n
	}
	if n > st.MaxEPI {
		st.MaxEPI = n
	}
}

func (st Status) String() string {
	return fmt.Sprintf(
		"dev=%d ch=%d events=%d bytes=%d epi=[%d,%d] set-offset=%d errors=%d index=%d",
		st.Device, st.Channel, st.NEvents, st.Bytes,
		st.MinEPI, st.MaxEPI, st.SetOffset, st.Errors, st.Index,
	)
}

// Tick describes the interval between two status reports.
type Tick struct {
	Now     time.Time
	Elapsed time.Duration // time since the previous report
	Events  uint64        // events consumed since the previous report
	Bytes   uint64        // bytes consumed since the previous report
}

// Rate returns the event rate (Hz) and the data rate (MB/s) over the tick.
func (tck Tick) Rate() (evts, mbytes float64) {
	dt := tck.Elapsed.Seconds()
	if dt <= 0 {
		return 0, 0
	}
	return float64(tck.Events) / dt, float64(tck.Bytes) / dt / (1 << 20)
}
