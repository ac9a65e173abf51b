// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/rorc/dma"
)

func mkEvent(ws []uint32, rep dma.Report) dma.Event {
	raw := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(raw[4*i:], w)
	}
	if rep.Calc == 0 {
		rep.Calc = uint32(len(ws))
	}
	if rep.Reported == 0 {
		rep.Reported = uint32(len(ws))
	}
	return dma.Event{
		Report: rep,
		Data:   raw,
		EOE:    rep.Reported & dma.SizeMask,
	}
}

func good(id uint64, n int) []uint32 { return Synthesize(id, n) }

func TestCheckSizeMismatch(t *testing.T) {
	c, err := NewChecker("", CheckSize)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	var st dma.Status
	evt := mkEvent(good(0, 100), dma.Report{Calc: 100, Reported: 101})
	if got, want := c.Check(evt, &st), CheckSize; got != want {
		t.Fatalf("invalid mask: got=%v, want=%v", got, want)
	}
	if st.Errors != 1 {
		t.Fatalf("invalid error count: got=%d, want=1", st.Errors)
	}
}

func TestCheck(t *testing.T) {
	for _, tc := range []struct {
		name   string
		checks Check
		evt    func() dma.Event
		want   Check
	}{
		{
			name:   "ok",
			checks: CheckAll &^ CheckReference,
			evt:    func() dma.Event { return mkEvent(good(1, 32), dma.Report{}) },
			want:   0,
		},
		{
			name:   "size-masked",
			checks: CheckAll &^ (CheckReference | CheckSize | CheckEOE),
			evt: func() dma.Event {
				return mkEvent(good(1, 32), dma.Report{Calc: 32, Reported: 33})
			},
			want: 0,
		},
		{
			name:   "diu",
			checks: CheckDIU | CheckSize,
			evt: func() dma.Event {
				return mkEvent(good(1, 32), dma.Report{Reported: 32 | dma.FlagDIUError})
			},
			want: CheckDIU,
		},
		{
			name:   "timeout",
			checks: CheckCompletion,
			evt: func() dma.Event {
				return mkEvent(good(1, 32), dma.Report{Reported: 32 | dma.FlagTimeout})
			},
			want: CheckCompletion,
		},
		{
			name:   "completer-abort",
			checks: CheckCompletion | CheckSize,
			evt: func() dma.Event {
				return mkEvent(good(1, 32), dma.Report{Calc: 32 | 2<<dma.ShiftCompletion})
			},
			want: CheckCompletion,
		},
		{
			name:   "soe",
			checks: CheckSOE | CheckPattern,
			evt: func() dma.Event {
				ws := good(1, 32)
				ws[0] = 0xfffffffe
				return mkEvent(ws, dma.Report{})
			},
			want: CheckSOE,
		},
		{
			name:   "pattern",
			checks: CheckSOE | CheckPattern,
			evt: func() dma.Event {
				ws := good(1, 32)
				ws[20]++
				return mkEvent(ws, dma.Report{})
			},
			want: CheckPattern,
		},
		{
			name:   "pattern-short",
			checks: CheckPattern,
			evt:    func() dma.Event { return mkEvent(good(1, 8)[:5], dma.Report{}) },
			want:   CheckPattern,
		},
		{
			name:   "pattern-toggle-v3",
			checks: CheckPattern,
			evt: func() dma.Event {
				ws := good(1, 16)
				ws[1] = ws[1]&0xfff | 3<<24
				ws[3] = uint32(PatternToggle)
				ws[4] = 0xa
				for i := HeaderWordsV3; i < len(ws); i++ {
					ws[i] = 0xa
					if (i-HeaderWordsV3)%2 == 1 {
						ws[i] = 0xfffffff5
					}
				}
				return mkEvent(ws, dma.Report{})
			},
			want: 0,
		},
		{
			name:   "eoe",
			checks: CheckEOE,
			evt: func() dma.Event {
				evt := mkEvent(good(1, 32), dma.Report{})
				evt.EOE = 31
				return evt
			},
			want: CheckEOE,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewChecker("", tc.checks)
			if err != nil {
				t.Fatalf("could not create checker: %+v", err)
			}
			var st dma.Status
			got := c.Check(tc.evt(), &st)
			if got != tc.want {
				t.Fatalf("invalid mask: got=%v, want=%v", got, tc.want)
			}
			want := uint64(0)
			if got != 0 {
				want = 1
			}
			if st.Errors != want {
				t.Fatalf("invalid error count: got=%d, want=%d", st.Errors, want)
			}
		})
	}
}

func TestCheckSequence(t *testing.T) {
	c, err := NewChecker("", CheckSequence)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	var st dma.Status
	for _, tc := range []struct {
		id   uint64
		want Check
	}{
		{41, 0}, // first event is exempt.
		{42, 0},
		{43, 0},
		{45, CheckSequence},
		{46, 0},
		{46, CheckSequence},
		{0xfff, CheckSequence},
		{0x1000, 0}, // carry into the high id word.
	} {
		evt := mkEvent(good(tc.id, 16), dma.Report{})
		if got := c.Check(evt, &st); got != tc.want {
			t.Fatalf("invalid mask for id=%d: got=%v, want=%v", tc.id, got, tc.want)
		}
	}
	if st.Errors != 3 {
		t.Fatalf("invalid error count: got=%d, want=3", st.Errors)
	}

	// ids wrap at 2^32.
	c, err = NewChecker("", CheckSequence)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}
	for _, id := range []uint64{0xffffffff, 0x1_0000_0000} {
		if got := c.Check(mkEvent(good(id, 16), dma.Report{}), &st); got != 0 {
			t.Fatalf("invalid mask for id=0x%x: got=%v", id, got)
		}
	}
}

func TestCheckReference(t *testing.T) {
	var (
		tmp   = t.TempDir()
		fname = filepath.Join(tmp, "ref.ddl")
		ref   = mkEvent(good(7, 24), dma.Report{})
	)
	err := os.WriteFile(fname, ref.Data, 0644)
	if err != nil {
		t.Fatalf("could not write reference: %+v", err)
	}

	_, err = NewChecker("", CheckReference)
	if err == nil {
		t.Fatalf("expected an error without reference event")
	}

	c, err := NewChecker("", CheckReference, WithReference(fname))
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	for _, tc := range []struct {
		name string
		evt  dma.Event
		want Check
	}{
		{"same", mkEvent(good(7, 24), dma.Report{}), 0},
		{"content", mkEvent(good(8, 24), dma.Report{}), CheckReference},
		{"size", mkEvent(good(7, 25), dma.Report{}), CheckReference},
	} {
		if got := c.Check(tc.evt, nil); got != tc.want {
			t.Fatalf("%s: invalid mask: got=%v, want=%v", tc.name, got, tc.want)
		}
	}
}

func TestCheckDumps(t *testing.T) {
	var (
		tmp = t.TempDir()
		dir = filepath.Join(tmp, "dumps")
		st  = dma.Status{Device: 2, Channel: 5}
	)

	c, err := NewChecker(dir, CheckSize|CheckPattern)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}

	const nevts = 150
	for i := 0; i < nevts; i++ {
		ws := good(uint64(i), 32)
		ws[31] = 0xdead
		evt := mkEvent(ws, dma.Report{Calc: 32, Reported: 30})
		if got, want := c.Check(evt, &st), CheckSize|CheckPattern; got != want {
			t.Fatalf("invalid mask: got=%v, want=%v", got, want)
		}
	}

	if st.Errors != nevts {
		t.Fatalf("invalid error count: got=%d, want=%d", st.Errors, nevts)
	}
	if got, want := c.Dumps(), 100; got != want {
		t.Fatalf("invalid number of dumps: got=%d, want=%d", got, want)
	}

	for _, ext := range []string{".ddl", ".log"} {
		files, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			t.Fatalf("could not list dumps: %+v", err)
		}
		if got, want := len(files), 100; got != want {
			t.Fatalf("invalid number of %s files: got=%d, want=%d", ext, got, want)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "2_5_0.ddl"))
	if err != nil {
		t.Fatalf("could not read dump: %+v", err)
	}
	if got, want := len(raw), 32*4; got != want {
		t.Fatalf("invalid dump size: got=%d, want=%d", got, want)
	}

	txt, err := os.ReadFile(filepath.Join(dir, "2_5_99.log"))
	if err != nil {
		t.Fatalf("could not read log: %+v", err)
	}
	for _, want := range []string{
		"checks:     size|pattern\n",
		"reported:   0x0000001e (30 DWs)\n",
		"pattern:    word=31 want=0x00000017 got=0x0000dead\n",
		"event-id:   0x63\n",
	} {
		if !strings.Contains(string(txt), want) {
			t.Fatalf("missing %q in log:\n%s", want, txt)
		}
	}

	// a second checker on the same device and channel does not clobber
	// the dumps of the first one.
	c2, err := NewChecker(dir, CheckSize)
	if err != nil {
		t.Fatalf("could not create checker: %+v", err)
	}
	c2.Check(mkEvent(good(0, 16), dma.Report{Calc: 16, Reported: 15}), &st)
	if _, err := os.Stat(filepath.Join(dir, "2_5_100.ddl")); err != nil {
		t.Fatalf("missing dump of second checker: %+v", err)
	}
	raw, err = os.ReadFile(filepath.Join(dir, "2_5_0.ddl"))
	if err != nil {
		t.Fatalf("could not read dump: %+v", err)
	}
	if len(raw) != 32*4 {
		t.Fatalf("dump of first checker clobbered")
	}
}

func TestCheckString(t *testing.T) {
	for _, tc := range []struct {
		c    Check
		want string
	}{
		{0, "ok"},
		{CheckSize, "size"},
		{CheckSOE | CheckSequence, "soe|sequence"},
		{CheckEOE | 1<<20, "eoe|0x100000"},
	} {
		if got := tc.c.String(); got != tc.want {
			t.Fatalf("invalid name: got=%q, want=%q", got, tc.want)
		}
	}

	for _, name := range []string{"size", "diu", "completion", "soe", "pattern", "reference", "eoe", "sequence"} {
		c, err := ParseCheck(name)
		if err != nil {
			t.Fatalf("could not parse %q: %+v", name, err)
		}
		if c.String() != name {
			t.Fatalf("invalid round-trip: got=%q, want=%q", c.String(), name)
		}
	}
	if c, err := ParseCheck("all"); err != nil || c != CheckAll {
		t.Fatalf("could not parse all: c=%v, err=%v", c, err)
	}
	if _, err := ParseCheck("nope"); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestCompletionStatus(t *testing.T) {
	for _, tc := range []struct {
		rep  dma.Report
		want string
	}{
		{dma.Report{Calc: 10}, "ok"},
		{dma.Report{Calc: 10 | 1<<30}, "unsupported-request"},
		{dma.Report{Calc: 10 | 2<<30}, "completer-abort"},
		{dma.Report{Calc: 10 | 3<<30}, "reserved"},
		{dma.Report{Calc: 10, Reported: 10 | dma.FlagTimeout}, "timeout"},
	} {
		if got := CompletionStatus(tc.rep); got != tc.want {
			t.Fatalf("invalid status for %v: got=%q, want=%q", tc.rep, got, tc.want)
		}
	}
}
