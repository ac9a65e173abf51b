// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-lpc/rorc/dma"
)

// Check is a set of event sanity checks, and the set of checks an event
// failed.
type Check uint32

const (
	CheckSize       Check = 1 << iota // calculated and reported sizes differ
	CheckDIU                          // link reported an error
	CheckCompletion                   // DMA completion error or timeout
	CheckSOE                          // invalid start-of-event marker
	CheckPattern                      // payload does not follow the header pattern
	CheckReference                    // event differs from the reference event
	CheckEOE                          // end-of-event word does not carry the event size
	CheckSequence                     // event id does not follow the previous one

	CheckAll = CheckSize | CheckDIU | CheckCompletion | CheckSOE |
		CheckPattern | CheckReference | CheckEOE | CheckSequence
)

var checkNames = []struct {
	c    Check
	name string
}{
	{CheckSize, "size"},
	{CheckDIU, "diu"},
	{CheckCompletion, "completion"},
	{CheckSOE, "soe"},
	{CheckPattern, "pattern"},
	{CheckReference, "reference"},
	{CheckEOE, "eoe"},
	{CheckSequence, "sequence"},
}

func (c Check) String() string {
	if c == 0 {
		return "ok"
	}
	var names []string
	for _, v := range checkNames {
		if c&v.c != 0 {
			names = append(names, v.name)
			c &^= v.c
		}
	}
	if c != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(c)))
	}
	return strings.Join(names, "|")
}

// ParseCheck returns the check named name.
func ParseCheck(name string) (Check, error) {
	for _, v := range checkNames {
		if v.name == name {
			return v.c, nil
		}
	}
	if name == "all" {
		return CheckAll, nil
	}
	return 0, fmt.Errorf("event: unknown check %q", name)
}

// CompletionStatus names the PCIe completion status of the transfer
// described by rep.
func CompletionStatus(rep dma.Report) string {
	if rep.Reported&dma.FlagTimeout != 0 {
		return "timeout"
	}
	switch rep.Completion() {
	case 0:
		return "ok"
	case 1:
		return "unsupported-request"
	case 2:
		return "completer-abort"
	default:
		return "reserved"
	}
}

// mismatch describes the first payload word not following the pattern.
type mismatch struct {
	ok   bool
	word int
	want uint32
	got  uint32
}

// Checker validates events.
//
// A Checker keeps the id of the last event it saw and the number of dumps
// it wrote: it must serve a single stream.
type Checker struct {
	msg    *log.Logger
	checks Check
	dir    string
	ref    []byte

	dumps int // number of dumped events
	max   int // max number of dumped events
	seq   int // index of the next dump file

	last struct {
		ok bool
		id uint32
	}
}

// NewChecker returns a checker running the selected checks.
// Failing events are dumped into dir, unless dir is empty.
func NewChecker(dir string, checks Check, opts ...Option) (*Checker, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Checker{
		msg:    cfg.msg,
		checks: checks,
		dir:    dir,
		max:    cfg.dumps,
	}

	if cfg.ref != "" {
		ref, err := os.ReadFile(cfg.ref)
		if err != nil {
			return nil, fmt.Errorf("event: could not load reference event: %w", err)
		}
		c.ref = ref
	}
	if checks&CheckReference != 0 && c.ref == nil {
		return nil, fmt.Errorf("event: reference check without reference event")
	}

	if dir != "" {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("event: could not create dump directory: %w", err)
		}
	}
	return c, nil
}

// Checks returns the checks run by the checker.
func (c *Checker) Checks() Check { return c.checks }

// Dumps returns the number of events dumped to disk.
func (c *Checker) Dumps() int { return c.dumps }

// Check runs the selected checks on evt and returns the failed ones.
// Failures are counted in st and, up to the dump limit, dumped to disk.
func (c *Checker) Check(evt dma.Event, st *dma.Status) Check {
	var (
		rep  = evt.Report
		mask Check
		pat  mismatch
	)

	if c.checks&CheckSize != 0 && rep.Size() != rep.ReportedSize() {
		mask |= CheckSize
	}

	if c.checks&CheckDIU != 0 && rep.Reported&dma.FlagDIUError != 0 {
		mask |= CheckDIU
	}

	if c.checks&CheckCompletion != 0 && CompletionStatus(rep) != "ok" {
		mask |= CheckCompletion
	}

	if c.checks&CheckSOE != 0 && (evt.Words() == 0 || evt.Word(0) != StartOfEvent) {
		mask |= CheckSOE
	}

	if c.checks&CheckPattern != 0 {
		pat = c.pattern(evt)
		if pat.ok {
			mask |= CheckPattern
		}
	}

	if c.checks&CheckReference != 0 && !bytes.Equal(evt.Data, c.ref) {
		mask |= CheckReference
	}

	if c.checks&CheckEOE != 0 && evt.EOE&dma.SizeMask != rep.ReportedSize() {
		mask |= CheckEOE
	}

	if c.checks&CheckSequence != 0 {
		id := evt.ID()
		if c.last.ok && id-c.last.id != 1 {
			mask |= CheckSequence
		}
		c.last.ok = true
		c.last.id = id
	}

	if mask == 0 {
		return 0
	}

	if st != nil {
		st.Errors++
	}
	if c.dir != "" && c.dumps < c.max {
		err := c.dump(evt, st, mask, pat)
		if err != nil {
			c.msg.Printf("could not dump event: %+v", err)
		}
	}
	return mask
}

// pattern returns the first payload word not following the pattern
// announced by the header.
func (c *Checker) pattern(evt dma.Event) mismatch {
	hdr, ok := DecodeHeader(evt)
	if !ok {
		return mismatch{ok: true, word: evt.Words()}
	}
	p := NewPattern(hdr.Mode, hdr.Seed)
	for i := hdr.Words(); i < evt.Words(); i++ {
		var (
			want = p.Next()
			got  = evt.Word(i)
		)
		if got != want {
			return mismatch{ok: true, word: i, want: want, got: got}
		}
	}
	return mismatch{}
}

func (c *Checker) dump(evt dma.Event, st *dma.Status, mask Check, pat mismatch) error {
	var dev, ch int
	if st != nil {
		dev, ch = st.Device, st.Channel
	}

	// do not clobber dumps of another checker sharing the directory.
	var (
		f    *os.File
		name string
		err  error
	)
	for {
		name = filepath.Join(c.dir, fmt.Sprintf("%d_%d_%d", dev, ch, c.seq))
		c.seq++
		f, err = os.OpenFile(name+".ddl", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("event: could not create dump file: %w", err)
		}
		break
	}
	defer f.Close()
	c.dumps++

	_, err = f.Write(evt.Data)
	if err != nil {
		return fmt.Errorf("event: could not write dump file: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("event: could not close dump file: %w", err)
	}

	flog, err := os.Create(name + ".log")
	if err != nil {
		return fmt.Errorf("event: could not create log file: %w", err)
	}
	defer flog.Close()

	err = c.writeLog(flog, evt, st, mask, pat)
	if err != nil {
		return fmt.Errorf("event: could not write log file: %w", err)
	}

	err = flog.Close()
	if err != nil {
		return fmt.Errorf("event: could not close log file: %w", err)
	}
	return nil
}

func (c *Checker) writeLog(w io.Writer, evt dma.Event, st *dma.Status, mask Check, pat mismatch) error {
	var (
		bw  = bufio.NewWriter(w)
		rep = evt.Report
	)
	fmt.Fprintf(bw, "checks:     %v\n", mask)
	if st != nil {
		fmt.Fprintf(bw, "device:     %d\n", st.Device)
		fmt.Fprintf(bw, "channel:    %d\n", st.Channel)
		fmt.Fprintf(bw, "index:      %d\n", st.Index)
		fmt.Fprintf(bw, "events:     %d\n", st.NEvents)
	}
	fmt.Fprintf(bw, "offset:     0x%x\n", rep.Offset)
	fmt.Fprintf(bw, "reported:   0x%08x (%d DWs)\n", rep.Reported, rep.ReportedSize())
	fmt.Fprintf(bw, "calc:       0x%08x (%d DWs)\n", rep.Calc, rep.Size())
	fmt.Fprintf(bw, "completion: %s\n", CompletionStatus(rep))
	fmt.Fprintf(bw, "eoe:        0x%08x\n", evt.EOE)
	fmt.Fprintf(bw, "event-id:   0x%x\n", evt.ID())

	if hdr, ok := DecodeHeader(evt); ok {
		fmt.Fprintf(bw, "header:     soe=0x%08x version=%d mode=%v seed=0x%x\n",
			hdr.SOE, hdr.Version, hdr.Mode, hdr.Seed,
		)
	}
	if pat.ok {
		fmt.Fprintf(bw, "pattern:    word=%d want=0x%08x got=0x%08x\n", pat.word, pat.want, pat.got)
	}
	for i := 0; i < evt.Words() && i < HeaderWordsV3; i++ {
		fmt.Fprintf(bw, "word[%02d]:   0x%08x\n", i, evt.Word(i))
	}
	return bw.Flush()
}
