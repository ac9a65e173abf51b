// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readout runs readout sessions: the concurrent polling of the DMA
// channels of a RORC device, with sanity checks of the received events.
package readout // import "github.com/go-lpc/rorc/readout"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path/filepath"
	"time"

	"github.com/go-lpc/rorc/bar"
	"github.com/go-lpc/rorc/buffer"
	"github.com/go-lpc/rorc/config"
	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/event"
	"github.com/go-lpc/rorc/internal/sim"
	"golang.org/x/sync/errgroup"
)

var errDone = errors.New("readout: done")

// SimEventSize is the size, in DWs, of the events injected into the
// simulated device.
const SimEventSize = 256

// Readout is a readout session.
type Readout struct {
	cfg  *config.Config
	opts options
	msg  *log.Logger

	regs  dma.Registers
	dev   *sim.Device // simulated device, nil on hardware
	bufs  []io.Closer
	chans []*channel
}

// channel is the readout of one DMA channel.
// It is the event sink of its loop.
type channel struct {
	ro   *Readout
	ch   *dma.Channel
	loop *dma.Loop
	chk  *event.Checker
	feed func(ctx context.Context) error
	next uint64 // id of the next injected event
}

// New sets up the device and the channels described by cfg.
// Without a configured BAR, the session runs against a simulated device.
func New(cfg *config.Config, opts ...Option) (*Readout, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(&o)
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("readout: invalid configuration: %w", err)
	}

	ro := &Readout{
		cfg:  cfg,
		opts: o,
		msg:  o.msg,
	}

	switch {
	case o.sim || cfg.BAR == "":
		n := 0
		for _, id := range cfg.Channels {
			if id >= n {
				n = id + 1
			}
		}
		ro.dev = sim.New(n, sim.WithLogger(ro.logger("sim")))
		ro.regs = ro.dev
	default:
		b, err := bar.Open(cfg.BAR)
		if err != nil {
			return nil, fmt.Errorf("readout: could not open BAR: %w", err)
		}
		ro.regs = b
		ro.bufs = append(ro.bufs, b)
	}

	for _, id := range cfg.Channels {
		c, err := ro.open(id)
		if err != nil {
			_ = ro.Close()
			return nil, fmt.Errorf("readout: could not setup channel %d: %w", id, err)
		}
		ro.chans = append(ro.chans, c)
	}
	return ro, nil
}

// Simulated returns whether the session runs against a simulated device.
func (ro *Readout) Simulated() bool { return ro.dev != nil }

func (ro *Readout) logger(name string) *log.Logger {
	return log.New(ro.msg.Writer(), name+": ", ro.msg.Flags())
}

func (ro *Readout) buffer(id int, t dma.Target) (*buffer.Buffer, error) {
	size := ro.cfg.EBSize
	if t == dma.ReportBuffer {
		size = ro.cfg.RBSize
	}
	lg := buffer.WithLogger(ro.logger("buffer"))

	if ro.cfg.Buffers == "" {
		return buffer.New(size, lg)
	}

	fname := filepath.Join(ro.cfg.Buffers, fmt.Sprintf("rorc_%d_%d_%v", ro.cfg.Device, id, t))
	buf, err := buffer.Open(fname, lg)
	if errors.Is(err, fs.ErrNotExist) {
		buf, err = buffer.Create(fname, size, lg)
	}
	if err != nil {
		return nil, err
	}
	if buf.Size() != size {
		ro.msg.Printf("%s: using size=%d (requested %d)", fname, buf.Size(), size)
	}
	return buf, nil
}

func (ro *Readout) open(id int) (*channel, error) {
	cfg := ro.cfg

	eb, err := ro.buffer(id, dma.EventBuffer)
	if err != nil {
		return nil, fmt.Errorf("could not create event buffer: %w", err)
	}
	ro.bufs = append(ro.bufs, eb)

	rb, err := ro.buffer(id, dma.ReportBuffer)
	if err != nil {
		return nil, fmt.Errorf("could not create report buffer: %w", err)
	}
	ro.bufs = append(ro.bufs, rb)

	if ro.dev != nil {
		ro.dev.Attach(eb, rb)
	}

	dopts := []dma.Option{
		dma.WithLogger(ro.logger(fmt.Sprintf("dma[%d]", id))),
		dma.WithDevice(cfg.Device),
		dma.WithStatusPeriod(cfg.StatusEvery),
	}
	ch, err := dma.NewChannel(ro.regs, id, dopts...)
	if err != nil {
		return nil, err
	}
	// channels are closed before their buffers.
	ro.bufs = append(ro.bufs, ch)

	err = ch.Configure(eb, rb, cfg.Packet.MaxPayload, cfg.Packet.MaxReadRequest)
	if err != nil {
		return nil, err
	}
	err = ch.Enable()
	if err != nil {
		return nil, err
	}

	s, err := dma.NewStream(ch, dopts...)
	if err != nil {
		return nil, err
	}

	checks, err := cfg.Checks()
	if err != nil {
		return nil, err
	}
	if cfg.Generator.EventSize > 0 {
		// looped back events carry no end-of-event word.
		checks &^= event.CheckEOE
	}
	eopts := []event.Option{
		event.WithLogger(ro.logger("event")),
		event.WithMaxDumps(cfg.MaxDumps),
		event.WithMaxEvents(cfg.Generator.MaxEvents),
	}
	if cfg.Reference != "" {
		eopts = append(eopts, event.WithReference(cfg.Reference))
	}
	chk, err := event.NewChecker(cfg.Dumps, checks, eopts...)
	if err != nil {
		return nil, err
	}

	c := &channel{
		ro:   ro,
		ch:   ch,
		loop: dma.NewLoop(s),
		chk:  chk,
	}

	switch n := cfg.Generator.EventSize; {
	case n > 0:
		err = ch.EnableGenerator(true)
		if err != nil {
			return nil, err
		}
		gen, err := event.NewGenerator(ch, eopts...)
		if err != nil {
			return nil, err
		}
		c.feed = c.generate(gen, n)
	case ro.dev != nil:
		c.feed = c.inject(SimEventSize)
	}

	return c, nil
}

// Close stops the channels and detaches their buffers.
func (ro *Readout) Close() error {
	var err error
	for i := len(ro.bufs) - 1; i >= 0; i-- {
		e := ro.bufs[i].Close()
		if e != nil && err == nil {
			err = fmt.Errorf("readout: could not close: %w", e)
		}
	}
	ro.bufs = nil
	return err
}

// Run polls all the channels concurrently, until ctx is done, a channel
// fails or each channel read its maximum number of events.
func (ro *Readout) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	for _, c := range ro.chans {
		grp.Go(func() error {
			return c.run(ctx)
		})
	}

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("readout: could not read out events: %w", err)
	}
	return nil
}

// Status returns the status of all the channels.
// It must not be called while the session runs.
func (ro *Readout) Status() []dma.Status {
	sts := make([]dma.Status, len(ro.chans))
	for i, c := range ro.chans {
		sts[i] = c.loop.Stream().Status()
	}
	return sts
}

func (ro *Readout) update(st dma.Status) {
	if ro.opts.coll == nil {
		return
	}
	ro.opts.coll.Update(st)
}

func (c *channel) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	if c.feed != nil {
		grp.Go(func() error {
			return c.feed(ctx)
		})
	}
	grp.Go(func() error {
		defer cancel()
		err := c.loop.Run(ctx, c)
		if errors.Is(err, errDone) {
			err = nil
		}
		return err
	})

	err := grp.Wait()

	st := c.loop.Stream().Status()
	c.ro.update(st)
	c.ro.msg.Printf("%v", st)

	if err != nil {
		return fmt.Errorf("dev=%d ch=%d: %w", st.Device, st.Channel, err)
	}
	return nil
}

func (c *channel) OnEvent(evt dma.Event, st *dma.Status) error {
	if n := c.ro.opts.nevts; n > 0 && st.NEvents > n {
		return errDone
	}
	mask := c.chk.Check(evt, st)
	if mask != 0 {
		c.ro.msg.Printf(
			"dev=%d ch=%d: event 0x%x failed checks: %v",
			st.Device, st.Channel, evt.ID(), mask,
		)
	}
	if h := c.ro.opts.hdlr; h != nil {
		return h(evt, st, mask)
	}
	return nil
}

func (c *channel) OnStatus(tck dma.Tick, st dma.Status) {
	c.ro.update(st)
	evts, mbs := tck.Rate()
	c.ro.msg.Printf(
		"dev=%d ch=%d: events=%d errors=%d rate=%.1f Hz (%.3f MB/s)",
		st.Device, st.Channel, st.NEvents, st.Errors, evts, mbs,
	)
}

// generate fills the event buffer with generated events of n DWs.
// On the simulated device, the events are looped back into the report ring.
func (c *channel) generate(gen *event.Generator, n uint32) func(ctx context.Context) error {
	idle := time.Millisecond
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			k, err := gen.Fill(n)
			if err != nil {
				return fmt.Errorf("could not generate events: %w", err)
			}
			if dev := c.ro.dev; dev != nil {
				_, err = dev.Loopback(c.ch.ID())
				if err != nil {
					return fmt.Errorf("could not loop back events: %w", err)
				}
			}
			if k == 0 {
				time.Sleep(idle)
			}
		}
	}
}

// inject feeds the simulated device with events of n DWs.
// Event ids carry on across runs.
func (c *channel) inject(n int) func(ctx context.Context) error {
	idle := time.Millisecond
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			err := c.ro.dev.Inject(c.ch.ID(), sim.Event{Words: event.Synthesize(c.next, n)})
			switch {
			case err == nil:
				c.next++
			case errors.Is(err, sim.ErrFull):
				time.Sleep(idle)
			default:
				return fmt.Errorf("could not inject event: %w", err)
			}
		}
	}
}

var _ dma.EventSink = (*channel)(nil)
