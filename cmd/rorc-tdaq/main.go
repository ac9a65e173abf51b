// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rorc-tdaq starts a TDAQ server reading out a RORC device.
//
// The first argument is the path to the YAML configuration of the readout.
// Without argument, the default configuration is used, against a simulated
// device.
//
// Events that passed the sanity checks are published on the /events output.
package main // import "github.com/go-lpc/rorc/cmd/rorc-tdaq"

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/rorc/config"
	"github.com/go-lpc/rorc/dma"
	"github.com/go-lpc/rorc/event"
	"github.com/go-lpc/rorc/readout"
)

func main() {
	cmd := flags.New()

	srv := newServer("")
	if len(cmd.Args) > 0 {
		srv.fname = cmd.Args[0]
	}

	node := tdaq.New(cmd, os.Stdout)
	node.CmdHandle("/config", srv.OnConfig)
	node.CmdHandle("/init", srv.OnInit)
	node.CmdHandle("/reset", srv.OnReset)
	node.CmdHandle("/start", srv.OnStart)
	node.CmdHandle("/stop", srv.OnStop)
	node.CmdHandle("/quit", srv.OnQuit)

	node.OutputHandle("/events", srv.events)

	node.RunHandle(srv.run)

	err := node.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type msgStream interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type server struct {
	fname string

	mu   sync.Mutex
	cfg  *config.Config
	ro   *readout.Readout
	data chan []byte

	sent    uint64 // events published downstream
	dropped uint64 // events dropped on a full output queue
}

func newServer(fname string) *server {
	return &server{
		fname: fname,
		data:  make(chan []byte, 1024),
	}
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return srv.configure(ctx.Msg)
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	return srv.init(ctx.Msg)
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.reset(ctx.Msg)
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ro == nil {
		return fmt.Errorf("rorc-tdaq: readout not initialized")
	}
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf(
		"received /stop command... -> sent=%d dropped=%d",
		atomic.LoadUint64(&srv.sent), atomic.LoadUint64(&srv.dropped),
	)
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

func (srv *server) configure(msg msgStream) error {
	cfg := config.Default()
	if srv.fname != "" {
		f, err := os.Open(srv.fname)
		if err != nil {
			msg.Errorf("could not open configuration file %q: %+v", srv.fname, err)
			return fmt.Errorf("rorc-tdaq: could not open configuration: %w", err)
		}
		defer f.Close()

		cfg, err = config.Load(f)
		if err != nil {
			msg.Errorf("could not load configuration file %q: %+v", srv.fname, err)
			return fmt.Errorf("rorc-tdaq: could not load configuration: %w", err)
		}
	}

	srv.mu.Lock()
	srv.cfg = cfg
	srv.mu.Unlock()

	msg.Infof("configured device=%d channels=%v", cfg.Device, cfg.Channels)
	return nil
}

func (srv *server) init(msg msgStream) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.cfg == nil {
		return fmt.Errorf("rorc-tdaq: readout not configured")
	}
	if srv.ro != nil {
		err := srv.ro.Close()
		if err != nil {
			msg.Errorf("could not close previous readout: %+v", err)
		}
		srv.ro = nil
	}

	ro, err := readout.New(
		srv.cfg,
		readout.WithLogger(log.New(os.Stdout, "rorc-tdaq: ", 0)),
		readout.WithHandler(srv.publish),
	)
	if err != nil {
		msg.Errorf("could not create readout: %+v", err)
		return fmt.Errorf("rorc-tdaq: could not create readout: %w", err)
	}
	srv.ro = ro

	if ro.Simulated() {
		msg.Infof("running against a simulated device")
	}
	return nil
}

func (srv *server) reset(msg msgStream) error {
	err := srv.close()
	if err != nil {
		msg.Errorf("could not close readout: %+v", err)
		return err
	}
drain:
	for {
		select {
		case <-srv.data:
		default:
			break drain
		}
	}
	atomic.StoreUint64(&srv.sent, 0)
	atomic.StoreUint64(&srv.dropped, 0)
	return nil
}

func (srv *server) close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.ro == nil {
		return nil
	}
	err := srv.ro.Close()
	srv.ro = nil
	if err != nil {
		return fmt.Errorf("rorc-tdaq: could not close readout: %w", err)
	}
	return nil
}

// publish queues a copy of the checked events for the /events output.
// Failed events are not published.
func (srv *server) publish(evt dma.Event, st *dma.Status, failed event.Check) error {
	if failed != 0 {
		return nil
	}
	raw := make([]byte, len(evt.Data))
	copy(raw, evt.Data)

	select {
	case srv.data <- raw:
		atomic.AddUint64(&srv.sent, 1)
	default:
		atomic.AddUint64(&srv.dropped, 1)
	}
	return nil
}

func (srv *server) events(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

func (srv *server) run(ctx tdaq.Context) error {
	return srv.acquire(ctx.Ctx, ctx.Msg)
}

func (srv *server) acquire(ctx context.Context, msg msgStream) error {
	srv.mu.Lock()
	ro := srv.ro
	srv.mu.Unlock()

	if ro == nil {
		return fmt.Errorf("rorc-tdaq: readout not initialized")
	}

	err := ro.Run(ctx)
	if err != nil {
		msg.Errorf("could not run readout: %+v", err)
		return err
	}
	for _, st := range ro.Status() {
		msg.Infof("%v", st)
	}
	return nil
}
