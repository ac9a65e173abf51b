// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command rorc-dma-in reads out events from the DMA channels of a RORC
// device, and runs sanity checks on them.
//
// Usage: rorc-dma-in [OPTIONS]
//
// Example:
//
//	$> rorc-dma-in -cfg ./readout.yaml -n 1000000
//	$> rorc-dma-in -sim -timeout=10s -prom=:9101
package main // import "github.com/go-lpc/rorc/cmd/rorc-dma-in"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-lpc/rorc/config"
	"github.com/go-lpc/rorc/monitor"
	"github.com/go-lpc/rorc/readout"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sbinet/pmon"
)

func main() {
	var (
		cfgName  = flag.String("cfg", "", "path to a YAML configuration file")
		doSim    = flag.Bool("sim", false, "run against a simulated device")
		nevts    = flag.Uint64("n", 0, "number of events to read per channel (0: until interrupted)")
		timeout  = flag.Duration("timeout", 0, "stop the readout after the given duration (0: no timeout)")
		promAddr = flag.String("prom", "", "[address]:port of the prometheus metrics endpoint")
		doMon    = flag.Bool("pmon", false, "enable pmon monitoring")
		monFreq  = flag.Duration("pmon-freq", 1*time.Second, "pmon frequency")
		verbose  = flag.Bool("v", false, "enable verbose mode")
	)

	log.SetPrefix("rorc-dma-in: ")
	log.SetFlags(0)

	flag.Parse()

	cfg, err := loadConfig(*cfgName)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *timeout)
		defer stop()
	}

	if *doMon {
		stop, err := startMonitor(os.Getpid(), *monFreq)
		if err != nil {
			log.Fatalf("could not start process monitoring: %+v", err)
		}
		defer stop()
	}

	var (
		coll = monitor.NewCollector("rorc")
		msg  = log.New(io.Discard, "rorc-dma-in: ", 0)
	)
	if *verbose {
		msg.SetOutput(os.Stdout)
	}

	if *promAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(coll)
		go func() {
			log.Printf("prometheus metrics on %s/metrics", *promAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(*promAddr, mux)
			if err != nil {
				log.Printf("could not serve prometheus metrics: %+v", err)
			}
		}()
	}

	err = run(
		ctx, cfg,
		readout.WithSim(*doSim),
		readout.WithMaxEvents(*nevts),
		readout.WithCollector(coll),
		readout.WithLogger(msg),
	)
	if err != nil {
		log.Fatalf("could not run readout: %+v", err)
	}
}

func loadConfig(fname string) (*config.Config, error) {
	if fname == "" {
		return config.Default(), nil
	}

	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %w", err)
	}
	defer f.Close()

	return config.Load(f)
}

func startMonitor(pid int, freq time.Duration) (func(), error) {
	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("could not monitor pid=%d: %w", pid, err)
	}
	f, err := os.Create(fmt.Sprintf("rorc-dma-in-%d-pmon.log", pid))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop pmon: %+v", err)
		}
		_ = f.Close()
	}, nil
}

func run(ctx context.Context, cfg *config.Config, opts ...readout.Option) error {
	ro, err := readout.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("could not setup readout: %w", err)
	}
	defer ro.Close()

	if ro.Simulated() {
		log.Printf("running against a simulated device")
	}

	err = ro.Run(ctx)
	if err != nil {
		return err
	}

	for _, st := range ro.Status() {
		log.Printf("%v", st)
	}

	err = ro.Close()
	if err != nil {
		return fmt.Errorf("could not close readout: %w", err)
	}
	return nil
}
