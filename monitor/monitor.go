// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package monitor exports the status of DMA event streams as prometheus
// metrics.
package monitor // import "github.com/go-lpc/rorc/monitor"

import (
	"sort"
	"strconv"
	"sync"

	"github.com/go-lpc/rorc/dma"
	"github.com/prometheus/client_golang/prometheus"
)

type key struct {
	dev int
	ch  int
}

// Collector collects the last status reported by each event stream.
// Update may be called concurrently with a prometheus scrape.
type Collector struct {
	mu  sync.RWMutex
	sts map[key]dma.Status

	events *prometheus.Desc
	bytes  *prometheus.Desc
	errors *prometheus.Desc
	setoff *prometheus.Desc
	minEPI *prometheus.Desc
	maxEPI *prometheus.Desc
	index  *prometheus.Desc
}

// NewCollector returns a collector whose metrics are named
// <namespace>_dma_<name>.
func NewCollector(namespace string) *Collector {
	var (
		labels = []string{"device", "channel"}
		desc   = func(name, help string) *prometheus.Desc {
			return prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "dma", name),
				help, labels, nil,
			)
		}
	)
	return &Collector{
		sts:    make(map[key]dma.Status),
		events: desc("events_total", "Number of events consumed from the report ring."),
		bytes:  desc("bytes_total", "Number of bytes consumed from the event buffer."),
		errors: desc("errors_total", "Number of events that failed a sanity check."),
		setoff: desc("read_pointer_updates_total", "Number of read-pointer publications to the device."),
		minEPI: desc("min_events_per_iteration", "Minimum number of events released per polling iteration."),
		maxEPI: desc("max_events_per_iteration", "Maximum number of events released per polling iteration."),
		index:  desc("ring_index", "Current report-ring polling position."),
	}
}

// Update records st as the current status of its stream.
func (c *Collector) Update(st dma.Status) {
	c.mu.Lock()
	c.sts[key{st.Device, st.Channel}] = st
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.events, c.bytes, c.errors, c.setoff,
		c.minEPI, c.maxEPI, c.index,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sts := make([]dma.Status, 0, len(c.sts))
	for _, st := range c.sts {
		sts = append(sts, st)
	}
	c.mu.RUnlock()

	sort.Slice(sts, func(i, j int) bool {
		if sts[i].Device != sts[j].Device {
			return sts[i].Device < sts[j].Device
		}
		return sts[i].Channel < sts[j].Channel
	})

	for _, st := range sts {
		var (
			dev = strconv.Itoa(st.Device)
			id  = strconv.Itoa(st.Channel)
		)
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(st.NEvents), dev, id)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(st.Bytes), dev, id)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(st.Errors), dev, id)
		ch <- prometheus.MustNewConstMetric(c.setoff, prometheus.CounterValue, float64(st.SetOffset), dev, id)
		ch <- prometheus.MustNewConstMetric(c.minEPI, prometheus.GaugeValue, float64(st.MinEPI), dev, id)
		ch <- prometheus.MustNewConstMetric(c.maxEPI, prometheus.GaugeValue, float64(st.MaxEPI), dev, id)
		ch <- prometheus.MustNewConstMetric(c.index, prometheus.GaugeValue, float64(st.Index), dev, id)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
