// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thermoquad/autoterm/pkg/devstate"
)

const namespace = "autoterm"

// Collector exports device fields, bus counters and controller state,
// read from the engine at scrape time
type Collector struct {
	engine Engine

	field      *prometheus.Desc
	stale      *prometheus.Desc
	frames     *prometheus.Desc
	crcErrors  *prometheus.Desc
	lenErrors  *prometheus.Desc
	noise      *prometheus.Desc
	sent       *prometheus.Desc
	retries    *prometheus.Desc
	dropped    *prometheus.Desc
	timeouts   *prometheus.Desc
	connected  *prometheus.Desc
	ctrlState  *prometheus.Desc
	ctrlLevel  *prometheus.Desc
	conditions *prometheus.Desc
}

// NewCollector creates a collector for e
func NewCollector(e Engine) *Collector {
	busDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", name), help, []string{"bus"}, nil)
	}
	return &Collector{
		engine: e,
		field: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "field"),
			"Numeric value of a fresh device field.", []string{"field"}, nil),
		stale: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "field_stale"),
			"1 when a device field is stale.", []string{"field"}, nil),
		frames:    busDesc("frames_total", "Valid frames received."),
		crcErrors: busDesc("crc_errors_total", "Frames discarded on checksum mismatch."),
		lenErrors: busDesc("length_errors_total", "Frames discarded on invalid length."),
		noise:     busDesc("noise_bytes_total", "Bytes skipped while searching for a preamble."),
		sent:      busDesc("sent_total", "Frames transmitted."),
		retries:   busDesc("retries_total", "Command retransmissions."),
		dropped:   busDesc("dropped_total", "Commands dropped without acknowledgement."),
		timeouts:  busDesc("timeouts_total", "Bus silence timeouts."),
		connected: busDesc("connected", "1 while the bus carries valid frames."),
		ctrlState: prometheus.NewDesc(prometheus.BuildFQName(namespace, "thermostat", "state"),
			"1 for the current controller state.", []string{"state", "regulation"}, nil),
		ctrlLevel: prometheus.NewDesc(prometheus.BuildFQName(namespace, "thermostat", "level"),
			"Last commanded power level.", nil, nil),
		conditions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "thermostat", "condition"),
			"1 for each active controller condition.", []string{"condition"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.field, c.stale, c.frames, c.crcErrors, c.lenErrors, c.noise, c.sent,
		c.retries, c.dropped, c.timeouts, c.connected, c.ctrlState, c.ctrlLevel,
		c.conditions,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.Snapshot()
	for _, f := range devstate.Fields {
		v, ok := snap[f]
		if !ok {
			continue
		}
		stale := 0.0
		if v.Stale || !v.Set {
			stale = 1
		} else {
			ch <- prometheus.MustNewConstMetric(c.field, prometheus.GaugeValue, v.Number, string(f))
		}
		ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, stale, string(f))
	}

	for name, s := range c.engine.BusStats() {
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), name)
		}
		counter(c.frames, s.Frames)
		counter(c.crcErrors, s.CRCErrors)
		counter(c.lenErrors, s.LengthErrors)
		counter(c.noise, s.NoiseBytes)
		counter(c.sent, s.Sent)
		counter(c.retries, s.Retries)
		counter(c.dropped, s.Dropped)
		counter(c.timeouts, s.Timeouts)
		connected := 0.0
		if s.Connected {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, name)
	}

	st := c.engine.ControllerStatus()
	ch <- prometheus.MustNewConstMetric(c.ctrlState, prometheus.GaugeValue, 1, st.State, st.Regulation)
	ch <- prometheus.MustNewConstMetric(c.ctrlLevel, prometheus.GaugeValue, float64(st.LastLevel))
	for _, cond := range st.Conditions {
		ch <- prometheus.MustNewConstMetric(c.conditions, prometheus.GaugeValue, 1, cond)
	}
}
