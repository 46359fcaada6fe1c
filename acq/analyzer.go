// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"fmt"

	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
)

type node struct {
	name  string
	lines []int
	chans []Channel
}

// Analyzer turns captures into latency records, node by node.
type Analyzer struct {
	nodes  []node
	bands  []config.Band
	period float64
}

// NewAnalyzer creates an analyzer for the nodes and anomaly bands of cfg.
func NewAnalyzer(cfg config.Experiment) *Analyzer {
	ana := &Analyzer{
		bands:  cfg.Anomalies,
		period: cfg.Timing().Period,
	}
	for _, n := range cfg.Nodes {
		nd := node{name: n.Name, lines: n.Rx}
		for _, ch := range n.Rx {
			nd.chans = append(nd.chans, Channel{
				ID:   fmt.Sprintf("%s/rx%d", n.Name, ch),
				Mask: dio.Bit(ch),
			})
		}
		ana.nodes = append(ana.nodes, nd)
	}
	return ana
}

// receivers returns the packet-received mask of each node.
func (ana *Analyzer) receivers() []dio.Mask {
	o := make([]dio.Mask, len(ana.nodes))
	for i, n := range ana.nodes {
		for _, c := range n.chans {
			o[i] |= c.Mask
		}
	}
	return o
}

// Analyze extracts the latencies of a capture sampled with the given
// period (ms). A zero period selects the period of the configuration.
func (ana *Analyzer) Analyze(capt Capture, period float64) Record {
	if period == 0 {
		period = ana.period
	}
	rec := Record{
		Trial:   capt.Trial,
		Outcome: capt.Outcome,
		Err:     capt.Err,
		Steady:  capt.Steady,
		Period:  period,
		Session: capt.Session,
		Nodes:   make([]NodeLatency, len(ana.nodes)),
	}
	for i, n := range ana.nodes {
		res := Extract(capt.Samples, capt.Steady, period, n.chans)
		nl := NodeLatency{
			Node:     n.name,
			Channels: make([]ChannelLatency, len(n.chans)),
			Min:      res.Min,
		}
		for j, lat := range res.Latencies {
			nl.Channels[j] = ChannelLatency{Node: n.name, Line: n.lines[j], Latency: lat}
			if lat.OK && ana.suspicious(lat.Ms) {
				rec.Anomaly = true
			}
		}
		if res.Min.OK && (!rec.Min.OK || res.Min.Ms < rec.Min.Ms) {
			rec.Min = res.Min
		}
		rec.Nodes[i] = nl
	}

	// a reception seen on the inputs but absent from the samples
	// cannot be measured.
	if !rec.Min.OK {
		rec.Outcome = Missed
	}
	if rec.Outcome == Missed && rec.Trial > 0 {
		rec.Trial = -rec.Trial
	}

	return rec
}

func (ana *Analyzer) suspicious(ms float64) bool {
	for _, b := range ana.bands {
		if b.Contains(ms) {
			return true
		}
	}
	return false
}
