// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"github.com/go-lpc/wsnlat/dio"
)

// ChannelLatency is the latency measured on one packet-received line.
type ChannelLatency struct {
	Node string
	Line int
	Latency
}

// NodeLatency holds the latencies measured on the lines of a node.
type NodeLatency struct {
	Node     string
	Channels []ChannelLatency
	Min      Latency
}

// Record is the outcome of one trial.
// Records are never modified once created.
type Record struct {
	// Trial is the trial number, starting at 1.
	// Trial is negative for missed trials, whose latencies are unverified.
	Trial   int
	Outcome Outcome
	Err     error // ErrTriggerTimeout when the trial timed out
	Anomaly bool  // whether a latency fell in a suspicious band

	Steady  dio.Sample
	Period  float64 // sampling period (ms)
	Session Session

	Nodes []NodeLatency
	Min   Latency
}

// Channels returns the latencies of all the lines, node by node.
func (rec Record) Channels() []ChannelLatency {
	var o []ChannelLatency
	for _, n := range rec.Nodes {
		o = append(o, n.Channels...)
	}
	return o
}

// Index returns the absolute trial number.
func (rec Record) Index() int {
	if rec.Trial < 0 {
		return -rec.Trial
	}
	return rec.Trial
}
