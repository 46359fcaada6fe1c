// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"strconv"

	"github.com/go-lpc/wsnlat/dio"
)

// Latency is the delay between the trigger and a received packet.
// A zero-value Latency denotes a missed packet.
type Latency struct {
	Ms float64 // delay in milliseconds
	OK bool    // whether the packet was received
}

// Missed returns whether no packet was received.
func (lat Latency) Missed() bool { return !lat.OK }

func (lat Latency) String() string {
	if !lat.OK {
		return "MISSED"
	}
	return strconv.FormatFloat(lat.Ms, 'g', -1, 64) + " ms"
}

// Channel is a monitored receiver line.
type Channel struct {
	ID   string
	Mask dio.Mask
}

// Result holds the latencies extracted from a capture.
type Result struct {
	Channels  []Channel
	Latencies []Latency // latency of each channel, in the order of Channels
	Min       Latency   // latency of the first channel to receive
}

// Latency returns the latency of the channel with the provided id.
func (res Result) Latency(id string) Latency {
	for i, ch := range res.Channels {
		if ch.ID == id {
			return res.Latencies[i]
		}
	}
	return Latency{}
}

// Extract computes, for each channel, the delay until its lines first
// differ from the steady state.
//
// The sample at position i is at index i+1 and its latency is
// (i+1)*period. Only the first transition of a channel counts.
// Channels that never change are reported missed.
// Extract has no side effects: identical inputs give identical results.
func Extract(samples []dio.Sample, steady dio.Sample, period float64, chans []Channel) Result {
	res := Result{
		Channels:  chans,
		Latencies: make([]Latency, len(chans)),
	}

	pending := len(chans)
	for i, smp := range samples {
		if pending == 0 {
			break
		}
		diff := dio.Mask(smp ^ steady)
		if diff == 0 {
			continue
		}
		idx := i + 1
		for j, ch := range chans {
			if res.Latencies[j].OK || diff&ch.Mask == 0 {
				continue
			}
			lat := Latency{Ms: float64(idx) * period, OK: true}
			res.Latencies[j] = lat
			if !res.Min.OK {
				res.Min = lat
			}
			pending--
		}
	}

	return res
}
