// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/dio"
)

// Sink persists latency records.
type Sink interface {
	WriteRecord(rec Record) error
}

// SampleSink keeps the raw samples of a trial for offline inspection.
type SampleSink interface {
	WriteSamples(rec Record, samples []dio.Sample) error
}

// Option configures an Experiment.
type Option func(*Experiment)

// WithLogger sets the message stream of the experiment.
func WithLogger(msg log.MsgStream) Option {
	return func(exp *Experiment) {
		exp.msg = msg
	}
}

// WithSink appends a sink receiving every record.
func WithSink(s Sink) Option {
	return func(exp *Experiment) {
		exp.sinks = append(exp.sinks, s)
	}
}

// WithSamples sets the sink receiving the samples of every trial.
func WithSamples(s SampleSink) Option {
	return func(exp *Experiment) {
		exp.all = s
	}
}

// WithRawDump sets the sink receiving the samples of missed and
// anomalous trials.
func WithRawDump(s SampleSink) Option {
	return func(exp *Experiment) {
		exp.dump = s
	}
}

// WithAnomalies sets the sink receiving the samples of trials with a
// latency in one of the suspicious bands of the configuration.
func WithAnomalies(s SampleSink) Option {
	return func(exp *Experiment) {
		exp.anomalies = s
	}
}

// WithMissHook registers f to be called each time n consecutive trials
// were missed.
func WithMissHook(n int, f func(streak int, rec Record)) Option {
	return func(exp *Experiment) {
		exp.hook.n = n
		exp.hook.f = f
	}
}
