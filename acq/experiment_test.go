// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
)

var (
	received3ms = script{
		recs:   []dio.Record{{Available: 2}, {Available: 1}, {Available: 1}},
		chunks: [][]dio.Sample{{0, 0}, {0x8}, {0x8}},
		inputs: []dio.Sample{0, 0, 0x8},
	}
	missed = script{
		recs:   []dio.Record{{Available: 4}, {Available: 4}},
		chunks: [][]dio.Sample{{0, 0, 0, 0}, {0, 0, 0, 0}},
		inputs: []dio.Sample{0},
	}
	received1ms = script{
		recs:   []dio.Record{{Available: 1}, {}},
		chunks: [][]dio.Sample{{0x8}, nil},
		inputs: []dio.Sample{0, 0x8},
	}
)

func newTestConfig() config.Experiment {
	ks := 4
	cfg := config.Default()
	cfg.Nodes = []config.Node{{Name: "mote", Press: 0, Mirror: 1, Rx: []int{3}}}
	cfg.Killswitch = &ks
	cfg.Clock = 1e6
	cfg.Rate = 1e3
	cfg.Samples = 8
	cfg.Settle = 0
	cfg.Timeout = time.Second
	cfg.Trials = 3
	return cfg
}

type recordSink struct {
	recs []Record
}

func (s *recordSink) WriteRecord(rec Record) error {
	s.recs = append(s.recs, rec)
	return nil
}

type sampleSink struct {
	trials  []int
	samples [][]dio.Sample
}

func (s *sampleSink) WriteSamples(rec Record, samples []dio.Sample) error {
	s.trials = append(s.trials, rec.Trial)
	s.samples = append(s.samples, samples)
	return nil
}

func TestExperimentRun(t *testing.T) {
	var (
		dev   = newFakeDevice(received3ms, missed, received1ms)
		sink  = new(recordSink)
		dump  = new(sampleSink)
		anom  = new(sampleSink)
		hooks []int
	)

	exp, err := New(
		dev, newTestConfig(),
		WithLogger(msgDiscard),
		WithSink(sink),
		WithRawDump(dump),
		WithAnomalies(anom),
		WithMissHook(1, func(streak int, rec Record) {
			hooks = append(hooks, rec.Trial)
		}),
	)
	if err != nil {
		t.Fatalf("could not create experiment: %+v", err)
	}

	if got, want := exp.Timing(), (config.Timing{Divider: 1000, Rate: 1e3, Period: 1, Samples: 8}); got != want {
		t.Fatalf("invalid timing: got=%+v, want=%+v", got, want)
	}

	err = exp.Run(context.Background())
	if err != nil {
		t.Fatalf("could not run experiment: %+v", err)
	}

	recs := exp.Records()
	if !reflect.DeepEqual(recs, sink.recs) {
		t.Fatalf("sink and experiment records differ")
	}

	type summary struct {
		trial   int
		outcome Outcome
		anomaly bool
		min     Latency
		lat     Latency
	}
	var got []summary
	for _, rec := range recs {
		got = append(got, summary{
			trial:   rec.Trial,
			outcome: rec.Outcome,
			anomaly: rec.Anomaly,
			min:     rec.Min,
			lat:     rec.Channels()[0].Latency,
		})
	}
	want := []summary{
		{trial: 1, outcome: Received, min: ok(3), lat: ok(3)},
		{trial: -2, outcome: Missed},
		{trial: 3, outcome: Received, anomaly: true, min: ok(1), lat: ok(1)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid records:\ngot= %+v\nwant=%+v", got, want)
	}

	if got, want := recs[0].Nodes[0].Node, "mote"; got != want {
		t.Fatalf("invalid node name: got=%q, want=%q", got, want)
	}
	if got, want := recs[0].Channels()[0].Line, 3; got != want {
		t.Fatalf("invalid line: got=%d, want=%d", got, want)
	}

	if got, want := dump.trials, []int{-2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid raw dumps: got=%v, want=%v", got, want)
	}
	if got, want := len(dump.samples[0]), 8; got != want {
		t.Fatalf("missed trial samples not kept: got=%d, want=%d", got, want)
	}
	if got, want := anom.trials, []int{3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid anomalies: got=%v, want=%v", got, want)
	}
	if got, want := hooks, []int{-2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid miss hooks: got=%v, want=%v", got, want)
	}

	err = exp.Close()
	if err != nil {
		t.Fatalf("could not close experiment: %+v", err)
	}
	if !dev.closed || !dev.stopped {
		t.Fatalf("instrument not shut down (closed=%v, stopped=%v)", dev.closed, dev.stopped)
	}
	if got, want := dev.outputs[len(dev.outputs)-1], dio.Sample(0); got != want {
		t.Fatalf("outputs not reset: got=%v, want=%v", got, want)
	}

	err = exp.Close()
	if err != nil {
		t.Fatalf("could not close experiment twice: %+v", err)
	}
	_, err = exp.RunTrial(context.Background())
	if err == nil {
		t.Fatalf("expected an error running a closed experiment")
	}
}

func TestExperimentMissedSamples(t *testing.T) {
	// the reception shows on the inputs but never reaches the capture.
	unseen := script{
		recs:   []dio.Record{{Available: 2}},
		chunks: [][]dio.Sample{{0, 0}},
		inputs: []dio.Sample{0, 0x8},
	}

	var (
		dev  = newFakeDevice(missed, unseen)
		sink = new(recordSink)
		dump = new(sampleSink)
		cfg  = newTestConfig()
	)
	cfg.Trials = 2
	cfg.Anomalies = nil

	exp, err := New(dev, cfg, WithLogger(msgDiscard), WithSink(sink), WithRawDump(dump))
	if err != nil {
		t.Fatalf("could not create experiment: %+v", err)
	}
	defer exp.Close()

	err = exp.Run(context.Background())
	if err != nil {
		t.Fatalf("could not run experiment: %+v", err)
	}

	for i, rec := range sink.recs {
		if got, want := rec.Outcome, Missed; got != want {
			t.Fatalf("trial %d: invalid outcome: got=%v, want=%v", i+1, got, want)
		}
		if got, want := rec.Trial, -(i + 1); got != want {
			t.Fatalf("trial %d: invalid trial index: got=%d, want=%d", i+1, got, want)
		}
	}

	if got, want := dump.trials, []int{-1, -2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid raw dumps: got=%v, want=%v", got, want)
	}
	want := [][]dio.Sample{make([]dio.Sample, 8), {0, 0}}
	if !reflect.DeepEqual(dump.samples, want) {
		t.Fatalf("invalid raw samples:\ngot= %v\nwant=%v", dump.samples, want)
	}
}

func TestExperimentRetryPolicy(t *testing.T) {
	cfg := newTestConfig()
	cfg.Trials = 2
	cfg.Policy = config.PolicyRetry

	dev := newFakeDevice(missed, received3ms, missed, received3ms)
	exp, err := New(dev, cfg, WithLogger(msgDiscard))
	if err != nil {
		t.Fatalf("could not create experiment: %+v", err)
	}
	defer exp.Close()

	err = exp.Run(context.Background())
	if err != nil {
		t.Fatalf("could not run experiment: %+v", err)
	}

	var trials []int
	for _, rec := range exp.Records() {
		trials = append(trials, rec.Trial)
	}
	if got, want := trials, []int{-1, 2, -3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid trials: got=%v, want=%v", got, want)
	}
}

func TestExperimentMaxAttempts(t *testing.T) {
	cfg := newTestConfig()
	cfg.Trials = 2
	cfg.Policy = config.PolicyRetry
	cfg.MaxAttempts = 2

	exp, err := New(newFakeDevice(missed), cfg, WithLogger(msgDiscard))
	if err != nil {
		t.Fatalf("could not create experiment: %+v", err)
	}
	defer exp.Close()

	err = exp.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "acq: giving up after 2 attempts (0/2 trials received)"; got != want {
		t.Fatalf("invalid error: got=%q, want=%q", got, want)
	}
}

func TestExperimentDeviceError(t *testing.T) {
	dev := newFakeDevice(received3ms)
	dev.fail["trigger"] = errors.New("usb unplugged")

	exp, err := New(dev, newTestConfig(), WithLogger(msgDiscard))
	if err != nil {
		t.Fatalf("could not create experiment: %+v", err)
	}

	err = exp.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "acq: trial 1 failed: acq: could not configure trigger: usb unplugged"; got != want {
		t.Fatalf("invalid error: got=%q, want=%q", got, want)
	}
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("invalid error type: %T", err)
	}
	if len(exp.Records()) != 0 {
		t.Fatalf("failed trial was recorded")
	}

	err = exp.Close()
	if err != nil {
		t.Fatalf("could not close experiment: %+v", err)
	}
	if !dev.closed {
		t.Fatalf("instrument not closed")
	}
}

func TestExperimentInvalidConfig(t *testing.T) {
	cfg := newTestConfig()
	cfg.Nodes[0].Rx = []int{0}

	dev := newFakeDevice()
	_, err := New(dev, cfg)
	var cerr *config.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("invalid error: %+v", err)
	}
	if len(dev.ops) != 0 {
		t.Fatalf("instrument used before configuration was validated: %q", dev.ops)
	}
}
