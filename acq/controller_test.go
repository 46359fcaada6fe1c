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

	"github.com/go-lpc/wsnlat/dio"
)

func newSetup(rx ...dio.Mask) Setup {
	return Setup{
		Outputs:    dio.MaskOf(0, 4),
		Press:      dio.Bit(0),
		Killswitch: dio.Bit(4),
		Trigger:    dio.Bit(1),
		Receivers:  rx,
		Samples:    16,
		Divider:    1000,
		Timeout:    time.Second,
	}
}

func TestControllerReceived(t *testing.T) {
	dev := newFakeDevice(script{
		recs: []dio.Record{
			{Available: 2},
			{Available: 1},
			{Available: 1},
		},
		chunks: [][]dio.Sample{
			{0, 0},
			{0x8},
			{0x8},
		},
		inputs: []dio.Sample{0, 0, 0x8},
	})

	ctl := NewController(dev, newSetup(0x8), msgDiscard)
	capt, err := ctl.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}

	if got, want := capt.Outcome, Received; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if capt.Err != nil {
		t.Fatalf("unexpected trial error: %+v", capt.Err)
	}
	if got, want := capt.Samples, []dio.Sample{0, 0, 0x8, 0x8}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid samples: got=%v, want=%v", got, want)
	}
	if got, want := capt.Session, (Session{Target: 16, Copied: 3}); got != want {
		t.Fatalf("invalid session: got=%+v, want=%+v", got, want)
	}
	if got, want := ctl.Phase(), PhaseDone; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}

	want := []string{
		"outputs", "trigger", "start",
		"write", "read", // release killswitch, steady state
		"write", "write", // press, release
		"status", "read",
		"status", "read",
		"stop", "status",
		"write", // killswitch
	}
	if !reflect.DeepEqual(dev.ops, want) {
		t.Fatalf("invalid operations:\ngot= %q\nwant=%q", dev.ops, want)
	}
	if got, want := dev.outputs, []dio.Sample{0, 0x1, 0, 0x10}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid outputs: got=%v, want=%v", got, want)
	}
	if got, want := dev.trig, (dio.Trigger{Source: 0x2, Edge: dio.EdgeRise, Samples: 16, Divider: 1000}); got != want {
		t.Fatalf("invalid trigger: got=%+v, want=%+v", got, want)
	}
	if got, want := dev.enabled, dio.MaskOf(0, 4); got != want {
		t.Fatalf("invalid output directions: got=%v, want=%v", got, want)
	}
}

func TestControllerMissed(t *testing.T) {
	dev := newFakeDevice(script{
		recs: []dio.Record{
			{Available: 8},
			{Available: 8, Lost: 1},
		},
		chunks: [][]dio.Sample{
			make([]dio.Sample, 8),
			make([]dio.Sample, 8),
		},
		inputs: []dio.Sample{0x1},
	})

	ctl := NewController(dev, newSetup(0x8), msgDiscard)
	capt, err := ctl.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}

	if got, want := capt.Outcome, Missed; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if got, want := capt.Session, (Session{Target: 16, Copied: 16, Lost: 1}); got != want {
		t.Fatalf("invalid session: got=%+v, want=%+v", got, want)
	}
	if got, want := len(capt.Samples), 16; got != want {
		t.Fatalf("raw samples not preserved: got=%d, want=%d", got, want)
	}
	if dev.index("stop") >= 0 {
		t.Fatalf("completed capture should not be stopped: %q", dev.ops)
	}
}

func TestControllerTimeout(t *testing.T) {
	dev := newFakeDevice(script{
		inputs: []dio.Sample{0},
	})

	setup := newSetup(0x8)
	setup.Timeout = 20 * time.Millisecond
	setup.Poll = time.Millisecond

	ctl := NewController(dev, setup, msgDiscard)
	capt, err := ctl.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, Missed; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if !errors.Is(capt.Err, ErrTriggerTimeout) {
		t.Fatalf("invalid trial error: %+v", capt.Err)
	}
	if !dev.stopped {
		t.Fatalf("timed out capture should be stopped")
	}
}

func TestControllerMultiReceivers(t *testing.T) {
	dev := newFakeDevice(script{
		recs: []dio.Record{
			{Available: 2},
			{Available: 2},
			{Available: 0},
		},
		chunks: [][]dio.Sample{
			{0x00, 0x20},
			{0x04, 0x24},
			nil,
		},
		inputs: []dio.Sample{0, 0x20, 0x24},
	})

	ctl := NewController(dev, newSetup(0x04, 0x20), msgDiscard)
	capt, err := ctl.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, Received; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if got, want := dev.index("stop"), 11; got != want {
		t.Fatalf("capture stopped before all receivers reported: %q", dev.ops)
	}

	res := Extract(capt.Samples, capt.Steady, 1, []Channel{
		{ID: "A", Mask: 0x04},
		{ID: "B", Mask: 0x20},
	})
	if got, want := res.Latencies, []Latency{ok(3), ok(2)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid latencies: got=%v, want=%v", got, want)
	}
}

func TestControllerPartialReceivers(t *testing.T) {
	dev := newFakeDevice(script{
		recs:   []dio.Record{{Available: 16}},
		chunks: [][]dio.Sample{{0, 0x20}},
		inputs: []dio.Sample{0, 0x20},
	})

	ctl := NewController(dev, newSetup(0x04, 0x20), msgDiscard)
	capt, err := ctl.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, Received; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if dev.index("stop") >= 0 {
		t.Fatalf("exhausted capture should not be stopped: %q", dev.ops)
	}
}

func TestControllerFullBeforeEdge(t *testing.T) {
	dev := newFakeDevice(script{
		recs:   []dio.Record{{Available: 16}},
		chunks: [][]dio.Sample{make([]dio.Sample, 16)},
		inputs: []dio.Sample{0, 0x8},
	})

	ctl := NewController(dev, newSetup(0x8), msgDiscard)
	capt, err := ctl.Run(context.Background(), 5)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, Missed; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if dev.index("stop") >= 0 {
		t.Fatalf("exhausted capture should not be stopped: %q", dev.ops)
	}
	want := []string{
		"outputs", "trigger", "start",
		"write", "read",
		"write", "write",
		"status",
		"write",
	}
	if !reflect.DeepEqual(dev.ops, want) {
		t.Fatalf("invalid operations:\ngot= %q\nwant=%q", dev.ops, want)
	}
	if got, want := len(capt.Samples), 16; got != want {
		t.Fatalf("raw samples not preserved: got=%d, want=%d", got, want)
	}
}

func TestControllerTimeoutPartialReceivers(t *testing.T) {
	dev := newFakeDevice(script{
		recs:   []dio.Record{{Available: 1}, {}},
		chunks: [][]dio.Sample{{0x20}, nil},
		inputs: []dio.Sample{0, 0x20},
	})

	setup := newSetup(0x04, 0x20)
	setup.Timeout = 20 * time.Millisecond
	setup.Poll = time.Millisecond

	ctl := NewController(dev, setup, msgDiscard)
	capt, err := ctl.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, Received; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if !errors.Is(capt.Err, ErrTriggerTimeout) {
		t.Fatalf("invalid trial error: %+v", capt.Err)
	}
	if !dev.stopped {
		t.Fatalf("timed out capture should be stopped")
	}

	res := Extract(capt.Samples, capt.Steady, 1, []Channel{
		{ID: "A", Mask: 0x04},
		{ID: "B", Mask: 0x20},
	})
	if got, want := res.Latencies, []Latency{{}, ok(1)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid latencies: got=%v, want=%v", got, want)
	}
}

func TestControllerCancel(t *testing.T) {
	dev := newFakeDevice(script{
		inputs: []dio.Sample{0},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setup := newSetup(0x8)
	setup.Rest = 0x10
	setup.Killswitch = 0
	ctl := NewController(dev, setup, msgDiscard)
	_, err := ctl.Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("invalid error: %+v", err)
	}
	if !dev.stopped {
		t.Fatalf("capture not stopped on cancellation")
	}
	if got, want := dev.outputs[len(dev.outputs)-1], dio.Sample(0x10); got != want {
		t.Fatalf("outputs not reset: got=%v, want=%v", got, want)
	}
	if got, want := ctl.Phase(), PhaseIdle; got != want {
		t.Fatalf("invalid phase: got=%v, want=%v", got, want)
	}
}

func TestControllerCancelDuringSettle(t *testing.T) {
	dev := newFakeDevice(script{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	setup := newSetup(0x8)
	setup.Settle = time.Hour
	ctl := NewController(dev, setup, msgDiscard)
	_, err := ctl.Run(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("invalid error: %+v", err)
	}
	if dev.index("read") >= 0 {
		t.Fatalf("steady state read after cancellation")
	}
}

func TestControllerDeviceError(t *testing.T) {
	for _, tc := range []struct {
		op   string
		want string
	}{
		{"outputs", "acq: could not configure outputs: boom"},
		{"trigger", "acq: could not configure trigger: boom"},
		{"start", "acq: could not start capture: boom"},
		{"read", "acq: could not read steady state: boom"},
		{"status", "acq: could not read acquisition status: boom"},
	} {
		t.Run(tc.op, func(t *testing.T) {
			dev := newFakeDevice(script{
				recs:   []dio.Record{{Available: 1}},
				chunks: [][]dio.Sample{{0}},
				inputs: []dio.Sample{0},
			})
			dev.fail[tc.op] = errors.New("boom")

			ctl := NewController(dev, newSetup(0x8), msgDiscard)
			_, err := ctl.Run(context.Background(), 1)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error: got=%q, want=%q", got, want)
			}
			var derr *DeviceError
			if !errors.As(err, &derr) {
				t.Fatalf("invalid error type %T", err)
			}
			if !dev.stopped {
				t.Fatalf("instrument not shut down")
			}
		})
	}
}

func TestControllerNoReceiver(t *testing.T) {
	ctl := NewController(newFakeDevice(), newSetup(), msgDiscard)
	_, err := ctl.Run(context.Background(), 1)
	if !errors.Is(err, errNoReceiver) {
		t.Fatalf("invalid error: %+v", err)
	}
}
