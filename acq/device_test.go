// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"io"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/dio"
)

var msgDiscard = log.NewMsgStream("test", log.LvlError, io.Discard)

// script describes what the instrument reports during one capture.
type script struct {
	recs   []dio.Record   // record reported by each Status call
	chunks [][]dio.Sample // samples fetched by each Status call
	inputs []dio.Sample   // successive ReadInputs values, the first is the steady state
}

type fakeDevice struct {
	scripts []script
	cur     script
	trials  int
	status  int
	input   int

	ops     []string
	outputs []dio.Sample
	enabled dio.Mask
	trig    dio.Trigger
	fail    map[string]error

	stopped bool
	closed  bool
}

func newFakeDevice(scripts ...script) *fakeDevice {
	return &fakeDevice{scripts: scripts, fail: make(map[string]error)}
}

func (dev *fakeDevice) op(name string) error {
	dev.ops = append(dev.ops, name)
	return dev.fail[name]
}

func (dev *fakeDevice) ConfigureOutputs(m dio.Mask) error {
	dev.enabled = m
	return dev.op("outputs")
}

func (dev *fakeDevice) WriteOutputs(v dio.Sample) error {
	dev.outputs = append(dev.outputs, v)
	return dev.op("write")
}

func (dev *fakeDevice) ReadInputs() (dio.Sample, error) {
	err := dev.op("read")
	if len(dev.cur.inputs) == 0 {
		return 0, err
	}
	i := min(dev.input, len(dev.cur.inputs)-1)
	dev.input++
	return dev.cur.inputs[i], err
}

func (dev *fakeDevice) ConfigureTrigger(trig dio.Trigger) error {
	dev.trig = trig
	return dev.op("trigger")
}

func (dev *fakeDevice) Start() error {
	if len(dev.scripts) > 0 {
		dev.cur = dev.scripts[min(dev.trials, len(dev.scripts)-1)]
	}
	dev.trials++
	dev.status = 0
	dev.input = 0
	dev.stopped = false
	return dev.op("start")
}

func (dev *fakeDevice) Stop() error {
	dev.stopped = true
	return dev.op("stop")
}

func (dev *fakeDevice) Status() (dio.State, error) {
	dev.status++
	err := dev.op("status")
	if dev.status >= len(dev.cur.recs) {
		return dio.StateDone, err
	}
	return dio.StateRunning, err
}

func (dev *fakeDevice) Record() (dio.Record, error) {
	i := dev.status - 1
	if i < 0 || i >= len(dev.cur.recs) {
		return dio.Record{}, dev.fail["record"]
	}
	return dev.cur.recs[i], dev.fail["record"]
}

func (dev *fakeDevice) Data(dst []dio.Sample) error {
	i := dev.status - 1
	if i >= 0 && i < len(dev.cur.chunks) {
		copy(dst, dev.cur.chunks[i])
	}
	return dev.fail["data"]
}

func (dev *fakeDevice) Close() error {
	dev.closed = true
	return dev.op("close")
}

func (dev *fakeDevice) index(op string) int {
	for i, v := range dev.ops {
		if v == op {
			return i
		}
	}
	return -1
}

var _ dio.Device = (*fakeDevice)(nil)
