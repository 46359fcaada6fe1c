// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcpio

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/dio"
)

type fakeBus struct {
	mu     sync.Mutex
	regs   [0x16]uint8
	reads  int
	inputs func(n int) uint16 // GPIO value at the n-th read
	fail   error
	closed bool
}

func (bus *fakeBus) ReadReg(addr, reg uint8) (uint8, error) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.fail != nil {
		return 0, bus.fail
	}
	switch reg {
	case regGPIOA, regGPIOB:
		v := uint16(bus.regs[regGPIOA]) | uint16(bus.regs[regGPIOB])<<8
		if bus.inputs != nil {
			v = bus.inputs(bus.reads / 2)
		}
		bus.reads++
		if reg == regGPIOA {
			return uint8(v), nil
		}
		return uint8(v >> 8), nil
	}
	return bus.regs[reg], nil
}

func (bus *fakeBus) WriteReg(addr, reg, v uint8) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.fail != nil {
		return bus.fail
	}
	bus.regs[reg] = v
	return nil
}

func (bus *fakeBus) Close() error {
	bus.closed = true
	return nil
}

func newTestDevice(t *testing.T, bus *fakeBus) *Device {
	t.Helper()
	dev, err := newDevice(bus, Addr, 1e6)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	return dev
}

func TestOutputs(t *testing.T) {
	bus := new(fakeBus)
	dev := newTestDevice(t, bus)

	if got, want := bus.regs[regIODIRA:regIODIRB+1], []uint8{0xff, 0xff}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid initial direction: got=%v, want=%v", got, want)
	}

	err := dev.ConfigureOutputs(dio.MaskOf(0, 9))
	if err != nil {
		t.Fatalf("could not configure outputs: %+v", err)
	}
	if got, want := bus.regs[regIODIRA:regIODIRB+1], []uint8{0xfe, 0xfd}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid direction: got=%v, want=%v", got, want)
	}

	err = dev.WriteOutputs(0x0201)
	if err != nil {
		t.Fatalf("could not write outputs: %+v", err)
	}
	if got, want := bus.regs[regOLATA:regOLATB+1], []uint8{0x01, 0x02}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid latches: got=%v, want=%v", got, want)
	}

	bus.regs[regGPIOA] = 0x34
	bus.regs[regGPIOB] = 0x12
	v, err := dev.ReadInputs()
	if err != nil {
		t.Fatalf("could not read inputs: %+v", err)
	}
	if got, want := v, dio.Sample(0x1234); got != want {
		t.Fatalf("invalid inputs: got=%v, want=%v", got, want)
	}

	err = dev.Close()
	if err != nil {
		t.Fatalf("could not close device: %+v", err)
	}
	if !bus.closed {
		t.Fatalf("bus not closed")
	}
	if got, want := bus.regs[regIODIRA:regIODIRB+1], []uint8{0xff, 0xff}; !reflect.DeepEqual(got, want) {
		t.Fatalf("outputs not released: got=%v, want=%v", got, want)
	}
	if err := dev.Close(); !errors.Is(err, errClosed) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestPush(t *testing.T) {
	dev := newTestDevice(t, new(fakeBus))
	dev.max = 4
	dev.trig = dio.Trigger{Source: dio.Bit(1), Edge: dio.EdgeRise, Samples: 6}
	dev.state = dio.StateArmed

	for i, v := range []dio.Sample{0x0, 0x1, 0x0} {
		if !dev.push(v) {
			t.Fatalf("sample %d: capture ended", i)
		}
	}
	if got, want := dev.state, dio.StateArmed; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	for i, v := range []dio.Sample{0x2, 0x2, 0x3, 0x2, 0x3} {
		if !dev.push(v) {
			t.Fatalf("sample %d: capture ended", i)
		}
	}
	if dev.push(0x8) {
		t.Fatalf("capture should have ended")
	}

	st, err := dev.Status()
	if err != nil {
		t.Fatalf("could not fetch status: %+v", err)
	}
	if got, want := st, dio.StateDone; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}
	rec, err := dev.Record()
	if err != nil {
		t.Fatalf("could not fetch record: %+v", err)
	}
	if got, want := rec, (dio.Record{Available: 4, Lost: 2}); got != want {
		t.Fatalf("invalid record: got=%+v, want=%+v", got, want)
	}
	data := make([]dio.Sample, rec.Available)
	err = dev.Data(data)
	if err != nil {
		t.Fatalf("could not fetch data: %+v", err)
	}
	if got, want := data, []dio.Sample{0x3, 0x2, 0x3, 0x8}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid data: got=%v, want=%v", got, want)
	}
	if err := dev.Data(make([]dio.Sample, 5)); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestCapture(t *testing.T) {
	const (
		press = 0
		rx    = 4
	)
	bus := new(fakeBus)
	// the mirror line rises at the 10th read, the packet is received at the 25th.
	bus.inputs = func(n int) uint16 {
		var v uint16
		if n >= 10 {
			v |= 1 << 1
		}
		if n >= 25 {
			v |= 1 << rx
		}
		return v
	}
	dev := newTestDevice(t, bus)
	defer dev.Close()

	ctl := acq.NewController(dev, acq.Setup{
		Outputs:   dio.Bit(press),
		Press:     dio.Bit(press),
		Trigger:   dio.Bit(1),
		Receivers: []dio.Mask{dio.Bit(rx)},
		Samples:   1000,
		Divider:   10,
		Timeout:   5 * time.Second,
		Poll:      time.Millisecond,
	}, log.NewMsgStream("mcpio", log.LvlError, io.Discard))

	capt, err := ctl.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("could not run trial: %+v", err)
	}
	if got, want := capt.Outcome, acq.Received; got != want {
		t.Fatalf("invalid outcome: got=%v, want=%v", got, want)
	}
	if len(capt.Samples) == 0 {
		t.Fatalf("no sample captured")
	}
	if got, want := capt.Samples[0]&0x2, dio.Sample(0x2); got != want {
		t.Fatalf("capture did not start on the trigger: %v", capt.Samples[0])
	}
}

func TestBusFailure(t *testing.T) {
	bus := new(fakeBus)
	dev := newTestDevice(t, bus)
	bus.fail = io.ErrUnexpectedEOF

	if err := dev.WriteOutputs(1); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: %+v", err)
	}
	if _, err := dev.ReadInputs(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: %+v", err)
	}
	if err := dev.Start(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: %+v", err)
	}
}

func TestRearm(t *testing.T) {
	bus := new(fakeBus)
	// the mirror line toggles every 5 reads.
	bus.inputs = func(n int) uint16 {
		return uint16((n/5)%2) << 1
	}
	dev := newTestDevice(t, bus)
	defer dev.Close()

	wait := func(trial int) error {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			st, err := dev.Status()
			if err != nil || st == dio.StateDone {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatalf("trial %d: capture did not complete", trial)
		return nil
	}

	trig := dio.Trigger{Source: dio.Bit(1), Edge: dio.EdgeRise, Samples: 4, Divider: 10}
	for trial := 1; trial <= 3; trial++ {
		err := dev.ConfigureTrigger(trig)
		if err != nil {
			t.Fatalf("trial %d: could not configure trigger: %+v", trial, err)
		}
		err = dev.Start()
		if err != nil {
			t.Fatalf("trial %d: could not start capture: %+v", trial, err)
		}
		err = wait(trial)
		if err != nil {
			t.Fatalf("trial %d: could not capture: %+v", trial, err)
		}
	}

	// a capture interrupted by a bus failure can be re-armed as well.
	long := trig
	long.Samples = 1 << 30
	err := dev.ConfigureTrigger(long)
	if err != nil {
		t.Fatalf("could not configure trigger: %+v", err)
	}
	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start capture: %+v", err)
	}
	bus.mu.Lock()
	bus.fail = io.ErrUnexpectedEOF
	bus.mu.Unlock()
	if err := wait(4); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: %+v", err)
	}

	bus.mu.Lock()
	bus.fail = nil
	bus.mu.Unlock()
	err = dev.ConfigureTrigger(trig)
	if err != nil {
		t.Fatalf("could not configure trigger after failure: %+v", err)
	}
	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start capture after failure: %+v", err)
	}
	if err := wait(5); err != nil {
		t.Fatalf("could not capture after failure: %+v", err)
	}
}
