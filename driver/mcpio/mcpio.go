// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcpio drives a MCP23017 16-bit I/O expander over SMBus as a
// digital I/O instrument.
//
// The expander has no acquisition memory: captures are clocked in
// software by a goroutine polling the GPIO registers, and samples not
// fetched in time are dropped from a bounded ring and reported as lost.
package mcpio // import "github.com/go-lpc/wsnlat/driver/mcpio"

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-daq/smbus"
	"github.com/go-lpc/wsnlat/dio"
)

// MCP23017 registers, with IOCON.BANK=0.
const (
	regIODIRA = 0x00
	regIODIRB = 0x01
	regGPPUA  = 0x0c
	regGPPUB  = 0x0d
	regGPIOA  = 0x12
	regGPIOB  = 0x13
	regOLATA  = 0x14
	regOLATB  = 0x15
)

const (
	// Addr is the default I2C address of the expander.
	Addr = 0x20

	// Clock is the default reference clock of the software sampler (Hz).
	Clock = 10e3

	defaultRing = 1 << 12
)

var (
	errClosed  = errors.New("mcpio: device closed")
	errRunning = errors.New("mcpio: capture already running")
)

type bus interface {
	ReadReg(addr, reg uint8) (uint8, error)
	WriteReg(addr, reg, v uint8) error
	Close() error
}

// Device is a MCP23017 expander seen as a digital I/O instrument.
type Device struct {
	addr  uint8
	clock float64

	bmu sync.Mutex // guards bus
	bus bus

	mu    sync.Mutex // guards the capture state below
	trig  dio.Trigger
	state dio.State
	prev  dio.Sample
	acq   int
	ring  []dio.Sample
	max   int
	lost  int
	err   error
	chunk []dio.Sample
	rec   dio.Record

	quit chan struct{}
	done chan struct{}

	closed bool
}

// Open opens the expander at addr on the i2c-<bus> adapter.
// The sample clock divider of captures is applied to clock (Hz).
func Open(busID int, addr uint8, clock float64) (*Device, error) {
	conn, err := smbus.Open(busID, addr)
	if err != nil {
		return nil, fmt.Errorf("mcpio: could not open i2c-%d: %w", busID, err)
	}
	dev, err := newDevice(conn, addr, clock)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return dev, nil
}

func newDevice(bus bus, addr uint8, clock float64) (*Device, error) {
	if clock <= 0 {
		clock = Clock
	}
	dev := &Device{
		addr:  addr,
		clock: clock,
		bus:   bus,
		max:   defaultRing,
	}

	// all lines as inputs, without pull-ups.
	for _, reg := range []uint8{regIODIRA, regIODIRB} {
		err := dev.bus.WriteReg(addr, reg, 0xff)
		if err != nil {
			return nil, fmt.Errorf("mcpio: could not configure port direction: %w", err)
		}
	}
	for _, reg := range []uint8{regGPPUA, regGPPUB} {
		err := dev.bus.WriteReg(addr, reg, 0x00)
		if err != nil {
			return nil, fmt.Errorf("mcpio: could not configure pull-ups: %w", err)
		}
	}
	return dev, nil
}

func (dev *Device) write16(lo, hi uint8, v uint16) error {
	dev.bmu.Lock()
	defer dev.bmu.Unlock()

	err := dev.bus.WriteReg(dev.addr, lo, uint8(v))
	if err != nil {
		return err
	}
	return dev.bus.WriteReg(dev.addr, hi, uint8(v>>8))
}

func (dev *Device) read16(lo, hi uint8) (uint16, error) {
	dev.bmu.Lock()
	defer dev.bmu.Unlock()

	a, err := dev.bus.ReadReg(dev.addr, lo)
	if err != nil {
		return 0, err
	}
	b, err := dev.bus.ReadReg(dev.addr, hi)
	if err != nil {
		return 0, err
	}
	return uint16(a) | uint16(b)<<8, nil
}

func (dev *Device) ConfigureOutputs(enable dio.Mask) error {
	if dev.closed {
		return errClosed
	}
	err := dev.write16(regIODIRA, regIODIRB, ^uint16(enable))
	if err != nil {
		return fmt.Errorf("mcpio: could not configure outputs: %w", err)
	}
	return nil
}

func (dev *Device) WriteOutputs(v dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	err := dev.write16(regOLATA, regOLATB, uint16(v))
	if err != nil {
		return fmt.Errorf("mcpio: could not write outputs: %w", err)
	}
	return nil
}

func (dev *Device) ReadInputs() (dio.Sample, error) {
	if dev.closed {
		return 0, errClosed
	}
	v, err := dev.read16(regGPIOA, regGPIOB)
	if err != nil {
		return 0, fmt.Errorf("mcpio: could not read inputs: %w", err)
	}
	return dio.Sample(v), nil
}

func (dev *Device) ConfigureTrigger(trig dio.Trigger) error {
	if dev.closed {
		return errClosed
	}
	if trig.Samples <= 0 {
		return fmt.Errorf("mcpio: invalid number of samples %d", trig.Samples)
	}
	dev.reap()
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.quit != nil {
		return errRunning
	}
	dev.trig = trig
	return nil
}

// period returns the software sampling period.
func (dev *Device) period() time.Duration {
	div := max(dev.trig.Divider, 1)
	return time.Duration(float64(div) / dev.clock * float64(time.Second))
}

func (dev *Device) Start() error {
	if dev.closed {
		return errClosed
	}
	dev.reap()
	prev, err := dev.ReadInputs()
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.quit != nil {
		return errRunning
	}
	dev.state = dio.StateArmed
	dev.prev = prev
	dev.acq = 0
	dev.lost = 0
	dev.err = nil
	dev.ring = dev.ring[:0]
	dev.chunk = dev.chunk[:0]
	dev.rec = dio.Record{}
	dev.quit = make(chan struct{})
	dev.done = make(chan struct{})

	go dev.loop(dev.period(), dev.quit, dev.done)
	return nil
}

func (dev *Device) loop(period time.Duration, quit, done chan struct{}) {
	defer close(done)

	tck := time.NewTicker(period)
	defer tck.Stop()

	for {
		select {
		case <-quit:
			return
		case <-tck.C:
			v, err := dev.read16(regGPIOA, regGPIOB)
			if err != nil {
				dev.mu.Lock()
				dev.err = fmt.Errorf("mcpio: could not sample inputs: %w", err)
				dev.state = dio.StateDone
				dev.mu.Unlock()
				return
			}
			if !dev.push(dio.Sample(v)) {
				return
			}
		}
	}
}

// push records a new sample and reports whether the capture goes on.
func (dev *Device) push(v dio.Sample) bool {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	switch dev.state {
	case dio.StateArmed:
		prev := dev.prev
		dev.prev = v
		src := dev.trig.Source
		rise := dio.Mask(v&^prev)&src != 0 && dev.trig.Edge&dio.EdgeRise != 0
		fall := dio.Mask(prev&^v)&src != 0 && dev.trig.Edge&dio.EdgeFall != 0
		if !rise && !fall {
			return true
		}
		dev.state = dio.StateRunning
	case dio.StateRunning:
	default:
		return false
	}

	if len(dev.ring) >= dev.max {
		n := copy(dev.ring, dev.ring[1:])
		dev.ring = dev.ring[:n]
		dev.lost++
	}
	dev.ring = append(dev.ring, v)
	dev.acq++
	if dev.acq >= dev.trig.Samples {
		dev.state = dio.StateDone
		return false
	}
	return true
}

// Stop stops the sampling goroutine. Samples acquired so far can still
// be fetched with Status.
func (dev *Device) Stop() error {
	if dev.closed {
		return errClosed
	}
	dev.halt()
	return nil
}

// reap releases the sampling goroutine of a capture that completed
// or failed by itself.
func (dev *Device) reap() {
	dev.mu.Lock()
	finished := dev.quit != nil && dev.state == dio.StateDone
	dev.mu.Unlock()
	if finished {
		dev.halt()
	}
}

func (dev *Device) halt() {
	dev.mu.Lock()
	quit, done := dev.quit, dev.done
	dev.quit, dev.done = nil, nil
	dev.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	<-done

	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch {
	case dev.acq > 0:
		dev.state = dio.StateDone
	default:
		dev.state = dio.StateReady
	}
}

func (dev *Device) Status() (dio.State, error) {
	if dev.closed {
		return 0, errClosed
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.err != nil {
		return dev.state, dev.err
	}
	dev.chunk = append(dev.chunk[:0], dev.ring...)
	dev.ring = dev.ring[:0]
	dev.rec = dio.Record{Available: len(dev.chunk), Lost: dev.lost}
	dev.lost = 0
	return dev.state, nil
}

func (dev *Device) Record() (dio.Record, error) {
	if dev.closed {
		return dio.Record{}, errClosed
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.rec, nil
}

func (dev *Device) Data(dst []dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dst) > len(dev.chunk) {
		return fmt.Errorf("mcpio: requested %d samples, %d available", len(dst), len(dev.chunk))
	}
	copy(dst, dev.chunk)
	return nil
}

// Close stops any capture, releases the outputs and closes the bus.
func (dev *Device) Close() error {
	if dev.closed {
		return errClosed
	}
	dev.halt()
	dev.closed = true

	var errs []error
	err := dev.write16(regIODIRA, regIODIRB, 0xffff)
	if err != nil {
		errs = append(errs, fmt.Errorf("mcpio: could not release outputs: %w", err))
	}
	err = dev.bus.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("mcpio: could not close bus: %w", err))
	}
	return errors.Join(errs...)
}

var _ dio.Device = (*Device)(nil)
