// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim provides a simulated instrument wired to simulated nodes.
//
// The simulation runs on a sample clock that only advances when the
// acquisition status is polled, so that a given configuration and seed
// always yield the same samples.
package sim // import "github.com/go-lpc/wsnlat/driver/sim"

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
)

var errClosed = errors.New("sim: device closed")

// Config describes the simulated nodes.
type Config struct {
	Press   dio.Mask // lines starting a packet on a rising edge
	Mirror  int      // line mirroring the press
	Created int      // line toggled when the packet is created, -1 for none
	Rx      []int    // lines toggled when the packet is received

	MirrorDelay int // samples between the press and the mirror
	MirrorWidth int // samples the mirror line stays high
	Latency     int // samples between the mirror and a reception
	Jitter      int // maximum extra latency, in samples
	Loss        float64

	Chunk     int // samples acquired per status poll
	LostEvery int // every LostEvery-th poll drops Lost samples, 0 for never
	Lost      int

	Seed int64
}

// ForExperiment returns a simulation of the transmitter of cfg, received
// by all the packet-received lines after about 2ms.
func ForExperiment(cfg config.Experiment, seed int64) Config {
	var (
		tm    = cfg.Timing()
		ms    = int(tm.Rate / 1e3)
		masks = cfg.Masks()
		tx, _ = cfg.Transmitter()
		sim   = Config{
			Press:       masks.Press,
			Mirror:      tx.Mirror,
			Created:     -1,
			MirrorDelay: max(ms/10, 1),
			MirrorWidth: max(ms, 1),
			Latency:     max(2*ms, 1),
			Jitter:      ms / 2,
			Loss:        0.05,
			Chunk:       max(tm.Samples/64, 1),
			Seed:        seed,
		}
	)
	if tx.Created != nil {
		sim.Created = *tx.Created
	}
	sim.Rx = masks.Rx.Channels()
	return sim
}

type event struct {
	at   int64
	mask dio.Mask
}

// Device is a simulated instrument.
type Device struct {
	cfg Config
	rnd *rand.Rand

	clock  int64
	level  dio.Sample // input lines
	out    dio.Sample
	enable dio.Mask
	events []event // pending toggles, sorted by time

	trig    dio.Trigger
	armed   bool
	running bool
	acq     int          // samples acquired since the trigger
	polls   int          // status polls since the capture started
	chunk   []dio.Sample // samples acquired by the last poll
	rec     dio.Record

	closed bool
}

// New creates a simulated instrument.
func New(cfg Config) *Device {
	if cfg.Chunk <= 0 {
		cfg.Chunk = 1
	}
	return &Device{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (dev *Device) ConfigureOutputs(enable dio.Mask) error {
	if dev.closed {
		return errClosed
	}
	dev.enable = enable
	return nil
}

func (dev *Device) WriteOutputs(v dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	v &= dio.Sample(dev.enable)
	rise := dio.Mask(v&^dev.out) & dev.cfg.Press
	dev.out = v
	if rise != 0 {
		dev.send()
	}
	return nil
}

// send schedules the line toggles of a packet sent now.
func (dev *Device) send() {
	mirror := dev.clock + int64(dev.cfg.MirrorDelay)
	if dev.level.Bit(dev.cfg.Mirror) == 0 {
		dev.schedule(mirror, dio.Bit(dev.cfg.Mirror))
		dev.schedule(mirror+int64(max(dev.cfg.MirrorWidth, 1)), dio.Bit(dev.cfg.Mirror))
	}
	if dev.cfg.Created >= 0 {
		dev.schedule(mirror, dio.Bit(dev.cfg.Created))
	}
	for _, ch := range dev.cfg.Rx {
		lat := dev.cfg.Latency
		if dev.cfg.Jitter > 0 {
			lat += dev.rnd.Intn(dev.cfg.Jitter + 1)
		}
		if dev.rnd.Float64() < dev.cfg.Loss {
			continue
		}
		dev.schedule(mirror+int64(lat), dio.Bit(ch))
	}
}

func (dev *Device) schedule(at int64, m dio.Mask) {
	dev.events = append(dev.events, event{at: at, mask: m})
	sort.SliceStable(dev.events, func(i, j int) bool {
		return dev.events[i].at < dev.events[j].at
	})
}

func (dev *Device) ReadInputs() (dio.Sample, error) {
	if dev.closed {
		return 0, errClosed
	}
	return dev.level | dev.out, nil
}

func (dev *Device) ConfigureTrigger(trig dio.Trigger) error {
	if dev.closed {
		return errClosed
	}
	if trig.Samples <= 0 {
		return fmt.Errorf("sim: invalid number of samples %d", trig.Samples)
	}
	dev.trig = trig
	return nil
}

func (dev *Device) Start() error {
	if dev.closed {
		return errClosed
	}
	// toggles left over from a press outside of a capture settle now.
	for _, ev := range dev.events {
		dev.level ^= dio.Sample(ev.mask)
	}
	dev.events = dev.events[:0]
	dev.armed = true
	dev.running = false
	dev.acq = 0
	dev.polls = 0
	dev.chunk = dev.chunk[:0]
	return nil
}

func (dev *Device) Stop() error {
	if dev.closed {
		return errClosed
	}
	dev.armed = false
	dev.running = false
	return nil
}

func (dev *Device) state() dio.State {
	switch {
	case dev.running:
		return dio.StateRunning
	case dev.armed:
		return dio.StateArmed
	case dev.acq > 0:
		return dio.StateDone
	}
	return dio.StateReady
}

// Status advances the simulation by one chunk of samples.
func (dev *Device) Status() (dio.State, error) {
	if dev.closed {
		return 0, errClosed
	}

	dev.chunk = dev.chunk[:0]
	for i := 0; i < dev.cfg.Chunk; i++ {
		dev.tick()
	}

	dev.rec = dio.Record{Available: len(dev.chunk)}
	if dev.armed || dev.running {
		dev.polls++
	}
	if n := dev.cfg.LostEvery; n > 0 && dev.polls > 0 && dev.polls%n == 0 {
		lost := min(dev.cfg.Lost, len(dev.chunk))
		dev.chunk = dev.chunk[lost:]
		dev.rec = dio.Record{Available: len(dev.chunk), Lost: lost}
	}

	return dev.state(), nil
}

// tick advances the clock by one sample.
func (dev *Device) tick() {
	prev := dev.level | dev.out
	for len(dev.events) > 0 && dev.events[0].at <= dev.clock {
		dev.level ^= dio.Sample(dev.events[0].mask)
		dev.events = dev.events[1:]
	}
	cur := dev.level | dev.out
	dev.clock++

	if dev.armed && !dev.running {
		src := dev.trig.Source
		rise := dio.Mask(cur&^prev)&src != 0 && dev.trig.Edge&dio.EdgeRise != 0
		fall := dio.Mask(prev&^cur)&src != 0 && dev.trig.Edge&dio.EdgeFall != 0
		if rise || fall {
			dev.running = true
		}
	}
	if !dev.running {
		return
	}

	dev.chunk = append(dev.chunk, cur)
	dev.acq++
	if dev.acq >= dev.trig.Samples {
		dev.armed = false
		dev.running = false
	}
}

func (dev *Device) Record() (dio.Record, error) {
	if dev.closed {
		return dio.Record{}, errClosed
	}
	return dev.rec, nil
}

func (dev *Device) Data(dst []dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	if len(dst) > len(dev.chunk) {
		return fmt.Errorf("sim: requested %d samples, %d available", len(dst), len(dev.chunk))
	}
	copy(dst, dev.chunk)
	return nil
}

func (dev *Device) Close() error {
	if dev.closed {
		return errClosed
	}
	dev.closed = true
	dev.events = nil
	return nil
}

var _ dio.Device = (*Device)(nil)
