// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dio

import "fmt"

// State is the acquisition state of an instrument.
type State uint8

const (
	StateReady State = iota
	StateArmed
	StateRunning
	StateDone
)

func (st State) String() string {
	switch st {
	case StateReady:
		return "ready"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", uint8(st))
}

// Edge selects the transitions a trigger source reacts to.
type Edge uint8

const (
	EdgeRise Edge = 1 << iota
	EdgeFall
)

// Trigger configures a capture.
type Trigger struct {
	Source  Mask   // lines the trigger detector watches
	Edge    Edge   // transitions firing the trigger
	Samples int    // number of post-trigger samples to record
	Divider uint32 // sample clock divider
}

// Record holds the sample counters reported by the last call to Device.Status.
type Record struct {
	Available int // samples ready to be copied out
	Lost      int // samples overwritten before they could be copied
	Corrupted int // samples that may hold garbage
}

// Device is a digital I/O instrument with a triggered logic-analyzer.
//
// A Device is owned by a single user and is not safe for concurrent use.
type Device interface {
	// ConfigureOutputs sets which lines are driven by the instrument.
	ConfigureOutputs(enable Mask) error
	// WriteOutputs drives the enabled output lines.
	WriteOutputs(v Sample) error
	// ReadInputs reads the current state of all lines.
	ReadInputs() (Sample, error)

	// ConfigureTrigger configures the next capture.
	ConfigureTrigger(trig Trigger) error
	// Start arms the capture.
	Start() error
	// Stop stops an ongoing capture.
	Stop() error
	// Status fetches the acquisition state and the new samples.
	Status() (State, error)
	// Record returns the sample counters of the last Status call.
	Record() (Record, error)
	// Data copies the first len(dst) samples fetched by the last Status call.
	Data(dst []Sample) error

	Close() error
}
