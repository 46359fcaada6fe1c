// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/dio"
)

// Phase is a step of the trial state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhaseWaiting // waiting for stimulus
	PhaseSampling
	PhaseStopping
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhaseWaiting:
		return "waiting-for-stimulus"
	case PhaseSampling:
		return "sampling"
	case PhaseStopping:
		return "stopping"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Outcome is the final state of a trial.
type Outcome uint8

const (
	Received Outcome = iota + 1
	Missed
)

func (o Outcome) String() string {
	switch o {
	case Received:
		return "received"
	case Missed:
		return "missed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Setup describes the lines and timings of a trial.
type Setup struct {
	Outputs    dio.Mask   // lines driven by the instrument
	Press      dio.Mask   // button-press line(s) of the transmitter
	Killswitch dio.Mask   // line suppressing retransmissions, may be empty
	Rest       dio.Sample // output levels between stimuli
	Trigger    dio.Mask   // mirror line(s) firing the capture
	Receivers  []dio.Mask // packet-received lines, one mask per node

	Samples int    // post-trigger samples to capture
	Divider uint32 // sample clock divider

	Settle  time.Duration // delay between arming and the steady-state read
	Timeout time.Duration // wall-clock bound of the sampling phase, 0 for none
	Poll    time.Duration // pause between two sampling iterations
}

// Capture is the raw outcome of one trial.
type Capture struct {
	Trial   int
	Outcome Outcome
	Err     error // ErrTriggerTimeout when the trial timed out
	Steady  dio.Sample
	Samples []dio.Sample
	Session Session
}

// Controller runs the acquisition state machine of a trial.
type Controller struct {
	dev   dio.Device
	cfg   Setup
	buf   *Buffer
	msg   log.MsgStream
	phase Phase
}

// NewController creates a controller driving dev.
func NewController(dev dio.Device, setup Setup, msg log.MsgStream) *Controller {
	return &Controller{
		dev: dev,
		cfg: setup,
		buf: NewBuffer(dev, setup.Samples),
		msg: msg,
	}
}

// Phase returns the current step of the state machine.
func (ctl *Controller) Phase() Phase { return ctl.phase }

// Run performs one trial.
//
// A cancelled context or a device failure puts the outputs back to
// rest and stops the capture before the error is returned.
func (ctl *Controller) Run(ctx context.Context, trial int) (Capture, error) {
	ctl.phase = PhaseIdle
	if len(ctl.cfg.Receivers) == 0 {
		return Capture{}, errNoReceiver
	}

	capt, err := ctl.run(ctx, trial)
	if err != nil {
		if e := ctl.Shutdown(); e != nil {
			ctl.msg.Errorf("trial %d: could not shutdown instrument: %+v", trial, e)
		}
		return capt, err
	}
	return capt, nil
}

func (ctl *Controller) run(ctx context.Context, trial int) (Capture, error) {
	err := ctl.arm()
	if err != nil {
		return Capture{}, err
	}

	steady, err := ctl.prime(ctx)
	if err != nil {
		return Capture{}, err
	}

	err = ctl.fire()
	if err != nil {
		return Capture{}, err
	}

	capt, err := ctl.sample(ctx, trial, steady)
	if err != nil {
		return capt, err
	}

	if ctl.cfg.Killswitch != 0 {
		err = ctl.dev.WriteOutputs(ctl.cfg.Rest | dio.Sample(ctl.cfg.Killswitch))
		if err != nil {
			return capt, devErr("assert killswitch", err)
		}
	}

	return capt, nil
}

func (ctl *Controller) arm() error {
	err := ctl.dev.ConfigureOutputs(ctl.cfg.Outputs)
	if err != nil {
		return devErr("configure outputs", err)
	}

	err = ctl.dev.ConfigureTrigger(dio.Trigger{
		Source:  ctl.cfg.Trigger,
		Edge:    dio.EdgeRise,
		Samples: ctl.cfg.Samples,
		Divider: ctl.cfg.Divider,
	})
	if err != nil {
		return devErr("configure trigger", err)
	}

	err = ctl.dev.Start()
	if err != nil {
		return devErr("start capture", err)
	}
	ctl.phase = PhaseArmed

	return nil
}

// prime releases the killswitch and reads the steady-state reference.
func (ctl *Controller) prime(ctx context.Context) (dio.Sample, error) {
	err := ctl.dev.WriteOutputs(ctl.cfg.Rest)
	if err != nil {
		return 0, devErr("release outputs", err)
	}

	if ctl.cfg.Settle > 0 {
		tck := time.NewTimer(ctl.cfg.Settle)
		defer tck.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-tck.C:
		}
	}

	steady, err := ctl.dev.ReadInputs()
	if err != nil {
		return 0, devErr("read steady state", err)
	}
	ctl.buf.Reset(steady)
	ctl.phase = PhaseWaiting

	return steady, nil
}

// fire issues a single press pulse.
func (ctl *Controller) fire() error {
	err := ctl.dev.WriteOutputs(ctl.cfg.Rest | dio.Sample(ctl.cfg.Press))
	if err != nil {
		return devErr("press button", err)
	}

	err = ctl.dev.WriteOutputs(ctl.cfg.Rest)
	if err != nil {
		return devErr("release button", err)
	}
	ctl.phase = PhaseSampling

	return nil
}

func (ctl *Controller) sample(ctx context.Context, trial int, steady dio.Sample) (Capture, error) {
	var (
		capt = Capture{
			Trial:  trial,
			Steady: steady,
		}
		reported = make([]bool, len(ctl.cfg.Receivers))
		pending  = len(reported)
		start    = time.Now()
	)

sampling:
	for {
		select {
		case <-ctx.Done():
			return capt, ctx.Err()
		default:
		}

		if ctl.cfg.Timeout > 0 && time.Since(start) >= ctl.cfg.Timeout {
			ctl.msg.Warnf("trial %d: %v after %v", trial, ErrTriggerTimeout, ctl.cfg.Timeout)
			capt.Err = ErrTriggerTimeout
			ctl.stop(trial)
			break sampling
		}

		d, err := ctl.buf.Drain()
		if err != nil {
			return capt, err
		}
		if d.Lost > 0 {
			ctl.msg.Warnf("trial %d: %d samples lost, cursor advanced to %d", trial, d.Lost, ctl.buf.sess.Copied)
		}
		if d.Corrupted > 0 {
			ctl.msg.Warnf("trial %d: %d samples could be corrupted", trial, d.Corrupted)
		}

		if ctl.buf.Full() {
			// the capture ended by itself: only edges it holds count.
			pending -= ctl.captured(steady, reported)
			break sampling
		}

		in, err := ctl.dev.ReadInputs()
		if err != nil {
			return capt, devErr("read inputs", err)
		}
		diff := dio.Mask(in ^ steady)
		for i, rx := range ctl.cfg.Receivers {
			if reported[i] || diff&rx == 0 {
				continue
			}
			reported[i] = true
			pending--
		}

		if pending == 0 {
			ctl.phase = PhaseStopping
			ctl.stop(trial)
			_, err = ctl.buf.DrainFinal()
			if err != nil {
				return capt, err
			}
			break sampling
		}

		if ctl.cfg.Poll > 0 {
			time.Sleep(ctl.cfg.Poll)
		}
	}

	capt.Outcome = Missed
	if pending < len(reported) {
		capt.Outcome = Received
	}
	capt.Session = ctl.buf.Session()
	capt.Samples = append([]dio.Sample(nil), ctl.buf.Samples()...)
	ctl.phase = PhaseDone

	return capt, nil
}

// captured marks the receivers whose line differs from the steady state
// in one of the buffered samples and returns how many were marked.
func (ctl *Controller) captured(steady dio.Sample, reported []bool) int {
	n := 0
	for _, s := range ctl.buf.Samples() {
		diff := dio.Mask(s ^ steady)
		for i, rx := range ctl.cfg.Receivers {
			if reported[i] || diff&rx == 0 {
				continue
			}
			reported[i] = true
			n++
		}
	}
	return n
}

// stop stops the capture. The instrument may already be done, so a
// failure is only reported.
func (ctl *Controller) stop(trial int) {
	err := ctl.dev.Stop()
	if err != nil {
		ctl.msg.Warnf("trial %d: could not stop capture: %+v", trial, err)
	}
}

// Shutdown de-asserts all outputs and stops any ongoing capture.
func (ctl *Controller) Shutdown() error {
	var errs []error
	err := ctl.dev.WriteOutputs(ctl.cfg.Rest)
	if err != nil {
		errs = append(errs, devErr("reset outputs", err))
	}
	err = ctl.dev.Stop()
	if err != nil {
		errs = append(errs, devErr("stop capture", err))
	}
	ctl.phase = PhaseIdle

	return errors.Join(errs...)
}
