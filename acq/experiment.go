// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
)

// Experiment runs latency trials on a single instrument.
//
// An Experiment owns its device: Close shuts the instrument down and
// closes it.
type Experiment struct {
	dev dio.Device
	cfg config.Experiment
	tm  config.Timing
	ctl *Controller
	msg log.MsgStream
	ana *Analyzer

	sinks     []Sink
	all       SampleSink
	dump      SampleSink
	anomalies SampleSink
	hook      struct {
		n int
		f func(streak int, rec Record)
	}

	attempt int
	streak  int // consecutive missed trials
	recs    []Record
	closed  bool
}

// New creates an experiment from a configuration.
// The configuration is validated before the device is touched.
func New(dev dio.Device, cfg config.Experiment, opts ...Option) (*Experiment, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	exp := &Experiment{
		dev: dev,
		cfg: cfg,
		tm:  cfg.Timing(),
		msg: log.NewMsgStream("wsnlat", log.LvlInfo, os.Stdout),
	}
	for _, opt := range opts {
		opt(exp)
	}

	exp.ana = NewAnalyzer(cfg)

	masks := cfg.Masks()
	exp.ctl = NewController(dev, Setup{
		Outputs:    masks.Outputs,
		Press:      masks.Press,
		Killswitch: masks.Killswitch,
		Rest:       cfg.Rest(),
		Trigger:    masks.Trigger,
		Receivers:  exp.ana.receivers(),
		Samples:    exp.tm.Samples,
		Divider:    exp.tm.Divider,
		Settle:     cfg.Settle,
		Timeout:    cfg.Timeout,
		Poll:       cfg.Poll,
	}, exp.msg)

	exp.msg.Debugf(
		"sampling at %g Hz (divider=%d, period=%g ms, samples=%d)",
		exp.tm.Rate, exp.tm.Divider, exp.tm.Period, exp.tm.Samples,
	)

	return exp, nil
}

// Timing returns the acquisition timings of the experiment.
func (exp *Experiment) Timing() config.Timing { return exp.tm }

// Records returns the records of all the trials run so far.
func (exp *Experiment) Records() []Record { return exp.recs }

// RunTrial runs one trial and extracts its latencies.
//
// Missed trials and anomalies are recorded and reported, they do not
// stop the experiment. Only device failures and cancellation do.
func (exp *Experiment) RunTrial(ctx context.Context) (Record, error) {
	if exp.closed {
		return Record{}, fmt.Errorf("acq: experiment closed")
	}

	exp.attempt++
	capt, err := exp.ctl.Run(ctx, exp.attempt)
	if err != nil {
		return Record{}, fmt.Errorf("acq: trial %d failed: %w", exp.attempt, err)
	}

	rec := exp.ana.Analyze(capt, exp.tm.Period)
	exp.recs = append(exp.recs, rec)

	switch rec.Outcome {
	case Missed:
		exp.streak++
		exp.msg.Infof("trial %d: missed (%d/%d samples)", rec.Index(), rec.Session.Copied, rec.Session.Target)
	default:
		exp.streak = 0
		exp.msg.Infof("trial %d: min latency %v", rec.Index(), rec.Min)
	}
	if rec.Anomaly {
		exp.msg.Warnf("trial %d: suspicious latency %v", rec.Index(), rec.Min)
	}

	var errs []error
	for _, s := range exp.sinks {
		errs = append(errs, s.WriteRecord(rec))
	}
	if exp.all != nil {
		errs = append(errs, exp.all.WriteSamples(rec, capt.Samples))
	}
	if exp.dump != nil && (rec.Outcome == Missed || rec.Anomaly) {
		errs = append(errs, exp.dump.WriteSamples(rec, capt.Samples))
	}
	if exp.anomalies != nil && rec.Anomaly {
		errs = append(errs, exp.anomalies.WriteSamples(rec, capt.Samples))
	}
	if err := errors.Join(errs...); err != nil {
		return rec, fmt.Errorf("acq: could not save trial %d: %w", rec.Index(), err)
	}

	if exp.hook.f != nil && exp.hook.n > 0 && exp.streak > 0 && exp.streak%exp.hook.n == 0 {
		exp.hook.f(exp.streak, rec)
	}

	return rec, nil
}

// Run runs trials until the configured number of trials is reached.
//
// With config.PolicyRetry, missed trials are not counted and are
// retried, at most MaxAttempts times overall when MaxAttempts is set.
func (exp *Experiment) Run(ctx context.Context) error {
	var (
		n     = 0
		retry = exp.cfg.Policy == config.PolicyRetry
	)
	for n < exp.cfg.Trials {
		if retry && exp.cfg.MaxAttempts > 0 && exp.attempt >= exp.cfg.MaxAttempts {
			return fmt.Errorf(
				"acq: giving up after %d attempts (%d/%d trials received)",
				exp.attempt, n, exp.cfg.Trials,
			)
		}

		rec, err := exp.RunTrial(ctx)
		if err != nil {
			return err
		}
		if rec.Outcome == Received || !retry {
			n++
		}
	}
	return nil
}

// Close puts the instrument back in a safe state and closes it.
func (exp *Experiment) Close() error {
	if exp.closed {
		return nil
	}
	exp.closed = true

	var errs []error
	err := exp.ctl.Shutdown()
	if err != nil {
		errs = append(errs, fmt.Errorf("acq: could not shutdown instrument: %w", err))
	}
	err = exp.dev.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("acq: could not close instrument: %w", err))
	}
	return errors.Join(errs...)
}
