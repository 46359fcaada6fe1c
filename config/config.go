// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes the configuration of a latency experiment:
// the wiring of the nodes to the instrument lines and the acquisition
// settings.
package config // import "github.com/go-lpc/wsnlat/config"

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-lpc/wsnlat/dio"
)

// MissPolicy tells how missed trials are accounted for.
type MissPolicy string

const (
	// PolicyCount counts missed trials toward the number of trials.
	PolicyCount MissPolicy = "count"
	// PolicyRetry runs trials until the requested number was received.
	PolicyRetry MissPolicy = "retry"
)

// Node is the wiring of a node to the instrument.
type Node struct {
	Name    string `mapstructure:"name"`
	Press   int    `mapstructure:"press"`   // output line pressing the button
	Mirror  int    `mapstructure:"mirror"`  // input line mirroring the press
	Created *int   `mapstructure:"created"` // input line set when a packet is created
	Rx      []int  `mapstructure:"rx"`      // input lines set when a packet is received
}

// RxMask returns the mask of the packet-received lines.
func (n Node) RxMask() dio.Mask { return dio.MaskOf(n.Rx...) }

// Band is an open interval of latencies, in milliseconds.
type Band struct {
	Lo float64 `mapstructure:"lo"`
	Hi float64 `mapstructure:"hi"`
}

// Contains returns whether lo < ms < hi.
func (b Band) Contains(ms float64) bool { return b.Lo < ms && ms < b.Hi }

// Experiment is the configuration of a latency experiment.
type Experiment struct {
	Nodes      []Node `mapstructure:"nodes"`
	Trigger    string `mapstructure:"trigger"`    // transmitting node, first node when empty
	Killswitch *int   `mapstructure:"killswitch"` // output line suppressing retransmissions
	IdleHigh   bool   `mapstructure:"idle_high"`  // non-press outputs rest at high level

	Trials      int        `mapstructure:"trials"`
	Policy      MissPolicy `mapstructure:"policy"`
	MaxAttempts int        `mapstructure:"max_attempts"` // bound on trials with PolicyRetry, 0 for none

	Clock   float64       `mapstructure:"clock"`   // instrument base clock (Hz)
	Rate    float64       `mapstructure:"rate"`    // requested sampling rate (Hz)
	Window  time.Duration `mapstructure:"window"`  // capture duration
	Samples int           `mapstructure:"samples"` // capture length, overrides Window
	Timeout time.Duration `mapstructure:"timeout"`
	Settle  time.Duration `mapstructure:"settle"`
	Poll    time.Duration `mapstructure:"poll"`

	Anomalies []Band `mapstructure:"anomalies"`
	Output    string `mapstructure:"output"` // output directory
}

// DefaultBands are the latency bands flagged as suspicious.
func DefaultBands() []Band {
	return []Band{{Lo: 0, Hi: 0.7}, {Lo: 0.9, Hi: 1.4}}
}

// Default returns an experiment with default acquisition settings and no node.
func Default() Experiment {
	return Experiment{
		Trials:    100,
		Policy:    PolicyCount,
		Clock:     100e6,
		Rate:      100e3,
		Window:    1500 * time.Millisecond,
		Timeout:   5 * time.Second,
		Settle:    10 * time.Millisecond,
		Anomalies: DefaultBands(),
		Output:    ".",
	}
}

// Transmitter returns the node whose button is pressed.
func (cfg Experiment) Transmitter() (Node, bool) {
	if len(cfg.Nodes) == 0 {
		return Node{}, false
	}
	if cfg.Trigger == "" {
		return cfg.Nodes[0], true
	}
	for _, n := range cfg.Nodes {
		if n.Name == cfg.Trigger {
			return n, true
		}
	}
	return Node{}, false
}

// Timing holds the acquisition timings derived from the configuration.
type Timing struct {
	Divider uint32  // sample clock divider
	Rate    float64 // actual sampling rate (Hz)
	Period  float64 // sampling period (ms)
	Samples int     // capture length
}

// Timing derives the actual acquisition timings.
func (cfg Experiment) Timing() Timing {
	var tm Timing
	if cfg.Rate <= 0 || cfg.Clock <= 0 {
		return tm
	}
	tm.Divider = max(uint32(cfg.Clock/cfg.Rate), 1)
	tm.Rate = cfg.Clock / float64(tm.Divider)
	tm.Period = 1e3 / tm.Rate
	tm.Samples = cfg.Samples
	if tm.Samples <= 0 {
		tm.Samples = int(cfg.Window.Seconds() * tm.Rate)
	}
	return tm
}

// Masks holds the line masks derived from the configuration.
type Masks struct {
	Press      dio.Mask // press line of the transmitter
	Killswitch dio.Mask
	Outputs    dio.Mask // all driven lines

	Trigger dio.Mask // mirror line of the transmitter
	Mirror  dio.Mask
	Created dio.Mask
	Rx      dio.Mask
	Inputs  dio.Mask // all monitored lines
}

// Masks derives the line masks. Masks must only be called on a valid
// configuration.
func (cfg Experiment) Masks() Masks {
	var m Masks
	for _, n := range cfg.Nodes {
		m.Outputs |= dio.Bit(n.Press)
		m.Mirror |= dio.Bit(n.Mirror)
		if n.Created != nil {
			m.Created |= dio.Bit(*n.Created)
		}
		m.Rx |= n.RxMask()
	}
	if cfg.Killswitch != nil {
		m.Killswitch = dio.Bit(*cfg.Killswitch)
	}
	if tx, ok := cfg.Transmitter(); ok {
		m.Press = dio.Bit(tx.Press)
		m.Trigger = dio.Bit(tx.Mirror)
	}
	m.Outputs |= m.Killswitch
	m.Inputs = m.Mirror | m.Created | m.Rx
	return m
}

// Rest returns the output levels between two stimuli.
func (cfg Experiment) Rest() dio.Sample {
	if !cfg.IdleHigh {
		return 0
	}
	m := cfg.Masks()
	return dio.Sample(m.Outputs &^ (m.Press | m.Killswitch))
}

// Error describes an invalid configuration.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Msg)
}

func errorf(field, format string, args ...any) error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration is consistent.
func (cfg Experiment) Validate() error {
	if len(cfg.Nodes) == 0 {
		return errorf("nodes", "no node configured")
	}

	var (
		names   = make(map[string]struct{}, len(cfg.Nodes))
		outputs = make(map[int]string)
		inputs  = make(map[int]string)
		rxs     = make(map[int]string)
	)
	line := func(field string, ch int) error {
		if ch < 0 || ch >= dio.NumChannels {
			return errorf(field, "channel %d out of range [0, %d)", ch, dio.NumChannels)
		}
		return nil
	}

	for _, n := range cfg.Nodes {
		if n.Name == "" {
			return errorf("nodes", "node with empty name")
		}
		if _, dup := names[n.Name]; dup {
			return errorf("nodes", "duplicate node %q", n.Name)
		}
		names[n.Name] = struct{}{}

		field := "node " + n.Name
		if err := line(field+" press", n.Press); err != nil {
			return err
		}
		outputs[n.Press] = field + " press"

		if err := line(field+" mirror", n.Mirror); err != nil {
			return err
		}
		if other, dup := inputs[n.Mirror]; dup {
			return errorf(field+" mirror", "channel %d already used by %s", n.Mirror, other)
		}
		inputs[n.Mirror] = field + " mirror"

		if n.Created != nil {
			if err := line(field+" created", *n.Created); err != nil {
				return err
			}
			if other, dup := inputs[*n.Created]; dup {
				return errorf(field+" created", "channel %d already used by %s", *n.Created, other)
			}
			inputs[*n.Created] = field + " created"
		}

		if len(n.Rx) == 0 {
			return errorf(field+" rx", "no packet-received line")
		}
		for _, ch := range n.Rx {
			if err := line(field+" rx", ch); err != nil {
				return err
			}
			if other, dup := rxs[ch]; dup {
				return errorf(field+" rx", "channel %d already used by %s", ch, other)
			}
			rxs[ch] = field + " rx"
		}
	}

	if cfg.Killswitch != nil {
		if err := line("killswitch", *cfg.Killswitch); err != nil {
			return err
		}
		if other, dup := outputs[*cfg.Killswitch]; dup {
			return errorf("killswitch", "channel %d already used by %s", *cfg.Killswitch, other)
		}
		outputs[*cfg.Killswitch] = "killswitch"
	}

	for ch, name := range rxs {
		if other, dup := inputs[ch]; dup {
			return errorf(name, "channel %d already used by %s", ch, other)
		}
		inputs[ch] = name
	}

	chs := make([]int, 0, len(outputs))
	for ch := range outputs {
		chs = append(chs, ch)
	}
	sort.Ints(chs)
	for _, ch := range chs {
		if other, dup := inputs[ch]; dup {
			return errorf(outputs[ch], "output channel %d already used as input by %s", ch, other)
		}
	}

	tx, ok := cfg.Transmitter()
	if !ok {
		return errorf("trigger", "unknown node %q", cfg.Trigger)
	}
	if m := cfg.Masks(); dio.Bit(tx.Mirror)&^m.Mirror != 0 {
		return errorf("trigger", "node %q mirror is not a mirror line", tx.Name)
	}

	switch {
	case cfg.Trials <= 0:
		return errorf("trials", "need at least one trial (got %d)", cfg.Trials)
	case cfg.Clock <= 0:
		return errorf("clock", "non-positive clock %g Hz", cfg.Clock)
	case cfg.Rate <= 0 || cfg.Rate > cfg.Clock:
		return errorf("rate", "sampling rate %g Hz not in (0, %g]", cfg.Rate, cfg.Clock)
	case cfg.Timing().Samples <= 0:
		return errorf("window", "capture holds no sample")
	case cfg.Timeout < 0:
		return errorf("timeout", "negative timeout %v", cfg.Timeout)
	case cfg.MaxAttempts < 0:
		return errorf("max_attempts", "negative value %d", cfg.MaxAttempts)
	}

	switch cfg.Policy {
	case PolicyCount, PolicyRetry:
	default:
		return errorf("policy", "unknown miss policy %q", cfg.Policy)
	}

	for _, b := range cfg.Anomalies {
		if b.Lo >= b.Hi {
			return errorf("anomalies", "empty band (%g, %g)", b.Lo, b.Hi)
		}
	}

	return nil
}
