// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package instrument opens the digital I/O instruments known to wsnlat by name.
package instrument // import "github.com/go-lpc/wsnlat/internal/instrument"

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
	"github.com/go-lpc/wsnlat/driver/mcpio"
	"github.com/go-lpc/wsnlat/driver/sim"
)

// Options holds the instrument-specific settings.
type Options struct {
	Seed int64 // seed of the simulated instrument
	I2C  int   // i2c bus of the MCP23017 expander
}

// opener opens an instrument. An opener may adjust the reference clock
// of the configuration to the one of the instrument.
type opener func(opts Options, cfg *config.Experiment) (dio.Device, error)

var drivers = map[string]opener{
	"sim": func(opts Options, cfg *config.Experiment) (dio.Device, error) {
		return sim.New(sim.ForExperiment(*cfg, opts.Seed)), nil
	},
	"mcp": func(opts Options, cfg *config.Experiment) (dio.Device, error) {
		dev, err := mcpio.Open(opts.I2C, mcpio.Addr, cfg.Clock)
		if err != nil {
			return nil, err
		}
		return dev, nil
	},
}

// Names returns the sorted list of available instruments.
func Names() []string {
	names := make([]string, 0, len(drivers))
	for k := range drivers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Open opens the named instrument for the experiment cfg.
func Open(name string, opts Options, cfg *config.Experiment) (dio.Device, error) {
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("instrument: unknown instrument %q (available: %s)",
			name, strings.Join(Names(), ", "),
		)
	}
	dev, err := open(opts, cfg)
	if err != nil {
		return nil, fmt.Errorf("instrument: could not open %q: %w", name, err)
	}
	return dev, nil
}
