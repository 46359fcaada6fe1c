// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads and validates the experiment configuration from fname.
//
// YAML, TOML and JSON files are decoded with viper. Any other file is
// read with the line-oriented format of ParseLegacy.
// Settings may be overridden with WSNLAT_-prefixed environment variables.
func Load(fname string) (Experiment, error) {
	var (
		cfg Experiment
		err error
	)
	switch strings.ToLower(filepath.Ext(fname)) {
	case ".yaml", ".yml", ".toml", ".json":
		cfg, err = loadViper(fname)
	default:
		cfg, err = loadLegacy(fname)
	}
	if err != nil {
		return cfg, err
	}

	err = cfg.Validate()
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadViper(fname string) (Experiment, error) {
	v := viper.New()
	v.SetConfigFile(fname)
	v.SetEnvPrefix("wsnlat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		return Experiment{}, fmt.Errorf("config: could not read %q: %w", fname, err)
	}

	cfg := Default()
	cfg.Anomalies = nil
	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: could not decode %q: %w", fname, err)
	}
	if !v.IsSet("anomalies") {
		cfg.Anomalies = DefaultBands()
	}

	return cfg, nil
}

func loadLegacy(fname string) (Experiment, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Experiment{}, fmt.Errorf("config: could not open %q: %w", fname, err)
	}
	defer f.Close()

	cfg, err := ParseLegacy(f)
	if err != nil {
		return cfg, fmt.Errorf("config: could not parse %q: %w", fname, err)
	}
	return cfg, nil
}

// ParseLegacy parses a single-node configuration made of 5 lines:
//
//	press line
//	mirror line, packet-created line
//	packet-received lines, comma separated
//	number of packets
//	sampling rate (Hz)
//
// Missed trials are retried until the requested number of packets was
// received.
func ParseLegacy(r io.Reader) (Experiment, error) {
	cfg := Default()
	cfg.Policy = PolicyRetry

	var lines [][]string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		txt := strings.TrimSpace(sc.Text())
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		fields := strings.Split(txt, ",")
		for i, v := range fields {
			fields[i] = strings.TrimSpace(v)
		}
		lines = append(lines, fields)
	}
	if err := sc.Err(); err != nil {
		return cfg, fmt.Errorf("could not scan configuration: %w", err)
	}
	if len(lines) != 5 {
		return cfg, errorf("legacy format", "got %d lines, want 5", len(lines))
	}

	ints := func(field string, vs []string) ([]int, error) {
		o := make([]int, len(vs))
		for i, v := range vs {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errorf(field, "could not parse %q: %v", v, err)
			}
			o[i] = n
		}
		return o, nil
	}

	node := Node{Name: "mote"}
	press, err := ints("press", lines[0])
	if err != nil {
		return cfg, err
	}
	if len(press) != 1 {
		return cfg, errorf("press", "want one channel, got %d", len(press))
	}
	node.Press = press[0]

	mirror, err := ints("mirror", lines[1])
	if err != nil {
		return cfg, err
	}
	switch len(mirror) {
	case 2:
		node.Created = &mirror[1]
		fallthrough
	case 1:
		node.Mirror = mirror[0]
	default:
		return cfg, errorf("mirror", "want 1 or 2 channels, got %d", len(mirror))
	}

	node.Rx, err = ints("rx", lines[2])
	if err != nil {
		return cfg, err
	}
	cfg.Nodes = []Node{node}

	trials, err := ints("trials", lines[3])
	if err != nil {
		return cfg, err
	}
	cfg.Trials = trials[0]

	rate, err := strconv.ParseFloat(lines[4][0], 64)
	if err != nil {
		return cfg, errorf("rate", "could not parse %q: %v", lines[4][0], err)
	}
	cfg.Rate = rate
	cfg.Window = 1500 * time.Millisecond

	return cfg, nil
}
