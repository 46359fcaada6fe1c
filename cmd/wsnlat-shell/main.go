// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wsnlat-shell is an interactive console to poke at an instrument
// wired to a testbed.
//
// Example:
//
//	$> wsnlat-shell -cfg ./testbed.yaml -dev mcp
//	wsnlat> read
//	inputs: 0000 0000 0000 0010
//	wsnlat> trial
//	trial 1: min latency 2.31 ms
package main // import "github.com/go-lpc/wsnlat/cmd/wsnlat-shell"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
	"github.com/go-lpc/wsnlat/internal/instrument"
	"github.com/peterh/liner"
)

var errQuit = errors.New("quit")

func main() {
	var (
		cfg  = flag.String("cfg", "", "path to the experiment configuration file")
		dev  = flag.String("dev", "sim", "instrument to drive (sim, mcp, dwf)")
		seed = flag.Int64("seed", 1234, "seed of the simulated instrument")
		i2c  = flag.Int("i2c", 1, "i2c bus of the MCP23017 expander")
	)

	log.SetPrefix("wsnlat-shell: ")
	log.SetFlags(0)

	flag.Parse()

	if *cfg == "" {
		flag.Usage()
		log.Fatalf("missing experiment configuration")
	}

	sh, err := newShell(*cfg, *dev, instrument.Options{Seed: *seed, I2C: *i2c}, os.Stdout)
	if err != nil {
		log.Fatalf("could not create shell: %+v", err)
	}
	defer sh.Close()

	err = sh.loop()
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

type command struct {
	help string
	run  func(sh *shell, args []string) error
}

var cmds map[string]command

func init() {
	cmds = map[string]command{
		"help":   {"list commands", (*shell).cmdHelp},
		"read":   {"read the state of all lines", (*shell).cmdRead},
		"write":  {"write <value>: drive the output lines", (*shell).cmdWrite},
		"press":  {"pulse the press line of the transmitter", (*shell).cmdPress},
		"kill":   {"assert the killswitch line", (*shell).cmdKill},
		"rest":   {"put the output lines at rest", (*shell).cmdRest},
		"trial":  {"trial [n]: run n trials (default 1)", (*shell).cmdTrial},
		"timing": {"display the acquisition timings", (*shell).cmdTiming},
		"lines":  {"display the wiring of the testbed", (*shell).cmdLines},
		"quit":   {"quit the shell", (*shell).cmdQuit},
	}
}

type shell struct {
	cfg   config.Experiment
	masks config.Masks
	dev   dio.Device
	exp   *acq.Experiment
	w     io.Writer
}

func newShell(fname, name string, opts instrument.Options, w io.Writer) (*shell, error) {
	cfg, err := config.Load(fname)
	if err != nil {
		return nil, fmt.Errorf("could not load configuration: %w", err)
	}

	dev, err := instrument.Open(name, opts, &cfg)
	if err != nil {
		return nil, err
	}

	exp, err := acq.New(dev, cfg,
		acq.WithLogger(tlog.NewMsgStream("wsnlat-shell", tlog.LvlWarning, w)),
	)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("could not create experiment: %w", err)
	}

	sh := &shell{
		cfg:   cfg,
		masks: cfg.Masks(),
		dev:   dev,
		exp:   exp,
		w:     w,
	}

	err = dev.ConfigureOutputs(sh.masks.Outputs)
	if err != nil {
		_ = exp.Close()
		return nil, fmt.Errorf("could not configure outputs: %w", err)
	}

	return sh, nil
}

func (sh *shell) Close() error {
	return sh.exp.Close()
}

func (sh *shell) loop() error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(complete)

	hist := filepath.Join(os.TempDir(), ".wsnlat-shell.history")
	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("wsnlat> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			fmt.Fprintln(sh.w)
			return nil
		case err != nil:
			return fmt.Errorf("could not read command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(line)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil:
			fmt.Fprintf(sh.w, "error: %+v\n", err)
		}
	}
}

func complete(line string) []string {
	var o []string
	for name := range cmds {
		if strings.HasPrefix(name, line) {
			o = append(o, name)
		}
	}
	return o
}

func (sh *shell) exec(line string) error {
	toks := strings.Fields(line)
	if len(toks) == 0 {
		return nil
	}
	cmd, ok := cmds[toks[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", toks[0])
	}
	return cmd.run(sh, toks[1:])
}

func (sh *shell) cmdHelp(args []string) error {
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(sh.w, "%-8s %s\n", name, cmds[name].help)
	}
	return nil
}

func (sh *shell) cmdRead(args []string) error {
	v, err := sh.dev.ReadInputs()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.w, "inputs: %v\n", v)
	return nil
}

func (sh *shell) cmdWrite(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: write <value>")
	}
	v, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid output value %q: %w", args[0], err)
	}
	return sh.dev.WriteOutputs(dio.Sample(v))
}

func (sh *shell) cmdPress(args []string) error {
	rest := sh.cfg.Rest()
	err := sh.dev.WriteOutputs(rest | dio.Sample(sh.masks.Press))
	if err != nil {
		return err
	}
	return sh.dev.WriteOutputs(rest)
}

func (sh *shell) cmdKill(args []string) error {
	if sh.masks.Killswitch == 0 {
		return fmt.Errorf("no killswitch line configured")
	}
	return sh.dev.WriteOutputs(sh.cfg.Rest() | dio.Sample(sh.masks.Killswitch))
}

func (sh *shell) cmdRest(args []string) error {
	return sh.dev.WriteOutputs(sh.cfg.Rest())
}

func (sh *shell) cmdTrial(args []string) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid number of trials %q", args[0])
		}
		n = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n)*(sh.cfg.Timeout+time.Second))
	defer cancel()

	for i := 0; i < n; i++ {
		rec, err := sh.exp.RunTrial(ctx)
		if err != nil {
			return err
		}
		switch rec.Outcome {
		case acq.Missed:
			fmt.Fprintf(sh.w, "trial %d: missed\n", rec.Index())
		default:
			fmt.Fprintf(sh.w, "trial %d: min latency %v\n", rec.Index(), rec.Min)
		}
		for _, c := range rec.Channels() {
			fmt.Fprintf(sh.w, "  %s rx%d: %v\n", c.Node, c.Line, c.Latency)
		}
	}
	return nil
}

func (sh *shell) cmdTiming(args []string) error {
	tm := sh.exp.Timing()
	fmt.Fprintf(sh.w, "rate:    %g Hz\n", tm.Rate)
	fmt.Fprintf(sh.w, "divider: %d\n", tm.Divider)
	fmt.Fprintf(sh.w, "period:  %g ms\n", tm.Period)
	fmt.Fprintf(sh.w, "samples: %d\n", tm.Samples)
	return nil
}

func (sh *shell) cmdLines(args []string) error {
	m := sh.masks
	for _, v := range []struct {
		name string
		mask dio.Mask
	}{
		{"press", m.Press},
		{"killswitch", m.Killswitch},
		{"outputs", m.Outputs},
		{"trigger", m.Trigger},
		{"mirror", m.Mirror},
		{"created", m.Created},
		{"rx", m.Rx},
	} {
		fmt.Fprintf(sh.w, "%-10s %v\n", v.name, v.mask)
	}
	return nil
}

func (sh *shell) cmdQuit(args []string) error {
	return errQuit
}
