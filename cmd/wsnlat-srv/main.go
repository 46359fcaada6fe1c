// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wsnlat-srv starts a TDAQ server running packet-latency trials.
//
// The /config command takes the path to the experiment configuration
// (or reads it from $WSNLAT_CONFIG), /init opens the instrument
// (named by $WSNLAT_DEVICE, sim by default) and the latency of each
// trial is published on the /latency output and written to a
// latencies-<stamp>.csv file in the output directory of the experiment.
package main // import "github.com/go-lpc/wsnlat/cmd/wsnlat-srv"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/internal/instrument"
	"github.com/go-lpc/wsnlat/latio"
)

func main() {
	cmd := flags.New()

	dev := newServer(os.Getenv("WSNLAT_DEVICE"))

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/latency", dev.latency)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

type server struct {
	dev  string
	opts instrument.Options

	cfg config.Experiment
	ok  bool // whether cfg was loaded
	exp *acq.Experiment
	out *latio.Writer

	ctx  context.Context // context of the current run
	recs chan acq.Record
}

func newServer(dev string) *server {
	if dev == "" {
		dev = "sim"
	}
	return &server{
		dev:  dev,
		opts: instrument.Options{Seed: 1234, I2C: 1},
	}
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	fname := os.Getenv("WSNLAT_CONFIG")
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		fname = dec.ReadStr()
		if err := dec.Err(); err != nil {
			return fmt.Errorf("could not decode /config request: %w", err)
		}
	}
	if fname == "" {
		return fmt.Errorf("no experiment configuration")
	}

	cfg, err := config.Load(fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration %q: %+v", fname, err)
		return fmt.Errorf("could not load configuration %q: %w", fname, err)
	}
	srv.cfg = cfg
	srv.ok = true
	ctx.Msg.Infof("configuration: %q (nodes=%d, trials=%d)", fname, len(cfg.Nodes), cfg.Trials)

	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	if !srv.ok {
		return fmt.Errorf("could not initialize: no configuration loaded")
	}

	err := srv.close()
	if err != nil {
		ctx.Msg.Warnf("could not close previous experiment: %+v", err)
	}

	cfg := srv.cfg
	dev, err := instrument.Open(srv.dev, srv.opts, &cfg)
	if err != nil {
		ctx.Msg.Errorf("could not open instrument: %+v", err)
		return fmt.Errorf("could not open instrument: %w", err)
	}

	err = os.MkdirAll(cfg.Output, 0755)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("could not create output directory: %w", err)
	}
	fname := filepath.Join(cfg.Output, "latencies-"+time.Now().UTC().Format("20060102-150405")+".csv")
	out, err := latio.Create(fname, latio.Columns(cfg))
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("could not create latency file: %w", err)
	}

	srv.recs = make(chan acq.Record, 1024)
	srv.exp, err = acq.New(
		dev, cfg,
		acq.WithLogger(ctx.Msg),
		acq.WithSink(out),
		acq.WithSink(srv),
	)
	if err != nil {
		_ = out.Close()
		_ = dev.Close()
		return fmt.Errorf("could not create experiment: %w", err)
	}
	srv.out = out
	ctx.Msg.Infof("latencies: %q", fname)

	tm := srv.exp.Timing()
	ctx.Msg.Infof("instrument %q: %g Hz (divider=%d, samples=%d)", srv.dev, tm.Rate, tm.Divider, tm.Samples)
	return nil
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return srv.close()
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.exp == nil {
		return fmt.Errorf("could not start: instrument not initialized")
	}
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	n := 0
	if srv.exp != nil {
		n = len(srv.exp.Records())
	}
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.close()
}

func (srv *server) close() error {
	var errs []error
	if srv.exp != nil {
		errs = append(errs, srv.exp.Close())
		srv.exp = nil
	}
	if srv.out != nil {
		errs = append(errs, srv.out.Close())
		srv.out = nil
	}
	return errors.Join(errs...)
}

// WriteRecord implements acq.Sink.
// It blocks until the record is queued for the /latency output or the
// run is cancelled.
func (srv *server) WriteRecord(rec acq.Record) error {
	done := context.Background().Done()
	if srv.ctx != nil {
		done = srv.ctx.Done()
	}
	select {
	case srv.recs <- rec:
		return nil
	case <-done:
		return fmt.Errorf("could not publish trial %d: %w", rec.Index(), srv.ctx.Err())
	}
}

func (srv *server) latency(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case rec := <-srv.recs:
		raw, err := encode(rec)
		if err != nil {
			return fmt.Errorf("could not encode trial %d: %w", rec.Index(), err)
		}
		dst.Body = raw
	}
	return nil
}

func (srv *server) run(ctx tdaq.Context) error {
	if srv.exp == nil {
		return fmt.Errorf("could not run: instrument not initialized")
	}
	srv.ctx = ctx.Ctx
	defer func() { srv.ctx = nil }()

	err := srv.exp.Run(ctx.Ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		ctx.Msg.Errorf("could not run experiment: %+v", err)
		return err
	}
	ctx.Msg.Infof("experiment done: %d trials", len(srv.exp.Records()))
	return nil
}

// encode encodes the latencies of a trial as: trial number (negative
// when missed), minimum latency, number of channels and, for each
// channel, node name, line and latency.
// Latencies of missed packets are encoded as latio.MissedValue.
func encode(rec acq.Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)

	enc.WriteI64(int64(rec.Trial))
	enc.WriteF64(value(rec.Min))
	chans := rec.Channels()
	enc.WriteU32(uint32(len(chans)))
	for _, c := range chans {
		enc.WriteStr(c.Node)
		enc.WriteU32(uint32(c.Line))
		enc.WriteF64(value(c.Latency))
	}

	return buf.Bytes(), enc.Err()
}

func value(lat acq.Latency) float64 {
	if !lat.OK {
		return latio.MissedValue
	}
	return lat.Ms
}
