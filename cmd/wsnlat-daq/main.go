// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wsnlat-daq runs a packet-latency experiment in stand-alone mode.
//
// Usage: wsnlat-daq [options]
//
// Example:
//
//	$> wsnlat-daq -cfg ./testbed.yaml -dev mcp -n 1000 -o ./runs
//	$> wsnlat-daq -db last -dev dwf -mail
package main // import "github.com/go-lpc/wsnlat/cmd/wsnlat-daq"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	tlog "github.com/go-daq/tdaq/log"
	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/conddb"
	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/internal/alert"
	"github.com/go-lpc/wsnlat/internal/instrument"
	"github.com/go-lpc/wsnlat/internal/rawdump"
	"github.com/go-lpc/wsnlat/latio"
	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	dbname = "wsnlat"

	// number of consecutive missed trials triggering an alert.
	missStreak = 10
)

type job struct {
	cfg     string
	testbed string
	trials  int
	odir    string
	dev     string
	seed    int64
	i2c     int
	verbose bool

	pmon bool
	freq time.Duration
	mail bool
}

func main() {
	var (
		cfg     = flag.String("cfg", "", "path to the experiment configuration file")
		testbed = flag.String("db", "", "testbed whose wiring is read from the conditions db (last: latest testbed)")
		trials  = flag.Int("n", 0, "number of trials (overrides the configuration)")
		odir    = flag.String("o", "", "output directory (overrides the configuration)")
		dev     = flag.String("dev", "sim", "instrument to drive (sim, mcp, dwf)")
		seed    = flag.Int64("seed", 1234, "seed of the simulated instrument")
		i2c     = flag.Int("i2c", 1, "i2c bus of the MCP23017 expander")
		verbose = flag.Bool("v", false, "enable verbose mode")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
		doMail  = flag.Bool("mail", false, "send e-mail alerts (MAIL_xxx environment variables)")
	)

	log.SetPrefix("wsnlat-daq: ")
	log.SetFlags(0)

	flag.Parse()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, unix.SIGTERM, unix.SIGUSR1)
	defer signal.Stop(stop)

	err := run(job{
		cfg:     *cfg,
		testbed: *testbed,
		trials:  *trials,
		odir:    *odir,
		dev:     *dev,
		seed:    *seed,
		i2c:     *i2c,
		verbose: *verbose,
		pmon:    *doMon,
		freq:    *doFreq,
		mail:    *doMail,
	}, stop)
	if err != nil {
		log.Fatalf("could not run experiment: %+v", err)
	}
}

func run(job job, stop chan os.Signal) error {
	var mailer *alert.Mailer
	if job.mail {
		mailer = alert.FromEnv("wsnlat-daq")
	}

	err := runDAQ(job, stop, mailer)
	if err != nil && mailer != nil {
		e := mailer.Send("experiment failed", err.Error())
		if e != nil {
			log.Printf("could not send alert: %+v", e)
		}
	}
	return err
}

// loadConfig loads the experiment configuration and, when a testbed is
// requested, its wiring from the conditions db.
func loadConfig(ctx context.Context, job job) (config.Experiment, *conddb.DB, string, error) {
	var (
		cfg = config.Default()
		err error
	)
	if job.cfg != "" {
		cfg, err = config.Load(job.cfg)
		if err != nil {
			return cfg, nil, "", fmt.Errorf("could not load configuration: %w", err)
		}
	}

	if job.trials > 0 {
		cfg.Trials = job.trials
	}
	if job.odir != "" {
		cfg.Output = job.odir
	}

	if job.testbed == "" {
		return cfg, nil, "", nil
	}

	db, err := conddb.Open(dbname)
	if err != nil {
		return cfg, nil, "", fmt.Errorf("could not open conditions db: %w", err)
	}

	name := job.testbed
	if name == "last" {
		name, err = db.LastTestbed(ctx)
		if err != nil {
			_ = db.Close()
			return cfg, nil, "", fmt.Errorf("could not find last testbed: %w", err)
		}
	}

	cfg, err = db.Testbed(ctx, name, cfg)
	if err != nil {
		_ = db.Close()
		return cfg, nil, "", fmt.Errorf("could not load testbed %q: %w", name, err)
	}
	log.Printf("testbed: %q", name)

	return cfg, db, name, nil
}

func runDAQ(job job, stop chan os.Signal, mailer *alert.Mailer) error {
	cfg, db, testbed, err := loadConfig(context.Background(), job)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	err = cfg.Validate()
	if err != nil {
		return err
	}

	err = os.MkdirAll(cfg.Output, 0755)
	if err != nil {
		return fmt.Errorf("could not create output dir: %w", err)
	}

	var (
		start = time.Now()
		stamp = start.Format("20060102-150405")
		fname = filepath.Join(cfg.Output, "latencies-"+stamp+".csv")
		cols  = latio.Columns(cfg)
		lvl   = tlog.LvlInfo
	)
	if job.verbose {
		lvl = tlog.LvlDebug
	}

	if job.pmon {
		p, err := pmon.Monitor(os.Getpid())
		if err != nil {
			return fmt.Errorf("could not start monitoring: %w", err)
		}
		f, err := os.Create(filepath.Join(cfg.Output, "pmon-"+stamp+".log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file: %w", err)
		}
		defer f.Close()
		p.W = f
		p.Freq = job.freq

		go func() {
			err := p.Run()
			if err != nil {
				log.Printf("could not run pmon: %+v", err)
			}
		}()
		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop pmon: %+v", err)
			}
		}()
	}

	lat, err := latio.Create(fname, cols)
	if err != nil {
		return fmt.Errorf("could not create latency file: %w", err)
	}
	defer lat.Close()

	trs, err := latio.CreateTransitions(filepath.Join(cfg.Output, "transitions-"+stamp+".csv"))
	if err != nil {
		return fmt.Errorf("could not create transitions file: %w", err)
	}
	defer trs.Close()

	anomalies, err := latio.NewAnomalyWriter(cfg.Output, cols)
	if err != nil {
		return fmt.Errorf("could not create anomalies writer: %w", err)
	}

	raw, err := rawdump.Create(filepath.Join(cfg.Output, "raw-"+stamp+".dump"))
	if err != nil {
		return fmt.Errorf("could not create raw dump: %w", err)
	}
	defer raw.Close()

	dev, err := instrument.Open(job.dev, instrument.Options{Seed: job.seed, I2C: job.i2c}, &cfg)
	if err != nil {
		return err
	}

	opts := []acq.Option{
		acq.WithLogger(tlog.NewMsgStream("wsnlat-daq", lvl, os.Stdout)),
		acq.WithSink(lat),
		acq.WithSamples(trs),
		acq.WithAnomalies(anomalies),
		acq.WithRawDump(raw),
	}
	if mailer != nil {
		opts = append(opts, acq.WithMissHook(missStreak, func(streak int, rec acq.Record) {
			err := mailer.Send(
				"packets missed",
				fmt.Sprintf("%d consecutive trials missed (last attempt: %d)", streak, rec.Index()),
			)
			if err != nil {
				log.Printf("could not send alert: %+v", err)
			}
		}))
	}

	exp, err := acq.New(dev, cfg, opts...)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("could not create experiment: %w", err)
	}
	defer exp.Close()

	tm := exp.Timing()
	log.Printf("instrument: %s", job.dev)
	log.Printf("sampling:   %g Hz (divider=%d, samples=%d)", tm.Rate, tm.Divider, tm.Samples)
	log.Printf("trials:     %d (policy=%s)", cfg.Trials, cfg.Policy)
	log.Printf("output:     %s", fname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var grp errgroup.Group
	grp.Go(func() error {
		select {
		case sig := <-stop:
			log.Printf("received %v, stopping...", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	grp.Go(func() error {
		defer cancel()
		return exp.Run(ctx)
	})

	err = grp.Wait()
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("experiment interrupted")
	case err != nil:
		return fmt.Errorf("could not run experiment: %w", err)
	}

	err = exp.Close()
	if err != nil {
		return fmt.Errorf("could not shutdown instrument: %w", err)
	}

	for _, c := range []interface{ Close() error }{lat, trs, raw} {
		err = c.Close()
		if err != nil {
			return fmt.Errorf("could not close output file: %w", err)
		}
	}

	var (
		recs   = exp.Records()
		missed = 0
	)
	for _, rec := range recs {
		if rec.Outcome == acq.Missed {
			missed++
		}
	}
	log.Printf("trials: %d, missed: %d, duration: %v", len(recs), missed, time.Since(start))

	if db != nil {
		err = db.SaveRun(context.Background(), conddb.Run{
			Testbed: testbed,
			Start:   start,
			Stop:    time.Now(),
			Trials:  len(recs),
			Missed:  missed,
			File:    fname,
		})
		if err != nil {
			return fmt.Errorf("could not book run: %w", err)
		}
	}

	return nil
}
