// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wsnlat-replay re-extracts latencies from raw dump files.
//
// Usage: wsnlat-replay [options] file1.dump [file2.dump [...]]
//
// Example:
//
//	$> wsnlat-replay -cfg ./testbed.yaml -o replay.csv ./runs/raw-*.dump
package main // import "github.com/go-lpc/wsnlat/cmd/wsnlat-replay"

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/internal/rawdump"
	"github.com/go-lpc/wsnlat/latio"
)

func main() {
	log.SetPrefix("wsnlat-replay: ")
	log.SetFlags(0)

	var (
		cfg   = flag.String("cfg", "", "path to the experiment configuration file")
		oname = flag.String("o", "replay.csv", "path to the output latency file")
		adir  = flag.String("anomalies", "", "directory where to write the samples of anomalous trials")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wsnlat-replay [options] file1.dump [file2.dump [...]]\n\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *cfg == "" || flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing configuration or input file")
	}

	err := run(*cfg, *oname, *adir, flag.Args())
	if err != nil {
		log.Fatalf("could not replay dumps: %+v", err)
	}
}

func run(cname, oname, adir string, fnames []string) error {
	cfg, err := config.Load(cname)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	cols := latio.Columns(cfg)
	out, err := latio.Create(oname, cols)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer out.Close()

	var anomalies *latio.AnomalyWriter
	if adir != "" {
		anomalies, err = latio.NewAnomalyWriter(adir, cols)
		if err != nil {
			return fmt.Errorf("could not create anomalies writer: %w", err)
		}
	}

	ana := acq.NewAnalyzer(cfg)
	for _, fname := range fnames {
		err = replay(ana, fname, out, anomalies)
		if err != nil {
			return fmt.Errorf("could not replay %q: %w", fname, err)
		}
	}

	err = out.Close()
	if err != nil {
		return fmt.Errorf("could not close output file: %w", err)
	}
	return nil
}

func replay(ana *acq.Analyzer, fname string, out *latio.Writer, anomalies *latio.AnomalyWriter) error {
	r, err := rawdump.Open(fname)
	if err != nil {
		return err
	}
	defer r.Close()

	var (
		n      = 0
		missed = 0
		odd    = 0
	)
	for r.Next() {
		d := r.Dump()
		capt := acq.Capture{
			Trial:   d.Trial,
			Outcome: acq.Received,
			Steady:  d.Steady,
			Samples: d.Samples,
			Session: d.Session,
		}
		if d.Trial < 0 {
			capt.Outcome = acq.Missed
		}

		rec := ana.Analyze(capt, d.Period)
		n++
		if rec.Outcome == acq.Missed {
			missed++
			if rec.Min.OK {
				log.Printf("%s: trial %d reported missed, first reception after %v", fname, rec.Index(), rec.Min)
			}
		}

		err = out.WriteRecord(rec)
		if err != nil {
			return err
		}
		if anomalies != nil && rec.Anomaly {
			odd++
			err = anomalies.WriteSamples(rec, d.Samples)
			if err != nil {
				return err
			}
		}
	}
	if err := r.Err(); err != nil {
		return err
	}

	log.Printf("%s: %d trials (missed=%d, anomalies=%d)", fname, n, missed, odd)
	return nil
}
