// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command wsnlat-proc converts transition files into packet-latency files.
//
// For each input file <name>.csv, wsnlat-proc writes <name>-packets.csv
// with the latency of each received packet (without header) and, when
// the file holds missed packets, <name>-packets_missed_packet_samples.csv
// with their transitions.
//
// Usage: wsnlat-proc [options] file1.csv [file2.csv [...]]
package main // import "github.com/go-lpc/wsnlat/cmd/wsnlat-proc"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-lpc/wsnlat/latio"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("wsnlat-proc: ")
	log.SetFlags(0)

	var (
		odir = flag.String("o", "", "output directory (default: next to the input file)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: wsnlat-proc [options] file1.csv [file2.csv [...]]\n\nOptions:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing input file")
	}

	err := run(*odir, flag.Args())
	if err != nil {
		log.Fatalf("could not process files: %+v", err)
	}
}

func run(odir string, fnames []string) error {
	var grp errgroup.Group
	grp.SetLimit(runtime.NumCPU())

	for _, fname := range fnames {
		fname := fname
		grp.Go(func() error {
			return process(odir, fname)
		})
	}

	return grp.Wait()
}

// output returns the stem of the output files for fname.
func output(odir, fname string) string {
	stem := strings.TrimSuffix(fname, filepath.Ext(fname)) + "-packets"
	if odir != "" {
		stem = filepath.Join(odir, filepath.Base(stem))
	}
	return stem
}

func process(odir, fname string) error {
	trs, err := latio.ReadTransitions(fname)
	if err != nil {
		return fmt.Errorf("could not read transitions from %q: %w", fname, err)
	}

	pkts, missed := latio.Split(trs)
	stem := output(odir, fname)

	err = latio.WritePackets(stem+".csv", pkts)
	if err != nil {
		return fmt.Errorf("could not write packets of %q: %w", fname, err)
	}

	if len(missed) > 0 {
		err = latio.WriteTransitions(stem+"_missed_packet_samples.csv", missed)
		if err != nil {
			return fmt.Errorf("could not write missed packets of %q: %w", fname, err)
		}
	}

	var (
		seen = make(map[int]struct{})
		ids  []string
	)
	for _, tr := range missed {
		if _, dup := seen[tr.Packet]; dup {
			continue
		}
		seen[tr.Packet] = struct{}{}
		ids = append(ids, fmt.Sprint(-tr.Packet))
	}
	log.Printf("%s: %d packets received, %d missed %v", fname, len(pkts), len(ids), ids)

	return nil
}
