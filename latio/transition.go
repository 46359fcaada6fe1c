// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package latio

import (
	"fmt"
	"strings"

	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/dio"
	"go-hep.org/x/hep/csvutil"
)

const transitionHeader = "Packet, Sample offset, Latency (ms), Sample\n"

// TransitionWriter writes every sample that differs from the previous one,
// starting from an all-low sample, as
//
//	packet, sample offset, latency (ms), sample
//
// The offset starts at 0. Missed trials keep their negative index.
type TransitionWriter struct {
	tbl *csvutil.Table
}

// CreateTransitions creates a transition file.
func CreateTransitions(fname string) (*TransitionWriter, error) {
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("latio: could not create %q: %w", fname, err)
	}
	err = tbl.WriteHeader(transitionHeader)
	if err != nil {
		_ = tbl.Close()
		return nil, fmt.Errorf("latio: could not write header: %w", err)
	}
	return &TransitionWriter{tbl: tbl}, nil
}

// WriteSamples implements acq.SampleSink.
func (w *TransitionWriter) WriteSamples(rec acq.Record, samples []dio.Sample) error {
	var prev dio.Sample
	for i, smp := range samples {
		if smp == prev {
			continue
		}
		prev = smp
		err := w.tbl.WriteRow(rec.Trial, i, float64(i)*rec.Period, smp.String())
		if err != nil {
			return fmt.Errorf("latio: could not write transition of trial %d: %w", rec.Index(), err)
		}
	}
	w.tbl.Writer.Flush()
	return w.tbl.Writer.Error()
}

func (w *TransitionWriter) Close() error {
	err := w.tbl.Close()
	if err != nil {
		return fmt.Errorf("latio: could not close transition file: %w", err)
	}
	return nil
}

// Transition is a row of a transition file.
type Transition struct {
	Packet  int
	Offset  int
	Latency float64
	Sample  string
}

// Packet is the latency of a received packet.
type Packet struct {
	Packet  int
	Latency float64
}

// ReadTransitions reads a transition file.
func ReadTransitions(fname string) ([]Transition, error) {
	tbl, err := csvutil.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("latio: could not open %q: %w", fname, err)
	}
	defer tbl.Close()
	tbl.Reader.TrimLeadingSpace = true

	rows, err := tbl.ReadRows(1, -1)
	if err != nil {
		return nil, fmt.Errorf("latio: could not read rows: %w", err)
	}
	defer rows.Close()

	var o []Transition
	for rows.Next() {
		var tr Transition
		err = rows.Scan(&tr.Packet, &tr.Offset, &tr.Latency, &tr.Sample)
		if err != nil {
			return nil, fmt.Errorf("latio: could not scan transition %d: %w", len(o)+1, err)
		}
		tr.Sample = strings.TrimSpace(tr.Sample)
		o = append(o, tr)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("latio: could not iterate over transitions: %w", err)
	}
	return o, nil
}

// Split separates the transitions of missed packets from the ones of
// received packets. The latency of a received packet is the latency of
// its last transition.
func Split(trs []Transition) (pkts []Packet, missed []Transition) {
	for i, tr := range trs {
		if tr.Packet < 0 {
			missed = append(missed, tr)
			continue
		}
		last := i == len(trs)-1 || trs[i+1].Packet != tr.Packet
		if last {
			pkts = append(pkts, Packet{Packet: tr.Packet, Latency: tr.Latency})
		}
	}
	return pkts, missed
}

// WritePackets writes the packet latencies to fname, without header.
func WritePackets(fname string, pkts []Packet) error {
	return write(fname, func(tbl *csvutil.Table) error {
		for _, p := range pkts {
			err := tbl.WriteRow(p.Packet, p.Latency)
			if err != nil {
				return fmt.Errorf("latio: could not write packet %d: %w", p.Packet, err)
			}
		}
		return nil
	})
}

// WriteTransitions writes transitions to fname, with a header line.
func WriteTransitions(fname string, trs []Transition) error {
	return write(fname, func(tbl *csvutil.Table) error {
		err := tbl.WriteHeader(transitionHeader)
		if err != nil {
			return fmt.Errorf("latio: could not write header: %w", err)
		}
		for _, tr := range trs {
			err = tbl.WriteRow(tr.Packet, tr.Offset, tr.Latency, tr.Sample)
			if err != nil {
				return fmt.Errorf("latio: could not write transition: %w", err)
			}
		}
		return nil
	})
}

// write creates fname and fills it with f.
func write(fname string, f func(tbl *csvutil.Table) error) error {
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return fmt.Errorf("latio: could not create %q: %w", fname, err)
	}

	err = f(tbl)
	if err != nil {
		_ = tbl.Close()
		return err
	}

	err = tbl.Close()
	if err != nil {
		return fmt.Errorf("latio: could not close %q: %w", fname, err)
	}
	return nil
}

var _ acq.SampleSink = (*TransitionWriter)(nil)
