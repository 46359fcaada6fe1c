// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package latio reads and writes latency records and raw sample dumps
// as CSV files.
package latio // import "github.com/go-lpc/wsnlat/latio"

import (
	"fmt"
	"strings"

	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/config"
	"go-hep.org/x/hep/csvutil"
)

// MissedValue is the latency written for a missed packet.
const MissedValue = -1.0

// Column describes a packet-received line of the experiment.
type Column struct {
	Node string
	Line int
}

// Columns returns the packet-received lines of the experiment, node by node.
func Columns(cfg config.Experiment) []Column {
	var cols []Column
	for _, n := range cfg.Nodes {
		for _, ch := range n.Rx {
			cols = append(cols, Column{Node: n.Name, Line: ch})
		}
	}
	return cols
}

// Header returns the header line of a latency file.
func Header(cols []Column) string {
	o := []string{"Packet"}
	for _, c := range cols {
		o = append(o, fmt.Sprintf("%s Rx%d Latency (ms)", c.Node, c.Line))
	}
	o = append(o, "Minimum Latency (ms)")
	return strings.Join(o, ", ")
}

// Writer writes one latency record per line.
type Writer struct {
	tbl  *csvutil.Table
	cols []Column
}

// Create creates a latency file for the packet-received lines cols.
func Create(fname string, cols []Column) (*Writer, error) {
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("latio: could not create %q: %w", fname, err)
	}

	err = tbl.WriteHeader(Header(cols) + "\n")
	if err != nil {
		_ = tbl.Close()
		return nil, fmt.Errorf("latio: could not write header: %w", err)
	}

	return &Writer{tbl: tbl, cols: cols}, nil
}

func value(lat acq.Latency) float64 {
	if !lat.OK {
		return MissedValue
	}
	return lat.Ms
}

// WriteRecord writes the record and flushes it to the file.
func (w *Writer) WriteRecord(rec acq.Record) error {
	chans := rec.Channels()
	if len(chans) != len(w.cols) {
		return fmt.Errorf(
			"latio: record for trial %d holds %d channels, want %d",
			rec.Index(), len(chans), len(w.cols),
		)
	}

	row := make([]interface{}, 0, len(chans)+2)
	row = append(row, rec.Trial)
	for _, c := range chans {
		row = append(row, value(c.Latency))
	}
	row = append(row, value(rec.Min))

	err := w.tbl.WriteRow(row...)
	if err != nil {
		return fmt.Errorf("latio: could not write trial %d: %w", rec.Index(), err)
	}
	w.tbl.Writer.Flush()
	return w.tbl.Writer.Error()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	err := w.tbl.Close()
	if err != nil {
		return fmt.Errorf("latio: could not close latency file: %w", err)
	}
	return nil
}

// Row is a latency record read back from a file.
// Missed packets have a MissedValue latency.
type Row struct {
	Trial     int
	Latencies []float64
	Min       float64
}

// Read reads a latency file holding n packet-received lines.
func Read(fname string, n int) ([]Row, error) {
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

	var o []Row
	for rows.Next() {
		row := Row{Latencies: make([]float64, n)}
		dst := make([]interface{}, 0, n+2)
		dst = append(dst, &row.Trial)
		for i := range row.Latencies {
			dst = append(dst, &row.Latencies[i])
		}
		dst = append(dst, &row.Min)
		err = rows.Scan(dst...)
		if err != nil {
			return nil, fmt.Errorf("latio: could not scan row %d: %w", len(o)+1, err)
		}
		o = append(o, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("latio: could not iterate over rows: %w", err)
	}
	return o, nil
}
