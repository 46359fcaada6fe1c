// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package latio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/dio"
	"go-hep.org/x/hep/csvutil"
)

// AnomalyWriter dumps the samples of a trial to <Dir>/<trial>.csv,
// with the time of each sample and the level of each packet-received line.
type AnomalyWriter struct {
	Dir  string
	Cols []Column
}

// NewAnomalyWriter creates the anomalies directory under dir.
func NewAnomalyWriter(dir string, cols []Column) (*AnomalyWriter, error) {
	dir = filepath.Join(dir, "anomalies")
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("latio: could not create anomalies dir: %w", err)
	}
	return &AnomalyWriter{Dir: dir, Cols: cols}, nil
}

// WriteSamples implements acq.SampleSink.
func (w *AnomalyWriter) WriteSamples(rec acq.Record, samples []dio.Sample) error {
	fname := filepath.Join(w.Dir, strconv.Itoa(rec.Trial)+".csv")
	tbl, err := csvutil.Create(fname)
	if err != nil {
		return fmt.Errorf("latio: could not create anomaly file: %w", err)
	}

	err = w.write(tbl, rec.Period, samples)
	if err != nil {
		_ = tbl.Close()
		return err
	}

	err = tbl.Close()
	if err != nil {
		return fmt.Errorf("latio: could not close anomaly file: %w", err)
	}
	return nil
}

func (w *AnomalyWriter) write(tbl *csvutil.Table, period float64, samples []dio.Sample) error {
	hdr := []string{"Time (ms)"}
	for _, c := range w.Cols {
		hdr = append(hdr, fmt.Sprintf("%s Rx%d Signal", c.Node, c.Line))
	}
	err := tbl.WriteHeader(strings.Join(hdr, ", ") + "\n")
	if err != nil {
		return fmt.Errorf("latio: could not write anomaly header: %w", err)
	}

	row := make([]interface{}, len(w.Cols)+1)
	for i, smp := range samples {
		row[0] = float64(i+1) * period
		for j, c := range w.Cols {
			row[j+1] = smp.Bit(c.Line)
		}
		err = tbl.WriteRow(row...)
		if err != nil {
			return fmt.Errorf("latio: could not write anomaly sample %d: %w", i, err)
		}
	}
	return nil
}

var _ acq.SampleSink = (*AnomalyWriter)(nil)
