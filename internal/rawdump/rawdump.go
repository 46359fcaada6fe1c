// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rawdump stores the raw samples of trials in a binary file,
// for offline re-analysis.
//
// A dump file starts with the 4-byte magic "WSNR" and a version byte,
// followed by records made of, little-endian:
//
//	trial     int64
//	steady    uint16
//	period    float64 (ms)
//	target    uint32
//	copied    uint32
//	lost      uint32
//	corrupted uint32
//	n         uint32
//	samples   n x uint16
package rawdump // import "github.com/go-lpc/wsnlat/internal/rawdump"

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-lpc/wsnlat/acq"
	"github.com/go-lpc/wsnlat/dio"
	"github.com/go-lpc/wsnlat/internal/mmap"
	"golang.org/x/xerrors"
)

const (
	magic   = "WSNR"
	version = 1

	recHdrLen = 8 + 2 + 8 + 5*4
)

// Dump holds the raw samples of a trial.
type Dump struct {
	Trial   int
	Steady  dio.Sample
	Period  float64
	Session acq.Session
	Samples []dio.Sample
}

// Writer writes dumps to a file.
type Writer struct {
	f   *os.File
	w   *bufio.Writer
	buf []byte
	err error
}

// Create creates a dump file.
func Create(fname string) (*Writer, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("rawdump: could not create %q: %w", fname, err)
	}

	w := &Writer{
		f:   f,
		w:   bufio.NewWriter(f),
		buf: make([]byte, 8),
	}
	w.write([]byte(magic))
	w.writeU8(version)
	if err := w.flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("rawdump: could not write file header: %w", err)
	}

	return w, nil
}

// WriteSamples implements acq.SampleSink.
func (w *Writer) WriteSamples(rec acq.Record, samples []dio.Sample) error {
	return w.Write(Dump{
		Trial:   rec.Trial,
		Steady:  rec.Steady,
		Period:  rec.Period,
		Session: rec.Session,
		Samples: samples,
	})
}

// Write writes a dump and flushes it to the file.
func (w *Writer) Write(d Dump) error {
	w.writeU64(uint64(int64(d.Trial)))
	w.writeU16(uint16(d.Steady))
	w.writeU64(math.Float64bits(d.Period))
	w.writeU32(uint32(d.Session.Target))
	w.writeU32(uint32(d.Session.Copied))
	w.writeU32(uint32(d.Session.Lost))
	w.writeU32(uint32(d.Session.Corrupted))
	w.writeU32(uint32(len(d.Samples)))
	for _, v := range d.Samples {
		w.writeU16(uint16(v))
	}

	if err := w.flush(); err != nil {
		return fmt.Errorf("rawdump: could not write trial %d: %w", d.Trial, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	err := w.flush()
	if err != nil {
		_ = w.f.Close()
		return fmt.Errorf("rawdump: could not flush dump file: %w", err)
	}
	err = w.f.Close()
	if err != nil {
		return fmt.Errorf("rawdump: could not close dump file: %w", err)
	}
	return nil
}

func (w *Writer) flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *Writer) writeU8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *Writer) writeU16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	w.write(w.buf[:2])
}

func (w *Writer) writeU32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) writeU64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

// Reader iterates over the dumps of a memory-mapped file.
type Reader struct {
	h   *mmap.Handle
	raw []byte
	pos int
	cur Dump
	err error
}

// Open opens a dump file.
func Open(fname string) (*Reader, error) {
	h, err := mmap.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("rawdump: could not open %q: %w", fname, err)
	}

	r := &Reader{h: h, raw: h.Bytes()}
	if len(r.raw) < len(magic)+1 || string(r.raw[:len(magic)]) != magic {
		_ = h.Close()
		return nil, xerrors.Errorf("rawdump: %q is not a dump file", fname)
	}
	if v := r.raw[len(magic)]; v != version {
		_ = h.Close()
		return nil, xerrors.Errorf("rawdump: unsupported dump version %d", v)
	}
	r.pos = len(magic) + 1

	return r, nil
}

// Next decodes the next dump. It returns false at the end of the file
// or on error.
func (r *Reader) Next() bool {
	if r.err != nil || r.pos >= len(r.raw) {
		return false
	}

	hdr := r.next(recHdrLen)
	if r.err != nil {
		r.err = xerrors.Errorf("rawdump: could not read dump header at offset %d: %w", r.pos, r.err)
		return false
	}

	var d Dump
	d.Trial = int(int64(binary.LittleEndian.Uint64(hdr[0:])))
	d.Steady = dio.Sample(binary.LittleEndian.Uint16(hdr[8:]))
	d.Period = math.Float64frombits(binary.LittleEndian.Uint64(hdr[10:]))
	d.Session.Target = int(binary.LittleEndian.Uint32(hdr[18:]))
	d.Session.Copied = int(binary.LittleEndian.Uint32(hdr[22:]))
	d.Session.Lost = int(binary.LittleEndian.Uint32(hdr[26:]))
	d.Session.Corrupted = int(binary.LittleEndian.Uint32(hdr[30:]))
	n := int(binary.LittleEndian.Uint32(hdr[34:]))

	raw := r.next(2 * n)
	if r.err != nil {
		r.err = xerrors.Errorf("rawdump: could not read %d samples of trial %d: %w", n, d.Trial, r.err)
		return false
	}
	d.Samples = make([]dio.Sample, n)
	for i := range d.Samples {
		d.Samples[i] = dio.Sample(binary.LittleEndian.Uint16(raw[2*i:]))
	}

	r.cur = d
	return true
}

func (r *Reader) next(n int) []byte {
	if n < 0 || len(r.raw)-r.pos < n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	p := r.raw[r.pos : r.pos+n]
	r.pos += n
	return p
}

// Dump returns the last decoded dump.
func (r *Reader) Dump() Dump { return r.cur }

// Err returns the first error encountered while decoding.
func (r *Reader) Err() error { return r.err }

// Close unmaps the file.
func (r *Reader) Close() error {
	return r.h.Close()
}

var _ acq.SampleSink = (*Writer)(nil)
