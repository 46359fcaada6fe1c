// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"github.com/go-lpc/wsnlat/dio"
)

// Session describes the progress of one capture.
type Session struct {
	Target    int // number of samples the capture holds
	Copied    int // logical cursor: samples copied out plus samples lost
	Lost      int
	Corrupted int
}

// Drained describes the outcome of one Buffer drain.
type Drained struct {
	State     dio.State // acquisition state reported by the instrument
	Appended  int       // samples copied by this drain
	Lost      int       // samples lost since the previous drain
	Corrupted int       // samples corrupted since the previous drain
}

// Buffer is the host-side copy of the instrument capture memory.
//
// The cursor of a Buffer counts hardware clock ticks: lost samples
// advance it even though no data is stored for them, so that the index
// of a sample always reflects its elapsed time since the trigger.
type Buffer struct {
	dev  dio.Device
	data []dio.Sample
	sess Session
	tail int        // samples flushed after the cursor by DrainFinal
	last dio.Sample // value stored in slots of lost samples
}

// NewBuffer creates a buffer holding at most target samples.
func NewBuffer(dev dio.Device, target int) *Buffer {
	if target < 0 {
		target = 0
	}
	return &Buffer{
		dev:  dev,
		data: make([]dio.Sample, target),
		sess: Session{Target: target},
	}
}

// Reset prepares the buffer for a new capture.
// Slots of samples lost before any sample was copied hold fill.
func (buf *Buffer) Reset(fill dio.Sample) {
	buf.sess = Session{Target: len(buf.data)}
	buf.tail = 0
	buf.last = fill
}

// Session returns the current state of the capture.
func (buf *Buffer) Session() Session { return buf.sess }

// Full returns whether the cursor reached the target sample count.
func (buf *Buffer) Full() bool { return buf.sess.Copied >= buf.sess.Target }

// Samples returns the samples of the capture, including the ones flushed
// by DrainFinal. The returned slice is only valid until the next Reset.
func (buf *Buffer) Samples() []dio.Sample {
	return buf.data[:buf.sess.Copied+buf.tail]
}

// Drain copies the samples made available by the instrument since the
// previous drain, never going past the target sample count.
func (buf *Buffer) Drain() (Drained, error) {
	return buf.drain(true)
}

// DrainFinal copies the last available samples without advancing the
// cursor. It is meant to be called once, after the capture was stopped.
func (buf *Buffer) DrainFinal() (Drained, error) {
	return buf.drain(false)
}

func (buf *Buffer) drain(advance bool) (Drained, error) {
	var d Drained

	st, err := buf.dev.Status()
	if err != nil {
		return d, devErr("read acquisition status", err)
	}
	d.State = st

	rec, err := buf.dev.Record()
	if err != nil {
		return d, devErr("read acquisition record", err)
	}
	avail := max(rec.Available, 0)
	d.Lost = max(rec.Lost, 0)
	d.Corrupted = max(rec.Corrupted, 0)
	buf.sess.Lost += d.Lost
	buf.sess.Corrupted += d.Corrupted

	cur := buf.sess.Copied
	room := buf.sess.Target - cur
	lost := min(d.Lost, room)
	for i := cur; i < cur+lost; i++ {
		buf.data[i] = buf.last
	}
	cur += lost
	room -= lost

	n := min(avail, room)
	if n > 0 {
		dst := buf.data[cur : cur+n]
		err = buf.dev.Data(dst)
		if err != nil {
			return d, devErr("read acquisition data", err)
		}
		buf.last = dst[n-1]
	}
	d.Appended = n

	switch {
	case advance:
		cur += n
		buf.tail = 0
	default:
		buf.tail = n
	}
	buf.sess.Copied = cur

	return d, nil
}
