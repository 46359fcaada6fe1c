// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build dwf

package dwf

// #cgo LDFLAGS: -ldwf
// #include <stdlib.h>
// #include <digilent/waveforms/dwf.h>
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/go-lpc/wsnlat/dio"
)

var errClosed = errors.New("dwf: device closed")

// Device is an opened WaveForms instrument.
type Device struct {
	h     C.HDWF
	clock float64
	size  int // maximal capture buffer
	rec   dio.Record

	closed bool
}

// Open opens the instrument with the given enumeration index, -1 for
// the first available one.
func Open(idx int) (*Device, error) {
	var h C.HDWF
	if C.FDwfDeviceOpen(C.int(idx), &h) == 0 {
		return nil, fmt.Errorf("dwf: could not open device %d: %w", idx, lastError())
	}

	dev := &Device{h: h}

	var hz C.double
	if C.FDwfDigitalInInternalClockInfo(h, &hz) == 0 {
		_ = dev.Close()
		return nil, fmt.Errorf("dwf: could not read internal clock: %w", lastError())
	}
	dev.clock = float64(hz)

	var size C.int
	if C.FDwfDigitalInBufferSizeInfo(h, &size) == 0 {
		_ = dev.Close()
		return nil, fmt.Errorf("dwf: could not read buffer size: %w", lastError())
	}
	dev.size = int(size)

	return dev, nil
}

func lastError() error {
	buf := (*C.char)(C.malloc(512))
	defer C.free(unsafe.Pointer(buf))
	C.FDwfGetLastErrorMsg(buf)
	return errors.New(C.GoString(buf))
}

func check(ok C.int, op string) error {
	if ok != 0 {
		return nil
	}
	return fmt.Errorf("dwf: could not %s: %w", op, lastError())
}

// Clock returns the internal clock frequency of the digital input (Hz).
func (dev *Device) Clock() float64 { return dev.clock }

func (dev *Device) ConfigureOutputs(enable dio.Mask) error {
	if dev.closed {
		return errClosed
	}
	return check(C.FDwfDigitalIOOutputEnableSet(dev.h, C.uint(enable)), "enable outputs")
}

func (dev *Device) WriteOutputs(v dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	return check(C.FDwfDigitalIOOutputSet(dev.h, C.uint(v)), "write outputs")
}

func (dev *Device) ReadInputs() (dio.Sample, error) {
	if dev.closed {
		return 0, errClosed
	}
	err := check(C.FDwfDigitalIOStatus(dev.h), "read I/O status")
	if err != nil {
		return 0, err
	}
	var v C.uint
	err = check(C.FDwfDigitalIOInputStatus(dev.h, &v), "read inputs")
	if err != nil {
		return 0, err
	}
	return dio.Sample(v), nil
}

func (dev *Device) ConfigureTrigger(trig dio.Trigger) error {
	if dev.closed {
		return errClosed
	}
	if trig.Samples <= 0 || (dev.size > 0 && trig.Samples > dev.size) {
		return fmt.Errorf("dwf: invalid number of samples %d (max=%d)", trig.Samples, dev.size)
	}

	det := detectorOf(trig)
	for _, step := range []struct {
		ok C.int
		op string
	}{
		{C.FDwfDigitalInReset(dev.h), "reset digital input"},
		{C.FDwfDigitalInAcquisitionModeSet(dev.h, acqmodeRecord), "set record mode"},
		{C.FDwfDigitalInDividerSet(dev.h, C.uint(max(trig.Divider, 1))), "set clock divider"},
		{C.FDwfDigitalInSampleFormatSet(dev.h, sampleBits), "set sample format"},
		{C.FDwfDigitalInTriggerPositionSet(dev.h, C.uint(trig.Samples)), "set trigger position"},
		{C.FDwfDigitalInTriggerSourceSet(dev.h, trigsrcDetectorDigitalIn), "set trigger source"},
		{C.FDwfDigitalInTriggerSet(dev.h, C.uint(det.low), C.uint(det.high), C.uint(det.rise), C.uint(det.fall)), "set trigger"},
	} {
		err := check(step.ok, step.op)
		if err != nil {
			return err
		}
	}
	return nil
}

func (dev *Device) Start() error {
	if dev.closed {
		return errClosed
	}
	dev.rec = dio.Record{}
	return check(C.FDwfDigitalInConfigure(dev.h, 0, 1), "start acquisition")
}

func (dev *Device) Stop() error {
	if dev.closed {
		return errClosed
	}
	return check(C.FDwfDigitalInConfigure(dev.h, 0, 0), "stop acquisition")
}

func (dev *Device) Status() (dio.State, error) {
	if dev.closed {
		return 0, errClosed
	}
	var sts C.DwfState
	err := check(C.FDwfDigitalInStatus(dev.h, 1, &sts), "read acquisition status")
	if err != nil {
		return 0, err
	}

	var avail, lost, corrupted C.int
	err = check(C.FDwfDigitalInStatusRecord(dev.h, &avail, &lost, &corrupted), "read acquisition record")
	if err != nil {
		return 0, err
	}
	dev.rec = dio.Record{
		Available: int(avail),
		Lost:      int(lost),
		Corrupted: int(corrupted),
	}

	return stateOf(uint8(sts))
}

func (dev *Device) Record() (dio.Record, error) {
	if dev.closed {
		return dio.Record{}, errClosed
	}
	return dev.rec, nil
}

func (dev *Device) Data(dst []dio.Sample) error {
	if dev.closed {
		return errClosed
	}
	if len(dst) == 0 {
		return nil
	}
	return check(C.FDwfDigitalInStatusData(dev.h, unsafe.Pointer(&dst[0]), C.int(2*len(dst))), "read acquisition data")
}

func (dev *Device) Close() error {
	if dev.closed {
		return errClosed
	}
	dev.closed = true
	return check(C.FDwfDeviceClose(dev.h), "close device")
}

var _ dio.Device = (*Device)(nil)
