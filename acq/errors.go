// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package acq

import (
	"errors"
	"fmt"
)

var (
	// ErrTriggerTimeout is reported when no packet was received before
	// the per-trial wall-clock bound elapsed.
	ErrTriggerTimeout = errors.New("acq: trigger timeout")

	errNoReceiver = errors.New("acq: no receiver line registered")
)

// DeviceError reports a failure to communicate with the instrument.
// A DeviceError aborts the experiment.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("acq: could not %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func devErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Op: op, Err: err}
}
