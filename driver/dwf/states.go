// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwf drives a Digilent WaveForms instrument (Analog Discovery)
// through the libdwf SDK.
//
// The instrument binding needs cgo and the WaveForms SDK, and is only
// built with the dwf build tag.
package dwf // import "github.com/go-lpc/wsnlat/driver/dwf"

import (
	"fmt"

	"github.com/go-lpc/wsnlat/dio"
)

// instrument states, as reported by FDwfDigitalInStatus.
const (
	stsReady     = 0
	stsArmed     = 1
	stsDone      = 2
	stsTriggered = 3
	stsConfig    = 4
	stsPrefill   = 5
	stsWait      = 7
)

const (
	acqmodeRecord            = 3
	trigsrcDetectorDigitalIn = 3
	sampleBits               = 16
)

func stateOf(sts uint8) (dio.State, error) {
	switch sts {
	case stsReady, stsConfig:
		return dio.StateReady, nil
	case stsArmed, stsPrefill, stsWait:
		return dio.StateArmed, nil
	case stsTriggered:
		return dio.StateRunning, nil
	case stsDone:
		return dio.StateDone, nil
	}
	return 0, fmt.Errorf("dwf: unknown instrument state %d", sts)
}

// detector holds the digital trigger detector settings.
type detector struct {
	low, high, rise, fall uint32
}

func detectorOf(trig dio.Trigger) detector {
	var det detector
	if trig.Edge&dio.EdgeRise != 0 {
		det.rise = uint32(trig.Source)
	}
	if trig.Edge&dio.EdgeFall != 0 {
		det.fall = uint32(trig.Source)
	}
	return det
}
