// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build dwf

package instrument

import (
	"log"

	"github.com/go-lpc/wsnlat/config"
	"github.com/go-lpc/wsnlat/dio"
	"github.com/go-lpc/wsnlat/driver/dwf"
)

func init() {
	drivers["dwf"] = func(opts Options, cfg *config.Experiment) (dio.Device, error) {
		dev, err := dwf.Open(-1)
		if err != nil {
			return nil, err
		}
		if clk := dev.Clock(); clk != cfg.Clock {
			log.Printf("instrument: using %g Hz clock (configured: %g Hz)", clk, cfg.Clock)
			cfg.Clock = clk
		}
		return dev, nil
	}
}
