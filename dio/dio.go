// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dio describes the digital lines of a logic-analyzer instrument
// and the interface a driver for such an instrument must provide.
package dio // import "github.com/go-lpc/wsnlat/dio"

import (
	"fmt"
	"math/bits"
	"strings"
)

// NumChannels is the number of digital lines of an instrument.
const NumChannels = 16

// Mask is a set of digital lines.
type Mask uint16

// Bit returns the mask holding only the digital line ch.
// Bit panics if ch is not a valid line number.
func Bit(ch int) Mask {
	if ch < 0 || ch >= NumChannels {
		panic(fmt.Errorf("dio: invalid channel %d", ch))
	}
	return Mask(1) << uint(ch)
}

// MaskOf returns the mask holding all the provided lines.
func MaskOf(chs ...int) Mask {
	var m Mask
	for _, ch := range chs {
		m |= Bit(ch)
	}
	return m
}

// Has returns whether line ch is part of the mask.
func (m Mask) Has(ch int) bool {
	if ch < 0 || ch >= NumChannels {
		return false
	}
	return m&(Mask(1)<<uint(ch)) != 0
}

// Len returns the number of lines in the mask.
func (m Mask) Len() int { return bits.OnesCount16(uint16(m)) }

// Channels returns the lines of the mask, in increasing order.
func (m Mask) Channels() []int {
	chs := make([]int, 0, m.Len())
	for ch := 0; ch < NumChannels; ch++ {
		if m.Has(ch) {
			chs = append(chs, ch)
		}
	}
	return chs
}

func (m Mask) String() string { return Sample(m).String() }

// Sample is the state of all digital lines at one sampling instant.
type Sample uint16

// Bit returns the level of line ch.
func (s Sample) Bit(ch int) uint8 {
	if Mask(s).Has(ch) {
		return 1
	}
	return 0
}

// String renders the sample as 4 groups of 4 bits, most significant first.
func (s Sample) String() string {
	var o strings.Builder
	o.Grow(NumChannels + 3)
	for i := NumChannels - 1; i >= 0; i-- {
		o.WriteByte('0' + s.Bit(i))
		if i%4 == 0 && i != 0 {
			o.WriteByte(' ')
		}
	}
	return o.String()
}
