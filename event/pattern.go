// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"fmt"
	"math/bits"
)

// PatternMode selects how a payload pattern advances from one word to the
// next.
type PatternMode uint8

const (
	PatternIncrement PatternMode = iota
	PatternDecrement
	PatternShift // rotate left by one bit
	PatternToggle
)

func (m PatternMode) String() string {
	switch m {
	case PatternIncrement:
		return "increment"
	case PatternDecrement:
		return "decrement"
	case PatternShift:
		return "shift"
	case PatternToggle:
		return "toggle"
	default:
		return fmt.Sprintf("PatternMode(%d)", uint8(m))
	}
}

// Pattern generates the deterministic word sequence of a payload.
type Pattern struct {
	mode PatternMode
	v    uint32
}

// NewPattern returns a pattern starting at seed.
func NewPattern(mode PatternMode, seed uint32) *Pattern {
	return &Pattern{mode: mode, v: seed}
}

// Next returns the current word of the sequence and advances the pattern.
func (p *Pattern) Next() uint32 {
	v := p.v
	switch p.mode {
	case PatternIncrement:
		p.v++
	case PatternDecrement:
		p.v--
	case PatternShift:
		p.v = bits.RotateLeft32(p.v, 1)
	case PatternToggle:
		p.v = ^p.v
	}
	return v
}
