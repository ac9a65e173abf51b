// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event validates and synthesizes the events transferred by the
// DMA channels of a RORC device.
//
// Events start with a Common Data Header (CDH):
//
//	word 0: start-of-event marker, 0xffffffff
//	word 1: [11:0] event id (low bits), [31:24] header version
//	word 2: [23:0] event id (high bits)
//	word 3: [1:0] payload pattern mode
//	word 4: payload pattern seed
//	word 5: reserved
//	word 6-7: fixed markers
//	word 8-9: extension (version 3 headers only)
//
// The header is followed by the payload, and the event buffer holds the
// end-of-event word, carrying the event size, right after the payload.
package event // import "github.com/go-lpc/rorc/event"

import "github.com/go-lpc/rorc/dma"

const (
	StartOfEvent = 0xffffffff

	MarkerA = 0xaaaa5555
	MarkerB = 0x5555aaaa

	HeaderVersion  = 2 // version of the headers written by the Generator
	HeaderWords    = 8
	HeaderWordsV3  = 10
	shiftVersion   = 24
	maskIDLow      = 0xfff
	maskIDHigh     = 0xffffff
	maskPatternMod = 0x3
)

// Header is the decoded CDH of an event.
type Header struct {
	SOE     uint32
	Version uint8
	ID      uint32 // event id, modulo 2^32
	Mode    PatternMode
	Seed    uint32
}

// Words returns the number of header words.
func (hdr Header) Words() int {
	if hdr.Version == 3 {
		return HeaderWordsV3
	}
	return HeaderWords
}

// DecodeHeader decodes the CDH of evt.
// It returns false if the event is too short to hold a header.
func DecodeHeader(evt dma.Event) (Header, bool) {
	if evt.Words() < HeaderWords {
		return Header{}, false
	}
	w1 := evt.Word(1)
	hdr := Header{
		SOE:     evt.Word(0),
		Version: uint8(w1 >> shiftVersion),
		ID:      evt.ID(),
		Mode:    PatternMode(evt.Word(3) & maskPatternMod),
		Seed:    evt.Word(4),
	}
	if evt.Words() < hdr.Words() {
		return hdr, false
	}
	return hdr, true
}

// putHeader writes the header of the event id into p.
func putHeader(p []uint32, id uint64) {
	p[0] = StartOfEvent
	p[1] = uint32(id)&maskIDLow | HeaderVersion<<shiftVersion
	p[2] = uint32(id>>12) & maskIDHigh
	p[3] = 0
	p[4] = 0
	p[5] = 0
	p[6] = MarkerA
	p[7] = MarkerB
}
