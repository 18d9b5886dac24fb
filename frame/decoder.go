// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/go-dso/hydra/internal/lew"
)

// Decoder reads, validates and places sample blocks from an underlying
// data source. Framing deviations (bad clock or strobe taps, non-zero
// control words, wrong markers) are counted, not fatal: the counts feed
// the PLL phase-calibration machinery. Short reads are fatal.
type Decoder struct {
	r io.Reader

	board int // current board index
	buf   []byte
	err   error
}

// NewDecoder creates a decoder that reads block data for the given
// board from r.
func NewDecoder(board int, r io.Reader) *Decoder {
	return &Decoder{
		r:     r,
		board: board,
		buf:   make([]byte, BlockWords*2),
	}
}

// Decode reads pl.Blocks() sample blocks from the underlying source,
// validates their framing and places the payload sub-samples into
// ev.Chans according to pl. Writes whose computed destination falls
// outside the buffers are clipped, never wrapped.
func (dec *Decoder) Decode(ev *Event, pl Placement) (Counts, error) {
	var cnt Counts

	if n := pl.Mode.Chans(); len(ev.Chans) < n {
		return cnt, xerrors.Errorf(
			"frame: board %d event has %d channel buffers (want %d)",
			dec.board, len(ev.Chans), n,
		)
	}

	for blk := 0; blk < pl.Blocks(); blk++ {
		dec.read(dec.buf)
		if dec.err != nil {
			return cnt, xerrors.Errorf(
				"frame: board %d could not read block %d/%d: %w",
				dec.board, blk, pl.Blocks(), dec.err,
			)
		}
		words := lew.U16s(dec.buf)
		dec.check(words, &cnt)
		dec.place(ev, pl, blk, words[headerWords:], &cnt)
	}

	return cnt, dec.err
}

// check validates the 10 header words of one block.
func (dec *Decoder) check(words []uint16, cnt *Counts) {
	for _, w := range words[:nClockTaps] {
		switch w {
		case clkPatternA, clkPatternB:
			// ok.
		default:
			cnt.BadClock++
		}
	}
	for _, w := range words[nClockTaps : nClockTaps+nStrobeTaps] {
		if !oneHot(w & strobeMask) || w&^strobeMask != 0 {
			cnt.BadStrobe++
		}
	}
	if words[8] != 0 {
		cnt.BadControl++
	}
	if words[9] != Marker {
		cnt.BadMarker++
	}
}

// place writes one block's payload words into the destination channel
// buffers, clipping out-of-range indices.
func (dec *Decoder) place(ev *Event, pl Placement, blk int, payload []uint16, cnt *Counts) {
	var (
		sub  = pl.Mode.SubPerBlock()
		base = blk*sub - pl.Offset - pl.PhaseAdj
		n    = pl.Samples()
	)
	switch pl.Mode {
	case DualChannel:
		for i, w := range payload {
			idx := base + i/2
			if idx < 0 || idx >= n {
				cnt.Clipped++
				continue
			}
			ev.Chans[i&1][idx] = volt(w)
		}
	default:
		for i, w := range payload {
			idx := base + i
			if idx < 0 || idx >= n {
				cnt.Clipped++
				continue
			}
			ev.Chans[0][idx] = volt(w)
		}
	}
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

func oneHot(w uint16) bool {
	return w != 0 && w&(w-1) == 0
}
