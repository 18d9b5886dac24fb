// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frame decodes, validates and time-aligns raw sample streams
// acquired from hydra oscilloscope boards.
package frame // import "github.com/go-dso/hydra/frame"

// Each logical sample occupies a fixed block of 50 sixteen-bit words:
// four clock taps, four strobe taps, one control word, one end-of-block
// marker, then 40 payload words.
const (
	BlockWords  = 50 // 16-bit words per logical sample block
	headerWords = 10
	dataWords   = BlockWords - headerWords

	nClockTaps  = 4
	nStrobeTaps = 4

	clkPatternA uint16 = 0x155 // 0101010101
	clkPatternB uint16 = 0x2aa // 1010101010

	strobeMask uint16 = 0x3ff // strobes are one-hot within 10 bits

	// Marker is the fixed end-of-block word used as a framing sanity check.
	Marker uint16 = 0x3ff

	sampleMask = 0x0fff
	midScale   = 2048
)

// VoltsPerCount converts a raw ADC count (offset binary, 12 bits) to volts.
const VoltsPerCount = 2.5 / 4096

// PreRoll is the fixed number of sub-samples acquired ahead of the
// trigger position by the hardware. Empirically chosen; see Offset.
const PreRoll = 8

// TimeOfFlight compensates the LVDS trigger-echo propagation on
// externally triggered boards, in sub-samples. Empirically chosen.
const TimeOfFlight = 3

// Mode selects how block payload words map onto channel buffers.
type Mode uint8

const (
	// SingleChannel places all 40 payload words into one channel.
	SingleChannel Mode = iota + 1
	// DualChannel interleaves alternating payload words into two
	// channels, 20 sub-samples each.
	DualChannel
)

// SubPerBlock returns the number of sub-samples one block contributes
// to each active channel.
func (m Mode) SubPerBlock() int {
	switch m {
	case DualChannel:
		return dataWords / 2
	default:
		return dataWords
	}
}

// Chans returns the number of active channels for the mode.
func (m Mode) Chans() int {
	if m == DualChannel {
		return 2
	}
	return 1
}

// Counts tallies per-event framing deviations. BadClock and BadStrobe
// feed the PLL phase-calibration histogram.
type Counts struct {
	BadClock   int
	BadStrobe  int
	BadControl int
	BadMarker  int
	Clipped    int
}

// BadSignal returns the combined bad-clock and bad-strobe count used to
// drive PLL recalibration.
func (c Counts) BadSignal() int { return c.BadClock + c.BadStrobe }

// Event holds one acquired event for one board: the hardware-reported
// trigger context and the decoded, time-aligned channel buffers.
type Event struct {
	Board     int
	TrigBlock int // trigger block index reported in the predata
	TrigPhase int // trigger phase reported in the predata
	Merge     int // hardware merge counter, in [0, mergeFactor)

	XOff float64 // time-axis shift applied by trigger stabilization

	Chans [][]float64
}

// NewEvent returns an event with channel buffers sized for depth blocks
// in the given mode.
func NewEvent(board, depth int, mode Mode) *Event {
	ev := &Event{Board: board}
	n := depth * mode.SubPerBlock()
	ev.Chans = make([][]float64, mode.Chans())
	for i := range ev.Chans {
		ev.Chans[i] = make([]float64, n)
	}
	return ev
}

// Placement describes where decoded sub-samples land on the time axis.
type Placement struct {
	Depth    int  // capture depth, in blocks
	Guard    int  // trailing guard blocks appended by the hardware
	Mode     Mode
	Offset   int // combined downsample offset, in sub-samples
	PhaseAdj int // trigger-phase adjustment, in sub-samples
}

// Blocks returns the number of blocks present in a raw bulk buffer.
func (pl Placement) Blocks() int { return pl.Depth + pl.Guard }

// Samples returns the per-channel destination buffer length.
func (pl Placement) Samples() int { return pl.Depth * pl.Mode.SubPerBlock() }

// Bytes returns the expected raw bulk buffer length.
func (pl Placement) Bytes() int { return pl.Blocks() * BlockWords * 2 }

// Offset combines the hardware-reported trigger block position, the
// merge counter modulo the merge factor and the fixed pre-roll into the
// downsample offset used to place decoded sub-samples. Externally
// triggered boards add the measured cross-board propagation delay and
// the fixed time-of-flight compensation.
func Offset(trigBlock, merge, mergeFactor int, mode Mode, slave bool, propagation int) int {
	off := trigBlock*mode.SubPerBlock() + merge%mergeFactor - PreRoll
	if slave {
		off += propagation + TimeOfFlight
	}
	return off
}

func volt(w uint16) float64 {
	return float64(int(w&sampleMask)-midScale) * VoltsPerCount
}
