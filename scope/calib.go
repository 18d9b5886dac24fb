// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import "fmt"

// PLL phase calibration.
//
// After every PLL reset the sampling-clock phase is unknown: the board
// sweeps its PLL outputs across all discrete phase steps while the
// decoder counts bad clock and strobe taps per step, then centers the
// phase on the widest clean window. The machine advances exactly once
// per acquired event per board, driven from the data-ingestion path;
// it is never driven from a timer.

const (
	nPhaseSteps  = 12 // histogram buckets, one per phase step
	overshootEnd = 15 // last step of the forward overshoot
)

type calibPhase uint8

const (
	calibIdle calibPhase = iota
	calibSweepForward
	calibSweepOvershoot
	calibAnalyze
	calibRestoreDepth
	calibDone
)

func (p calibPhase) String() string {
	switch p {
	case calibIdle:
		return "idle"
	case calibSweepForward:
		return "sweep-forward"
	case calibSweepOvershoot:
		return "sweep-overshoot"
	case calibAnalyze:
		return "analyze"
	case calibRestoreDepth:
		return "restore-depth"
	case calibDone:
		return "done"
	}
	return "invalid"
}

// calibState is the per-board phase-calibration record. It is reset on
// every PLL reset and mutated exactly once per acquired event while a
// calibration is active.
type calibState struct {
	phase calibPhase
	step  int
	dir   int

	hist   [nPhaseSteps]float64 // accumulated bad-signal counts per phase step
	failed bool
}

func (cs *calibState) active() bool { return cs.phase != calibIdle }

func (cs *calibState) reset() {
	*cs = calibState{
		phase: calibSweepForward,
		dir:   +1,
	}
}

// startCalibration resets the board PLL and arms the phase sweep. The
// capture depth is forced down so the sweep runs fast, and the
// rendering-side consumers are suspended until every calibrating board
// is idle again.
func (dev *Device) startCalibration(brd *Board) error {
	if brd.calib.active() {
		return nil
	}
	dev.msg.Printf("board %d: starting PLL phase calibration", brd.id)

	if dev.calibrating == 0 {
		dev.savedDepth = dev.depth
		dev.depth = dev.cfg.calibDepth
		dev.consumersOff.Store(true)
	}
	dev.calibrating++

	brd.calib.reset()
	return brd.pllReset()
}

// calibTick performs the single calibration transition for one
// acquired event, once the event's bad-clock+bad-strobe count is known.
func (dev *Device) calibTick(brd *Board, bad int) {
	cs := &brd.calib
	switch cs.phase {
	case calibSweepForward:
		cs.hist[cs.step] += float64(bad)
		_ = brd.phaseStep(cs.dir)
		cs.step += cs.dir
		switch {
		case cs.step < 0:
			cs.phase = calibAnalyze
		case cs.step >= nPhaseSteps:
			cs.phase = calibSweepOvershoot
		}

	case calibSweepOvershoot:
		// Move fully past the end of the good window, then come back.
		if cs.step == overshootEnd && cs.dir > 0 {
			cs.dir = -1
		}
		_ = brd.phaseStep(cs.dir)
		cs.step += cs.dir
		if cs.step < nPhaseSteps {
			cs.phase = calibSweepForward
		}

	case calibAnalyze:
		start, length := runSearch(cs.hist[:], dev.cfg.noiseThreshold, true)
		if length < dev.cfg.minGoodRun {
			// Fatal for this board only: it stops acquiring, the
			// other boards are unaffected.
			cs.failed = true
			cs.phase = calibIdle
			if dev.calibrating == 1 {
				dev.depth = dev.savedDepth
			}
			dev.endCalibration()
			brd.err = errCalibFailed(brd.id, length, dev.cfg.minGoodRun)
			dev.msg.Printf("%+v", brd.err)
			return
		}
		// Center on the good window. The extra step corrects for the
		// sweep's one-step head start.
		n := start + length/2 + 1
		dev.msg.Printf("board %d: clean phase window start=%d len=%d, centering with %d steps",
			brd.id, start, length, n,
		)
		for i := 0; i < n; i++ {
			_ = brd.phaseStep(+1)
		}
		cs.step--
		cs.phase = calibRestoreDepth

	case calibRestoreDepth:
		if dev.calibrating == 1 {
			dev.depth = dev.savedDepth
		}
		cs.step--
		cs.phase = calibDone

	case calibDone:
		dev.msg.Printf("board %d: PLL phase calibration done (phase counters: clk=%d lvds=%d)",
			brd.id, brd.phase[pllOutSampleClk], brd.phase[pllOutLVDS],
		)
		cs.phase = calibIdle
		cs.step = 0
		dev.endCalibration()
	}
}

// endCalibration retires one calibrating board and resumes the
// rendering-side consumers once all boards are idle.
func (dev *Device) endCalibration() {
	dev.calibrating--
	if dev.calibrating == 0 {
		dev.consumersOff.Store(false)
	}
}

func errCalibFailed(id, got, want int) error {
	return fmt.Errorf(
		"scope: board %d phase calibration failed: clean run too short (got=%d, want>=%d)",
		id, got, want,
	)
}

// runSearch returns the start index and length of the longest
// contiguous run of buckets strictly below thresh. With wrap enabled
// the run may straddle the end of the histogram; the returned length
// never exceeds len(hist).
func runSearch(hist []float64, thresh float64, wrap bool) (start, length int) {
	var (
		n     = len(hist)
		limit = n
		cur   int
		curAt int
	)
	if wrap {
		limit = 2 * n
	}
	for i := 0; i < limit; i++ {
		if hist[i%n] >= thresh {
			cur = 0
			continue
		}
		if cur == 0 {
			curAt = i
		}
		cur++
		if cur > n {
			cur = n
		}
		if cur > length {
			length = cur
			start = curAt % n
		}
	}
	return start, length
}
