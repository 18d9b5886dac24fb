// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import "testing"

func TestRunSearch(t *testing.T) {
	for _, tc := range []struct {
		name   string
		hist   []float64
		thresh float64
		wrap   bool
		start  int
		length int
	}{
		{
			name:   "middle",
			hist:   []float64{12, 12, 0, 0, 0, 12, 12, 12, 12, 12, 12, 12},
			thresh: 5,
			wrap:   true,
			start:  2,
			length: 3,
		},
		{
			name:   "middle-no-wrap",
			hist:   []float64{12, 12, 0, 0, 0, 12, 12, 12, 12, 12, 12, 12},
			thresh: 5,
			wrap:   false,
			start:  2,
			length: 3,
		},
		{
			name:   "wraparound",
			hist:   []float64{0, 0, 12, 12, 12, 12, 12, 12, 12, 12, 0, 0},
			thresh: 5,
			wrap:   true,
			start:  10,
			length: 4,
		},
		{
			name:   "wraparound-disabled",
			hist:   []float64{0, 0, 12, 12, 12, 12, 12, 12, 12, 12, 0, 0},
			thresh: 5,
			wrap:   false,
			start:  0,
			length: 2,
		},
		{
			name:   "all-clean",
			hist:   []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			thresh: 5,
			wrap:   true,
			start:  0,
			length: 12,
		},
		{
			name:   "all-dirty",
			hist:   []float64{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9},
			thresh: 5,
			wrap:   true,
			start:  0,
			length: 0,
		},
		{
			name:   "threshold-is-dirty",
			hist:   []float64{5, 4.9, 4.9, 5, 5, 5, 5, 5, 5, 5, 5, 5},
			thresh: 5,
			wrap:   true,
			start:  1,
			length: 2,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			start, length := runSearch(tc.hist, tc.thresh, tc.wrap)
			if start != tc.start || length != tc.length {
				t.Fatalf("invalid run: got=(%d,%d), want=(%d,%d)",
					start, length, tc.start, tc.length,
				)
			}
		})
	}
}

// runCalibration drives the calibration machine to completion the way
// the acquisition loop does: one tick per event, with the bad-signal
// count observed at the current phase position.
func runCalibration(t *testing.T, dev *Device, sim *SimLink, max int) int {
	t.Helper()
	brd := dev.boards[0]
	ticks := 0
	for brd.calib.active() {
		if ticks >= max {
			t.Fatalf("calibration did not settle after %d events", max)
		}
		bad := 0
		if !sim.phaseClean() {
			bad = 12
		}
		dev.calibTick(brd, bad)
		ticks++
	}
	return ticks
}

func TestCalibration(t *testing.T) {
	sim := NewSimLink()
	dev, err := NewDevice([]Link{sim})
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	brd := dev.boards[0]

	err = dev.startCalibration(brd)
	if err != nil {
		t.Fatalf("could not start calibration: %+v", err)
	}
	if !dev.consumersOff.Load() {
		t.Fatalf("consumers not suspended during calibration")
	}
	if got, want := dev.depth, defaultCalibDepth; got != want {
		t.Fatalf("invalid calibration depth: got=%d, want=%d", got, want)
	}
	if got, want := dev.savedDepth, defaultCaptureDepth; got != want {
		t.Fatalf("invalid saved depth: got=%d, want=%d", got, want)
	}

	ticks := runCalibration(t, dev, sim, 100)

	// 12 forward + 7 overshoot + 12 return + analyze + restore + done.
	if got, want := ticks, 34; got != want {
		t.Fatalf("invalid number of calibration events: got=%d, want=%d", got, want)
	}
	if brd.CalibFailed() {
		t.Fatalf("calibration failed: %+v", brd.Err())
	}
	if !sim.phaseClean() {
		t.Fatalf("sampling phase not in the clean window: pos=%d", sim.phasePos)
	}
	if got, want := sim.phasePos, sim.goodLo+sim.goodLen/2; got != want {
		t.Fatalf("phase not centered: got=%d, want=%d", got, want)
	}
	if got, want := brd.phase[pllOutSampleClk], brd.phase[pllOutLVDS]; got != want {
		t.Fatalf("pll outputs out of step: clk=%d lvds=%d", got, want)
	}
	if dev.calibrating != 0 {
		t.Fatalf("calibrating count not zero: got=%d", dev.calibrating)
	}
	if dev.consumersOff.Load() {
		t.Fatalf("consumers still suspended after calibration")
	}
	if got, want := dev.depth, defaultCaptureDepth; got != want {
		t.Fatalf("capture depth not restored: got=%d, want=%d", got, want)
	}

	// The two sweep passes each visited every bucket once: bucket k was
	// sampled at phase (9+k)%12, clean for positions 3..7.
	for k, v := range brd.calib.hist {
		var want float64
		if pos := (9 + k) % nPhaseSteps; pos < sim.goodLo || pos >= sim.goodLo+sim.goodLen {
			want = 24
		}
		if v != want {
			t.Errorf("bucket %d: got=%v, want=%v", k, v, want)
		}
	}
}

func TestCalibrationFailure(t *testing.T) {
	// A clean window of 2 steps is below the minimum run length: the
	// board must be flagged dead without taking the session down.
	sim := &SimLink{phasePos: 9, goodLo: 3, goodLen: 2, trigIdx: 2}
	dev, err := NewDevice([]Link{sim})
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	brd := dev.boards[0]

	err = dev.startCalibration(brd)
	if err != nil {
		t.Fatalf("could not start calibration: %+v", err)
	}
	ticks := runCalibration(t, dev, sim, 100)

	// 31 sweep events, then the failing analysis.
	if got, want := ticks, 32; got != want {
		t.Fatalf("invalid number of calibration events: got=%d, want=%d", got, want)
	}
	if !brd.CalibFailed() {
		t.Fatalf("calibration did not fail")
	}
	if brd.Err() == nil {
		t.Fatalf("board error not recorded")
	}
	if brd.alive() {
		t.Fatalf("failed board still alive")
	}
	if dev.Err() != nil {
		t.Fatalf("board failure escalated to the session: %+v", dev.Err())
	}
	if dev.calibrating != 0 {
		t.Fatalf("calibrating count not zero: got=%d", dev.calibrating)
	}
	if got, want := dev.depth, defaultCaptureDepth; got != want {
		t.Fatalf("capture depth not restored: got=%d, want=%d", got, want)
	}
	if dev.consumersOff.Load() {
		t.Fatalf("consumers still suspended after failed calibration")
	}
}

func TestCalibrationRestart(t *testing.T) {
	sim := NewSimLink()
	dev, err := NewDevice([]Link{sim})
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	brd := dev.boards[0]

	if err := dev.startCalibration(brd); err != nil {
		t.Fatalf("could not start calibration: %+v", err)
	}
	// A second start while the sweep runs must be a no-op.
	if err := dev.startCalibration(brd); err != nil {
		t.Fatalf("could not re-start calibration: %+v", err)
	}
	if got, want := dev.calibrating, 1; got != want {
		t.Fatalf("calibrating count: got=%d, want=%d", got, want)
	}
	if got, want := dev.savedDepth, defaultCaptureDepth; got != want {
		t.Fatalf("saved depth clobbered: got=%d, want=%d", got, want)
	}
	runCalibration(t, dev, sim, 100)

	// A fresh calibration after completion sweeps again.
	if err := dev.startCalibration(brd); err != nil {
		t.Fatalf("could not recalibrate: %+v", err)
	}
	if got, want := sim.phasePos, 9; got != want {
		t.Fatalf("pll not reset: pos=%d, want=%d", got, want)
	}
	ticks := runCalibration(t, dev, sim, 100)
	if got, want := ticks, 34; got != want {
		t.Fatalf("invalid number of recalibration events: got=%d, want=%d", got, want)
	}
	if !sim.phaseClean() {
		t.Fatalf("sampling phase not in the clean window: pos=%d", sim.phasePos)
	}
}
