// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/go-dso/hydra/frame"
)

// Trigger stabilization removes sub-sample trigger jitter and
// cross-board latency skew so that downstream consumers (averaging,
// persistence, math channels) operate on aligned waveforms.

// stabState is the per-board stabilization record.
type stabState struct {
	acc  float64 // running accumulated correction, sub-samples
	base float64 // absolute offset, re-baked from acc
}

// crossingOffset locates the trigger-level crossing nearest pos by
// linear interpolation between the two samples bracketing level, and
// returns its signed distance from pos.
func crossingOffset(samples []float64, level float64, pos int) (float64, bool) {
	var (
		best  float64
		found bool
	)
	for i := 0; i+1 < len(samples); i++ {
		lo, hi := samples[i], samples[i+1]
		if lo == hi {
			continue
		}
		if (lo <= level && level < hi) || (hi <= level && level < lo) {
			x := float64(i) + (level-lo)/(hi-lo)
			d := x - float64(pos)
			if !found || math.Abs(d) < math.Abs(best) {
				best = d
				found = true
			}
		}
	}
	return best, found
}

// stabilize corrects the per-event trigger-edge position of every
// acquired board. Master boards use the crossing measured on their own
// trigger-source channel; slave boards reuse the distance measured on
// the reference master.
func (dev *Device) stabilize(ref *Board, evs map[int]*frame.Event) {
	var (
		refDist float64
		refOK   bool
	)
	if ref != nil {
		if ev := evs[ref.id]; ev != nil {
			refDist, refOK = dev.boardDist(ref, ev)
		}
	}

	for _, brd := range dev.boards {
		ev := evs[brd.id]
		if ev == nil {
			continue
		}

		var (
			dist float64
			ok   bool
		)
		switch {
		case brd.role == Slave:
			dist, ok = refDist, refOK
		case brd == ref:
			dist, ok = refDist, refOK
		default:
			dist, ok = dev.boardDist(brd, ev)
		}
		if !ok {
			continue
		}

		dev.jitter.Fill(dist, 1)

		tol := dev.cfg.stabTol * float64(brd.downsample)
		if math.Abs(dist) > tol {
			// The crossing moved too far to be jitter: leave the
			// event uncorrected for this cycle.
			continue
		}

		// Shift the time axis, not the sample values.
		brd.stab.acc += -dist
		if math.Abs(brd.stab.acc) > tol {
			// Re-bake into the absolute offset so the running
			// correction never grows unbounded.
			brd.stab.base += brd.stab.acc
			brd.stab.acc = 0
		}
		ev.XOff = brd.stab.base + brd.stab.acc
	}
}

// boardDist measures the trigger-crossing distance on the board's
// trigger-source channel.
func (dev *Device) boardDist(brd *Board, ev *frame.Event) (float64, bool) {
	ch := brd.trig.Chan
	if ch < 0 || ch >= len(ev.Chans) {
		return 0, false
	}
	return crossingOffset(ev.Chans[ch], brd.trig.Level, brd.trig.Pos)
}

// pairMatcher slowly matches the additive mean and multiplicative RMS
// difference between the two boards of an oversampling pair, so the
// secondary board's samples can be interleaved with the primary's.
type pairMatcher struct {
	primary   int
	secondary int
	need      int // events averaged per correction update

	n                      int
	mean1, mean2, sd1, sd2 float64

	add float64
	mul float64
}

func newPairMatcher(primary, secondary, events int) *pairMatcher {
	return &pairMatcher{
		primary:   primary,
		secondary: secondary,
		need:      events,
		mul:       1,
	}
}

// observe accumulates one event's statistics for both boards and,
// every need events, refreshes the corrections.
func (pm *pairMatcher) observe(p, s []float64) {
	pm.mean1 += stat.Mean(p, nil)
	pm.mean2 += stat.Mean(s, nil)
	pm.sd1 += stat.StdDev(p, nil)
	pm.sd2 += stat.StdDev(s, nil)
	pm.n++
	if pm.n < pm.need {
		return
	}

	pm.add = (pm.mean1 - pm.mean2) / float64(pm.n)
	if pm.sd2 > 0 {
		pm.mul = pm.sd1 / pm.sd2
	}
	pm.n = 0
	pm.mean1, pm.mean2, pm.sd1, pm.sd2 = 0, 0, 0, 0
}

// apply corrects the secondary board's samples in place.
func (pm *pairMatcher) apply(s []float64) {
	for i := range s {
		s[i] = s[i]*pm.mul + pm.add
	}
}

// matchPair feeds the oversampling-pair matcher and corrects the
// secondary board's event before it is mirrored out.
func (dev *Device) matchPair(evs map[int]*frame.Event) {
	if dev.pair == nil {
		return
	}
	p, s := evs[dev.pair.primary], evs[dev.pair.secondary]
	if p == nil || s == nil {
		return
	}
	dev.pair.observe(p.Chans[0], s.Chans[0])
	for _, ch := range s.Chans {
		dev.pair.apply(ch)
	}
}
