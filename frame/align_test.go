// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frame

import (
	"bytes"
	"testing"
)

// Whatever the downsample offset and trigger-phase adjustment, decoded
// writes must land inside the destination buffers or be clipped.
func TestPlacementClipping(t *testing.T) {
	const depth = 4
	for _, mode := range []Mode{SingleChannel, DualChannel} {
		var raw []byte
		for blk := 0; blk < depth; blk++ {
			raw = append(raw, cleanBlock(flatPayload(midScale+1))...)
		}

		for off := -3 * dataWords; off <= 3*dataWords; off += 7 {
			for adj := -dataWords; adj <= dataWords; adj += 5 {
				pl := Placement{
					Depth:    depth,
					Mode:     mode,
					Offset:   off,
					PhaseAdj: adj,
				}
				ev := NewEvent(0, pl.Depth, pl.Mode)
				cnt, err := NewDecoder(0, bytes.NewReader(raw)).Decode(ev, pl)
				if err != nil {
					t.Fatalf("mode=%d off=%d adj=%d: could not decode: %+v",
						mode, off, adj, err,
					)
				}

				placed := 0
				for _, ch := range ev.Chans {
					for _, v := range ch {
						if v != 0 {
							placed++
						}
					}
				}
				if got, want := placed+cnt.Clipped, depth*dataWords; got != want {
					t.Fatalf("mode=%d off=%d adj=%d: placed=%d clipped=%d (want total %d)",
						mode, off, adj, placed, cnt.Clipped, want,
					)
				}
			}
		}
	}
}

func TestPlacementGuardBlocksClipped(t *testing.T) {
	pl := Placement{Depth: 2, Guard: 2, Mode: SingleChannel}
	ev := NewEvent(0, pl.Depth, pl.Mode)

	var raw []byte
	for blk := 0; blk < pl.Blocks(); blk++ {
		raw = append(raw, cleanBlock(flatPayload(midScale+1))...)
	}
	cnt, err := NewDecoder(0, bytes.NewReader(raw)).Decode(ev, pl)
	if err != nil {
		t.Fatalf("could not decode: %+v", err)
	}
	// guard blocks fall past the destination range.
	if got, want := cnt.Clipped, pl.Guard*dataWords; got != want {
		t.Fatalf("invalid clipped count: got=%d, want=%d", got, want)
	}
}

func TestOffset(t *testing.T) {
	for _, tc := range []struct {
		name        string
		trig        int
		merge       int
		factor      int
		mode        Mode
		slave       bool
		propagation int
		want        int
	}{
		{
			name:   "master-origin",
			factor: 1,
			mode:   SingleChannel,
			want:   -PreRoll,
		},
		{
			name:   "master-trig-block",
			trig:   3,
			factor: 1,
			mode:   SingleChannel,
			want:   3*dataWords - PreRoll,
		},
		{
			name:   "merge-counter",
			trig:   1,
			merge:  5,
			factor: 8,
			mode:   SingleChannel,
			want:   dataWords + 5 - PreRoll,
		},
		{
			name:   "merge-counter-wraps",
			merge:  9,
			factor: 8,
			mode:   SingleChannel,
			want:   1 - PreRoll,
		},
		{
			name:        "slave-adds-propagation-and-tof",
			trig:        2,
			factor:      1,
			mode:        DualChannel,
			slave:       true,
			propagation: 11,
			want:        2*dataWords/2 + 11 + TimeOfFlight - PreRoll,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := Offset(tc.trig, tc.merge, tc.factor, tc.mode, tc.slave, tc.propagation)
			if got != tc.want {
				t.Fatalf("invalid offset: got=%d, want=%d", got, tc.want)
			}
		})
	}
}
