// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import "testing"

func TestCommandPacking(t *testing.T) {
	cmd := command(opTrigInfo, 1, 2, 3)
	if got, want := cmd, [8]byte{opTrigInfo, 1, 2, 3, 0, 0, 0, 0}; got != want {
		t.Fatalf("invalid command: got=%v, want=%v", got, want)
	}
}

func TestBulkCommand(t *testing.T) {
	for _, tc := range []struct {
		n    uint32
		want [8]byte
	}{
		{n: 0, want: [8]byte{opBulkRead, 0, 0, 0, 0, 0, 0, 0}},
		{n: 1, want: [8]byte{opBulkRead, 0, 0, 0, 1, 0, 0, 0}},
		{n: 0x12345678, want: [8]byte{opBulkRead, 0, 0, 0, 0x78, 0x56, 0x34, 0x12}},
		{n: 0xffffffff, want: [8]byte{opBulkRead, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}},
	} {
		if got := bulkCommand(tc.n); got != tc.want {
			t.Fatalf("n=%d: invalid command: got=%v, want=%v", tc.n, got, tc.want)
		}
	}
}

func TestTrigIndexFrom(t *testing.T) {
	for _, tc := range []struct {
		bits uint32
		want int
	}{
		{bits: 0, want: 0},
		{bits: 1 << 1, want: 1},
		{bits: 1 << 2, want: 2},
		{bits: 1 << 23, want: 23},
		// everything above the transition stays high
		{bits: 0xffffff &^ 0x7f, want: 7},
		// bit 0 high, drop, then rise again at bit 5
		{bits: 1 | 1<<5, want: 5},
		// all high: no zero-to-one transition
		{bits: 0xffffff, want: 0},
	} {
		if got := trigIndexFrom(tc.bits); got != tc.want {
			t.Fatalf("bits=0x%06x: got=%d, want=%d", tc.bits, got, tc.want)
		}
	}
}
