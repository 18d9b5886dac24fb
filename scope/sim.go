// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"math"

	"github.com/go-dso/hydra/frame"
	"github.com/go-dso/hydra/internal/lew"
)

// SimLink is an offline board backend. It answers the full command set
// with synthetic responses and generates sample frames carrying a sine
// wave, so the acquisition, calibration and stabilization paths can run
// without hardware.
//
// The simulated sampling phase starts off the clean window, which
// forces the initial calibration sweep to do real work.
type SimLink struct {
	queue []byte

	phasePos int // simulated sampling-clock phase, mod nPhaseSteps
	goodLo   int // first clean phase step
	goodLen  int // clean window length

	merge   int
	evtCnt  uint32
	trigIdx int

	flash map[int]*[FlashPageSize]byte
}

var _ Link = (*SimLink)(nil)

// NewSimLink returns a simulated board with a clean phase window of
// length 5 starting at step 3.
func NewSimLink() *SimLink {
	return &SimLink{
		phasePos: 9,
		goodLo:   3,
		goodLen:  5,
		trigIdx:  2,
	}
}

func (lnk *SimLink) phaseClean() bool {
	d := (lnk.phasePos - lnk.goodLo + 4*nPhaseSteps) % nPhaseSteps
	return d < lnk.goodLen
}

func (lnk *SimLink) Send(cmd [8]byte) error {
	switch cmd[0] {
	case opBulkRead:
		n := int(lew.U32(cmd[4:8]))
		lnk.queue = append(lnk.queue, lnk.bulk(n)...)

	case opTrigReady:
		bits := uint32(1) << lnk.trigIdx
		lnk.queue = append(lnk.queue,
			statTrigReady, byte(bits), byte(bits>>8), byte(bits>>16),
		)

	case opMisc:
		lnk.queue = append(lnk.queue, lnk.misc(cmd[1])...)

	case opPLLReset:
		lnk.phasePos = 9
		lnk.queue = append(lnk.queue, cmd[0], 0, 0, 0)

	case opFlashReadPage:
		page := int(cmd[1]) | int(cmd[2])<<8
		p := lnk.flashPage(page)
		lnk.queue = append(lnk.queue, p[:]...)

	case opFlashWritePage:
		page := int(cmd[1]) | int(cmd[2])<<8
		off := int(cmd[3]) * 4
		p := lnk.flashPage(page)
		copy(p[off:off+4], cmd[4:8])
		lnk.queue = append(lnk.queue, cmd[0], 0, 0, 0)

	case opFlashEraseChip:
		lnk.flash = nil
		lnk.queue = append(lnk.queue, cmd[0], 0, 0, 0)

	case opPLLStep:
		if cmd[1] == pllOutSampleClk {
			if cmd[2] != 0 {
				lnk.phasePos = (lnk.phasePos + 1) % nPhaseSteps
			} else {
				lnk.phasePos = (lnk.phasePos + nPhaseSteps - 1) % nPhaseSteps
			}
		}
		lnk.queue = append(lnk.queue, cmd[0], 0, 0, 0)

	default:
		// echo
		lnk.queue = append(lnk.queue, cmd[0], 0, 0, 0)
	}
	return nil
}

func (lnk *SimLink) flashPage(page int) *[FlashPageSize]byte {
	if lnk.flash == nil {
		lnk.flash = make(map[int]*[FlashPageSize]byte)
	}
	p, ok := lnk.flash[page]
	if !ok {
		p = new([FlashPageSize]byte)
		for i := range p {
			p[i] = 0xff // erased
		}
		lnk.flash[page] = p
	}
	return p
}

func (lnk *SimLink) misc(sub uint8) []byte {
	switch sub {
	case subDigitalStatus:
		return []byte{0, pllLockBit, 0, 0}
	case subPredata:
		lnk.merge = (lnk.merge + 1) % 8
		return []byte{0, byte(lnk.merge), 0, 0}
	case subEventInfo:
		lnk.evtCnt++
		return []byte{0, byte(lnk.evtCnt), byte(lnk.evtCnt >> 8), byte(lnk.evtCnt >> 16)}
	case subVersion:
		return []byte{0, 0x01, 0x04, 0x00} // v4.1
	default:
		return []byte{opMisc, sub, 0, 0}
	}
}

func (lnk *SimLink) Recv(n int) ([]byte, error) {
	if len(lnk.queue) < n {
		return nil, fmt.Errorf("scope: sim: short response (got=%d, want=%d)", len(lnk.queue), n)
	}
	p := lnk.queue[:n:n]
	lnk.queue = lnk.queue[n:]
	return p, nil
}

func (lnk *SimLink) Close() error { return nil }

// bulk synthesizes n bytes of block data: valid framing when the
// simulated phase sits in the clean window, corrupted clock taps
// otherwise, and a sine payload.
func (lnk *SimLink) bulk(n int) []byte {
	var (
		blocks = n / (frame.BlockWords * 2)
		buf    = make([]byte, 0, n)
		clean  = lnk.phaseClean()
	)
	for blk := 0; blk < blocks; blk++ {
		clk := [4]uint16{0x155, 0x2aa, 0x155, 0x2aa}
		if !clean {
			clk[blk%4] = 0x3b7 // out-of-phase sampling garbles the taps
		}
		for _, w := range clk {
			buf = lew.AppendU16(buf, w)
		}
		for _, w := range [4]uint16{1 << 1, 1 << 4, 1 << 7, 1 << 9} {
			buf = lew.AppendU16(buf, w)
		}
		buf = lew.AppendU16(buf, 0)
		buf = lew.AppendU16(buf, frame.Marker)

		for i := 0; i < frame.BlockWords-10; i++ {
			t := float64(blk*(frame.BlockWords-10) + i)
			v := 2048 + 800*math.Sin(2*math.Pi*t/37)
			buf = lew.AppendU16(buf, uint16(v))
		}
	}
	// pad odd tails, if any
	for len(buf) < n {
		buf = append(buf, 0)
	}
	return buf[:n]
}
