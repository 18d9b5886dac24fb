// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"bytes"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/go-dso/hydra/frame"
)

type traceEntry struct {
	board int
	op    byte
}

// traceLink records the command stream of one board.
type traceLink struct {
	*SimLink
	id    int
	trace *[]traceEntry
}

func (lnk *traceLink) Send(cmd [8]byte) error {
	*lnk.trace = append(*lnk.trace, traceEntry{lnk.id, cmd[0]})
	return lnk.SimLink.Send(cmd)
}

func TestCycleSlavePolledFirst(t *testing.T) {
	var trace []traceEntry
	links := []Link{
		&traceLink{SimLink: NewSimLink(), id: 0, trace: &trace},
		&traceLink{SimLink: NewSimLink(), id: 1, trace: &trace},
	}
	dev, err := NewDevice(links)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)
	dev.boards[1].SetRole(Slave)

	err = dev.cycle()
	if err != nil {
		t.Fatalf("cycle failed: %+v", err)
	}

	var polls []int
	for _, e := range trace {
		if e.op == opTrigReady {
			polls = append(polls, e.board)
		}
	}
	if len(polls) != 2 {
		t.Fatalf("invalid trigger polls: got=%v", polls)
	}
	if polls[0] != 1 || polls[1] != 0 {
		t.Fatalf("slave not polled before master: got=%v", polls)
	}
}

func TestAcquisitionWithCalibration(t *testing.T) {
	sim := NewSimLink()
	dev, err := NewDevice([]Link{sim}, WithCaptureDepth(20))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)
	brd := dev.boards[0]

	err = dev.Initialize()
	if err != nil {
		t.Fatalf("could not initialize: %+v", err)
	}
	if !brd.calib.active() {
		t.Fatalf("initial calibration not armed")
	}
	if got, want := brd.version, uint32(0x000401); got != want {
		t.Fatalf("invalid firmware version: got=0x%06x, want=0x%06x", got, want)
	}

	ticks := 0
	for dev.calibrating > 0 {
		if ticks > 200 {
			t.Fatalf("calibration did not settle after %d cycles", ticks)
		}
		if err := dev.cycle(); err != nil {
			t.Fatalf("cycle %d failed: %+v", ticks, err)
		}
		ticks++
	}
	if brd.CalibFailed() {
		t.Fatalf("calibration failed: %+v", brd.Err())
	}
	if !sim.phaseClean() {
		t.Fatalf("sampling phase not in the clean window: pos=%d", sim.phasePos)
	}
	if got, want := dev.depth, 20; got != want {
		t.Fatalf("capture depth not restored: got=%d, want=%d", got, want)
	}

	// With the phase settled, further cycles acquire clean events and
	// never re-trigger a calibration.
	for i := 0; i < 5; i++ {
		if err := dev.cycle(); err != nil {
			t.Fatalf("post-calibration cycle failed: %+v", err)
		}
	}
	if dev.calibrating != 0 || brd.calib.active() {
		t.Fatalf("spurious recalibration on clean events")
	}
	if dev.Err() != nil {
		t.Fatalf("unexpected session error: %+v", dev.Err())
	}
}

func TestGracePeriodSuppressesRecalibration(t *testing.T) {
	sim := NewSimLink() // dirty phase out of the box
	dev, err := NewDevice([]Link{sim}, WithCaptureDepth(10))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)
	brd := dev.boards[0]

	err = dev.Configure()
	if err != nil {
		t.Fatalf("could not configure: %+v", err)
	}
	if got, want := brd.grace, defaultGracePeriod; got != want {
		t.Fatalf("grace period not armed: got=%d, want=%d", got, want)
	}

	_, err = dev.readEvent(brd, 2)
	if err != nil {
		t.Fatalf("could not read event: %+v", err)
	}
	if dev.calibrating != 0 {
		t.Fatalf("recalibration started during the grace period")
	}
	if got, want := brd.grace, defaultGracePeriod-1; got != want {
		t.Fatalf("grace period not consumed: got=%d, want=%d", got, want)
	}

	// Outside the grace period the same bad event forces a new
	// calibration.
	brd.grace = 0
	_, err = dev.readEvent(brd, 2)
	if err != nil {
		t.Fatalf("could not read event: %+v", err)
	}
	if dev.calibrating != 1 || !brd.calib.active() {
		t.Fatalf("bad event outside grace did not start a calibration")
	}
}

// shortLink drops the last byte of every response.
type shortLink struct {
	SimLink
}

func (lnk *shortLink) Recv(n int) ([]byte, error) {
	p, err := lnk.SimLink.Recv(n)
	if err != nil {
		return nil, err
	}
	return p[:len(p)-1], nil
}

func TestCycleTransportFaultIsFatal(t *testing.T) {
	dev, err := NewDevice([]Link{&shortLink{}})
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)

	err = dev.cycle()
	if err == nil {
		t.Fatalf("expected a transport fault")
	}
	if !strings.Contains(err.Error(), "length mismatch") {
		t.Fatalf("invalid error: %+v", err)
	}

	// The fault is sticky: the board never talks to the hardware again.
	brd := dev.boards[0]
	if brd.alive() {
		t.Fatalf("faulted board still alive")
	}
	if resp := brd.xfer(command(opLED, 1, 2, 3)); resp != [4]byte{} {
		t.Fatalf("faulted board still transfers: %v", resp)
	}
}

func TestEventCounterJumpIsNotFatal(t *testing.T) {
	sim := NewSimLink()
	dev, err := NewDevice([]Link{sim}, WithCaptureDepth(10))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	buf := new(bytes.Buffer)
	dev.msg = log.New(buf, "scope: ", 0)
	brd := dev.boards[0]
	brd.grace = 1 // keep the dirty phase from starting a calibration

	brd.evtCnt = 5
	sim.evtCnt = 41 // next readback is 42

	_, err = dev.readEvent(brd, 2)
	if err != nil {
		t.Fatalf("could not read event: %+v", err)
	}
	if !strings.Contains(buf.String(), "event counter jump") {
		t.Fatalf("missing counter-jump warning:\n%s", buf.String())
	}
	if got, want := brd.evtCnt, uint32(42); got != want {
		t.Fatalf("event counter not resynced: got=%d, want=%d", got, want)
	}
}

func TestDeviceStartStop(t *testing.T) {
	dev, err := NewDevice([]Link{NewSimLink()}, WithCaptureDepth(10))
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)

	err = dev.Start()
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}
	dev.Pause()
	dev.Resume()

	err = dev.Stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("could not close: %+v", err)
	}
}

func TestNewDeviceRejectsBadPair(t *testing.T) {
	for _, tc := range []struct {
		name string
		n    int
		pair [2]int
	}{
		{name: "same-board", n: 2, pair: [2]int{0, 0}},
		{name: "out-of-range", n: 1, pair: [2]int{0, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			links := make([]Link, tc.n)
			for i := range links {
				links[i] = NewSimLink()
			}
			_, err := NewDevice(links, WithOversamplingPair(tc.pair[0], tc.pair[1]))
			if err == nil {
				t.Fatalf("expected an invalid-pair error")
			}
		})
	}
}

func TestMatchPair(t *testing.T) {
	dev, err := NewDevice(
		[]Link{NewSimLink(), NewSimLink()},
		WithOversamplingPair(0, 1),
		WithPairEvents(1),
	)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	dev.msg = log.New(io.Discard, "scope: ", 0)

	evs := map[int]*frame.Event{
		0: {Board: 0, Chans: [][]float64{{2, 2, 2}}},
		1: {Board: 1, Chans: [][]float64{{1, 1, 1}}},
	}
	dev.matchPair(evs)

	for i, v := range evs[1].Chans[0] {
		if v != 2 {
			t.Fatalf("secondary sample %d not matched: got=%v, want=2", i, v)
		}
	}
}
