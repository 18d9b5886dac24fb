// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"go-hep.org/x/hep/hbook"

	"github.com/go-dso/hydra/frame"
)

// Device drives one or more oscilloscope boards through a strictly
// single-threaded, synchronous acquisition loop. Every hardware
// exchange blocks until its response arrives; boards are polled
// round-robin, never concurrently, within one cycle.
type Device struct {
	msg *log.Logger
	cfg config
	err error

	boards []*Board

	depth      int // current capture depth, blocks
	savedDepth int // depth saved across a calibration sweep

	calibrating  int         // boards with an active phase calibration
	consumersOff atomic.Bool // rendering-side consumers suspended

	paused atomic.Bool
	busy   atomic.Bool // set while the loop mutates sample buffers

	daq struct {
		done  chan int
		cycle uint64
	}

	relay *relay
	pair  *pairMatcher

	// jitter records the measured trigger-crossing distances, for
	// operator diagnostics.
	jitter *hbook.H1D
}

// NewDevice creates a device over one transport link per board.
func NewDevice(links []Link, opts ...Option) (*Device, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("scope: no board links")
	}

	msg := log.New(os.Stdout, "scope: ", 0)
	dev := &Device{
		msg:    msg,
		cfg:    newConfig(),
		jitter: hbook.NewH1D(100, -2, 2),
	}
	for _, opt := range opts {
		opt(&dev.cfg)
	}
	dev.depth = dev.cfg.depth

	for i, lnk := range links {
		dev.boards = append(dev.boards, newBoard(i, lnk, msg))
	}

	if p := dev.cfg.pair; p[0] >= 0 && p[1] >= 0 {
		if p[0] >= len(links) || p[1] >= len(links) || p[0] == p[1] {
			return nil, fmt.Errorf("scope: invalid oversampling pair %v", p)
		}
		dev.pair = newPairMatcher(p[0], p[1], dev.cfg.pairEvents)
	}

	if dev.cfg.relayAddr != "" {
		rly, err := newRelay(dev.cfg.relayAddr, &dev.busy, msg)
		if err != nil {
			return nil, err
		}
		dev.relay = rly
	}

	return dev, nil
}

// Board returns board i.
func (dev *Device) Board(i int) *Board { return dev.boards[i] }

// NumBoards returns the number of attached boards.
func (dev *Device) NumBoards() int { return len(dev.boards) }

// Err returns the first fatal session error.
func (dev *Device) Err() error { return dev.err }

// JitterStats returns the mean and RMS of the measured trigger-crossing
// distances since startup.
func (dev *Device) JitterStats() (mean, rms float64) {
	return dev.jitter.XMean(), dev.jitter.XRMS()
}

// Configure pushes the trigger, sampling and channel settings to every
// board and arms the post-reconfiguration grace period during which
// bad-signal counts are ignored.
func (dev *Device) Configure() error {
	for _, brd := range dev.boards {
		if err := brd.pushChannels(); err != nil {
			return fmt.Errorf("scope: could not configure channels of board %d: %w", brd.id, err)
		}
		if err := brd.pushTrigger(); err != nil {
			return fmt.Errorf("scope: could not configure trigger of board %d: %w", brd.id, err)
		}
		if err := brd.pushSampling(); err != nil {
			return fmt.Errorf("scope: could not configure sampling of board %d: %w", brd.id, err)
		}
		brd.grace = dev.cfg.grace
	}
	return nil
}

// Initialize switches slave boards to the external clock, waits for
// PLL lock, reads firmware versions and launches the initial phase
// calibration of every board.
func (dev *Device) Initialize() error {
	for _, brd := range dev.boards {
		if brd.role == Slave {
			if err := brd.SwitchClock(ExternalClock); err != nil {
				return fmt.Errorf("scope: could not switch board %d clock: %w", brd.id, err)
			}
			brd.measurePropagation()
		}

		cnt := 0
		const max = 100
		for !brd.PLLLocked() && cnt < max {
			if brd.err != nil {
				return fmt.Errorf("scope: could not poll PLL lock of board %d: %w", brd.id, brd.err)
			}
			time.Sleep(10 * time.Millisecond)
			cnt++
		}
		if cnt >= max {
			return fmt.Errorf("scope: could not lock PLL of board %d", brd.id)
		}

		ver := brd.FirmwareVersion()
		dev.msg.Printf("board %d: pll lock=%v firmware=0x%06x", brd.id, true, ver)

		if err := dev.startCalibration(brd); err != nil {
			return fmt.Errorf("scope: could not start calibration of board %d: %w", brd.id, err)
		}
	}
	return nil
}

// Start launches the acquisition loop and, when configured, the relay.
func (dev *Device) Start() error {
	if dev.relay != nil {
		if err := dev.relay.start(); err != nil {
			return err
		}
	}
	dev.daq.done = make(chan int)
	go dev.loop()
	return nil
}

// Stop terminates the acquisition loop.
func (dev *Device) Stop() error {
	const timeout = 10 * time.Second
	tck := time.NewTimer(timeout)
	defer tck.Stop()

	select {
	case dev.daq.done <- 1:
		<-dev.daq.done
	case <-tck.C:
		return fmt.Errorf("scope: could not stop DAQ (timeout=%v)", timeout)
	}

	if dev.relay != nil {
		dev.relay.stop()
	}

	if dev.err != nil {
		return fmt.Errorf("scope: error during DAQ: %w", dev.err)
	}
	return nil
}

// Close releases the board links.
func (dev *Device) Close() error {
	var first error
	for _, brd := range dev.boards {
		if err := brd.lnk.Close(); err != nil && first == nil {
			first = fmt.Errorf("scope: could not close link of board %d: %w", brd.id, err)
		}
	}
	return first
}

// Recalibrate launches a new PLL phase calibration on every board
// still taking part in the acquisition.
func (dev *Device) Recalibrate() error {
	for _, brd := range dev.boards {
		if !brd.alive() {
			continue
		}
		if err := dev.startCalibration(brd); err != nil {
			return fmt.Errorf("scope: could not recalibrate board %d: %w", brd.id, err)
		}
	}
	return nil
}

// Pause suspends hardware polling. The flag is checked once per loop
// iteration; there is no mid-transaction abort.
func (dev *Device) Pause() { dev.paused.Store(true) }

// Resume resumes hardware polling.
func (dev *Device) Resume() { dev.paused.Store(false) }

func (dev *Device) loop() {
	for {
		select {
		case <-dev.daq.done:
			dev.daq.done <- 1
			return
		default:
		}

		if dev.paused.Load() {
			runtime.Gosched()
			continue
		}

		err := dev.cycle()
		if err != nil {
			// Transport faults are fatal for the session: no silent
			// retries.
			dev.err = err
			dev.msg.Printf("%+v", err)
			<-dev.daq.done
			dev.daq.done <- 1
			return
		}
		dev.daq.cycle++
	}
}

// alive reports whether a board still takes part in the acquisition.
func (brd *Board) alive() bool {
	return brd.err == nil && !brd.calib.failed
}

// cycle runs one acquisition poll over all boards.
func (dev *Device) cycle() error {
	type pending struct {
		brd  *Board
		trig int
	}
	var (
		rdy []pending
		ref *Board
	)

	// Slave boards are polled (and thereby armed) before the
	// self-triggering masters.
	for _, brd := range dev.boards {
		if brd.role != Slave || !brd.alive() {
			continue
		}
		ok, trig := brd.trigReady()
		if brd.err != nil {
			return brd.err
		}
		if ok {
			rdy = append(rdy, pending{brd, trig})
		}
	}
	// The lowest-indexed ready master is the canonical time reference
	// for this cycle.
	for _, brd := range dev.boards {
		if brd.role != Master || !brd.alive() {
			continue
		}
		ok, trig := brd.trigReady()
		if brd.err != nil {
			return brd.err
		}
		if ok {
			if ref == nil {
				ref = brd
			}
			rdy = append(rdy, pending{brd, trig})
		}
	}
	if len(rdy) == 0 {
		runtime.Gosched()
		return nil
	}

	dev.busy.Store(true)
	defer dev.busy.Store(false)

	evs := make(map[int]*frame.Event, len(rdy))
	for _, p := range rdy {
		ev, err := dev.readEvent(p.brd, p.trig)
		if err != nil {
			return err
		}
		evs[p.brd.id] = ev
	}

	if dev.calibrating == 0 {
		dev.stabilize(ref, evs)
		dev.matchPair(evs)
	}

	if dev.relay != nil && !dev.consumersOff.Load() {
		list := make([]*frame.Event, 0, len(evs))
		for _, p := range rdy {
			if ev := evs[p.brd.id]; ev != nil {
				list = append(list, ev)
			}
		}
		dev.relay.publish(list)
	}
	return nil
}

// readEvent fetches the predata and bulk buffer of one ready board,
// decodes the frame into a time-aligned event and drives the
// calibration machinery with the event's bad-signal count.
func (dev *Device) readEvent(brd *Board, trigBlock int) (*frame.Event, error) {
	merge, phase := brd.predata()

	cnt24 := brd.eventInfo()
	if brd.evtCnt != 0 && cnt24 != 0 && cnt24 != brd.evtCnt+1 {
		// Rollovers and jumps are logged, acquisition continues.
		dev.msg.Printf(
			"warning: board %d event counter jump (got=%d, want=%d)",
			brd.id, cnt24, brd.evtCnt+1,
		)
	}
	brd.evtCnt = cnt24

	pl := frame.Placement{
		Depth:    dev.depth,
		Guard:    dev.cfg.guard,
		Mode:     brd.mode,
		Offset: frame.Offset(
			trigBlock, merge, brd.merge, brd.mode,
			brd.role == Slave, brd.prop,
		),
		PhaseAdj: phase,
	}

	raw := brd.bulk(pl.Bytes())
	if brd.err != nil {
		return nil, brd.err
	}

	ev := frame.NewEvent(brd.id, dev.depth, brd.mode)
	ev.TrigBlock = trigBlock
	ev.TrigPhase = phase
	ev.Merge = merge

	cnt, err := frame.NewDecoder(brd.id, bytes.NewReader(raw)).Decode(ev, pl)
	if err != nil {
		return nil, fmt.Errorf("scope: board %d decode failed: %w", brd.id, err)
	}

	switch {
	case brd.calib.active():
		dev.calibTick(brd, cnt.BadSignal())
	case cnt.BadSignal() > 0 && brd.grace == 0:
		// Bad clock/strobe patterns outside the grace period mean the
		// sampling phase drifted: recalibrate.
		dev.msg.Printf("board %d: %d bad-signal words, recalibrating", brd.id, cnt.BadSignal())
		if err := dev.startCalibration(brd); err != nil {
			return nil, err
		}
	}
	if brd.grace > 0 {
		brd.grace--
	}

	return ev, nil
}
