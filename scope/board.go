// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"log"

	"github.com/go-dso/hydra/frame"
	"github.com/go-dso/hydra/internal/lew"
)

// Role describes how a board is triggered.
type Role uint8

const (
	// Master boards trigger on their own input.
	Master Role = iota
	// Slave boards echo the trigger of the reference master over the
	// LVDS link.
	Slave
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Slave:
		return "slave"
	}
	return "invalid"
}

// ClockSource selects the board sampling-clock reference.
type ClockSource uint8

const (
	InternalClock ClockSource = iota
	ExternalClock
)

// Coupling is the channel input coupling.
type Coupling uint8

const (
	DC Coupling = iota
	AC
)

// Impedance is the channel input impedance.
type Impedance uint8

const (
	OneMegaOhm Impedance = iota
	FiftyOhm
)

// Edge is the trigger edge direction.
type Edge uint8

const (
	RisingEdge Edge = iota
	FallingEdge
)

// TriggerConfig holds the per-board trigger settings pushed with the
// trigger-info command.
type TriggerConfig struct {
	Level   float64 // threshold, volts
	Delta   int     // hysteresis, ADC counts
	Pos     int     // nominal trigger position, sub-samples
	Chan    int     // trigger-source channel
	Edge    Edge
	TOT     int // time over threshold, samples
	Delay   int
	Holdoff int
}

// Channel holds the analog front-end settings of one channel.
type Channel struct {
	Gain     int
	Offset   int
	Coupling Coupling
	Impeds   Impedance
	Atten    int
	VoltsDiv float64
}

// PLL outputs. One phase-step command advances both the ADC sampling
// clock and its LVDS distribution copy.
const (
	nPLLOut         = 6
	pllOutSampleClk = 0
	pllOutLVDS      = 4
)

// Board holds the acquisition state of one physical board. A Board is
// created once at connection setup and lives for the process lifetime.
type Board struct {
	id  int
	lnk Link
	msg *log.Logger
	err error

	chans      []Channel
	clock      ClockSource
	mode       frame.Mode
	downsample int
	merge      int // merge factor
	trig       TriggerConfig
	role       Role
	version    uint32

	calib calibState
	// Per-PLL-output phase counters, relative and signed, reset to
	// zero at each PLL reset. Each board owns its own array: no
	// backing storage is shared between boards.
	phase [nPLLOut]int

	stab stabState
	prop int // measured LVDS trigger propagation delay, sub-samples

	grace  int    // cycles left to ignore bad-signal counts
	evtCnt uint32 // last diagnostic event counter
}

func newBoard(id int, lnk Link, msg *log.Logger) *Board {
	brd := &Board{
		id:         id,
		lnk:        lnk,
		msg:        msg,
		chans:      make([]Channel, 2),
		mode:       frame.SingleChannel,
		downsample: 1,
		merge:      1,
	}
	brd.trig.Level = 0
	brd.trig.Pos = frame.PreRoll
	return brd
}

// ID returns the board index.
func (brd *Board) ID() int { return brd.id }

// Role returns the board trigger role.
func (brd *Board) Role() Role { return brd.role }

// SetRole selects the board trigger role.
func (brd *Board) SetRole(role Role) { brd.role = role }

// SetMode selects single- or dual-channel acquisition.
func (brd *Board) SetMode(mode frame.Mode) { brd.mode = mode }

// SetSampling sets the downsample and merge factors.
func (brd *Board) SetSampling(downsample, merge int) {
	if downsample < 1 {
		downsample = 1
	}
	if merge < 1 {
		merge = 1
	}
	brd.downsample = downsample
	brd.merge = merge
}

// SetTrigger replaces the board trigger configuration.
func (brd *Board) SetTrigger(trig TriggerConfig) { brd.trig = trig }

// SetChannel replaces the front-end settings of channel i.
func (brd *Board) SetChannel(i int, ch Channel) error {
	if i < 0 || i >= len(brd.chans) {
		return fmt.Errorf("scope: board %d has no channel %d", brd.id, i)
	}
	brd.chans[i] = ch
	return nil
}

// CalibFailed reports whether the last phase calibration of this board
// failed to find a good clock-phase window.
func (brd *Board) CalibFailed() bool { return brd.calib.failed }

// Err returns the first transport fault recorded for this board.
func (brd *Board) Err() error { return brd.err }

// xfer sends one command and reads its fixed 4-byte response. After
// the first fault every later exchange is a no-op; a response length
// mismatch is fatal for the session.
func (brd *Board) xfer(cmd [8]byte) [4]byte {
	var resp [4]byte
	if brd.err != nil {
		return resp
	}
	brd.err = brd.lnk.Send(cmd)
	if brd.err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, brd.err)
		return resp
	}
	p, err := brd.lnk.Recv(4)
	if err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, err)
		return resp
	}
	if len(p) != 4 {
		brd.err = fmt.Errorf(
			"scope: board %d response length mismatch (got=%d, want=4)",
			brd.id, len(p),
		)
		return resp
	}
	copy(resp[:], p)
	return resp
}

// bulk requests and reads n raw sample bytes. A short frame is a fatal
// transport fault, never retried.
func (brd *Board) bulk(n int) []byte {
	if brd.err != nil {
		return nil
	}
	brd.err = brd.lnk.Send(bulkCommand(uint32(n)))
	if brd.err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, brd.err)
		return nil
	}
	p, err := brd.lnk.Recv(n)
	if err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, err)
		return nil
	}
	if len(p) != n {
		brd.err = fmt.Errorf(
			"scope: board %d bulk length mismatch (got=%d, want=%d)",
			brd.id, len(p), n,
		)
		return nil
	}
	return p
}

func (brd *Board) misc(sub uint8, args ...byte) [4]byte {
	return brd.xfer(command(opMisc, append([]byte{sub}, args...)...))
}

// trigReady polls the trigger-ready status. On "event ready" it also
// decodes the in-frame trigger sample index from the response bits.
func (brd *Board) trigReady() (bool, int) {
	resp := brd.xfer(command(opTrigReady))
	if brd.err != nil || resp[0] != statTrigReady {
		return false, 0
	}
	bits := uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16
	return true, trigIndexFrom(bits)
}

// predata fetches the merge counter and trigger phase of the pending
// event.
func (brd *Board) predata() (merge, phase int) {
	resp := brd.misc(subPredata)
	return int(resp[1]), int(resp[2])
}

// eventInfo fetches the diagnostic 24-bit event counter.
func (brd *Board) eventInfo() uint32 {
	resp := brd.misc(subEventInfo)
	return uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16
}

// PLLLocked reads the PLL-lock bit from the digital status bits.
func (brd *Board) PLLLocked() bool {
	resp := brd.misc(subDigitalStatus)
	return brd.err == nil && resp[1]&pllLockBit != 0
}

// FirmwareVersion reads and caches the board firmware version.
func (brd *Board) FirmwareVersion() uint32 {
	resp := brd.misc(subVersion)
	brd.version = uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16
	return brd.version
}

// ResetPLL resets the board PLL from the maintenance surface. The
// sampling phase is unknown afterwards: a recalibration must follow
// before acquiring.
func (brd *Board) ResetPLL() error { return brd.pllReset() }

// pllReset resets the PLL and zeroes the per-output phase counters.
// The sign convention of the counters is preserved.
func (brd *Board) pllReset() error {
	brd.xfer(command(opPLLReset))
	if brd.err != nil {
		return brd.err
	}
	for i := range brd.phase {
		brd.phase[i] = 0
	}
	return nil
}

// pllStep advances one PLL output phase by one step in dir (+1 or -1)
// and tracks it in the per-output counter.
func (brd *Board) pllStep(out, dir int) error {
	up := byte(0)
	if dir > 0 {
		up = 1
	}
	brd.xfer(command(opPLLStep, byte(out), up))
	if brd.err != nil {
		return brd.err
	}
	if dir > 0 {
		brd.phase[out]++
	} else {
		brd.phase[out]--
	}
	return nil
}

// phaseStep advances the sampling clock and its LVDS echo together.
func (brd *Board) phaseStep(dir int) error {
	if err := brd.pllStep(pllOutSampleClk, dir); err != nil {
		return err
	}
	return brd.pllStep(pllOutLVDS, dir)
}

// SwitchClock selects the board clock source.
func (brd *Board) SwitchClock(src ClockSource) error {
	brd.xfer(command(opClockSrc, byte(src)))
	if brd.err == nil {
		brd.clock = src
	}
	return brd.err
}

// pushTrigger sends the trigger-info update for the current trigger
// configuration.
func (brd *Board) pushTrigger() error {
	lvl := triggerCounts(brd.trig.Level)
	var args [7]byte
	lew.PutU16(args[0:], lvl)
	args[2] = byte(brd.trig.Delta)
	args[3] = byte(brd.trig.Chan&0x7)<<1 | byte(brd.trig.Edge&1)
	args[4] = byte(brd.trig.TOT)
	lew.PutU16(args[5:], uint16(brd.trig.Pos))
	brd.xfer(command(opTrigInfo, args[:]...))

	brd.misc(subTrigDelay, byte(brd.trig.Delay), byte(brd.trig.Delay>>8))
	brd.misc(subTrigHoldoff, byte(brd.trig.Holdoff), byte(brd.trig.Holdoff>>8))
	return brd.err
}

// pushSampling sends the downsample/merge update.
func (brd *Board) pushSampling() error {
	brd.xfer(command(opDownsample, byte(brd.downsample), byte(brd.merge)))
	return brd.err
}

// pushChannels sends the channel control bits for every channel.
func (brd *Board) pushChannels() error {
	for i, ch := range brd.chans {
		bits := byte(ch.Coupling&1)<<0 | byte(ch.Impeds&1)<<1 | byte(ch.Atten&0x3)<<2
		brd.xfer(command(opChanCtrl,
			byte(i), bits,
			byte(ch.Gain), byte(ch.Offset), byte(ch.Offset>>8),
		))
	}
	return brd.err
}

// SetLED updates the front-panel LED.
func (brd *Board) SetLED(r, g, b uint8) error {
	brd.xfer(command(opLED, r, g, b))
	return brd.err
}

// measurePropagation reads back the measured LVDS trigger propagation
// delay used to place slave-board samples.
func (brd *Board) measurePropagation() int {
	resp := brd.misc(subTrigPrelen)
	brd.prop = int(resp[1])
	return brd.prop
}

const adcMidScale = 2048

func triggerCounts(level float64) uint16 {
	c := int(level/frame.VoltsPerCount) + adcMidScale
	if c < 0 {
		c = 0
	}
	if c > 4095 {
		c = 4095
	}
	return uint16(c)
}
