// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import "github.com/go-dso/hydra/internal/lew"

// Command opcodes. Byte 0 of every 8-byte command packet.
const (
	opBulkRead   uint8 = 0 // bulk sample read, length in bytes 4-7 (LE)
	opTrigReady  uint8 = 1 // trigger-ready check
	opMisc       uint8 = 2 // miscellaneous sub-commands, keyed on byte 1
	opSPI        uint8 = 3 // low-level peripheral transaction
	opPeriphMode uint8 = 4 // set peripheral mode
	opPLLReset   uint8 = 5 // PLL reset
	opPLLStep    uint8 = 6 // PLL phase step
	opClockSrc   uint8 = 7 // clock-source switch
	opTrigInfo   uint8 = 8 // trigger-info update
	opDownsample uint8 = 9 // downsample/merge update
	opChanCtrl   uint8 = 10
	opLED        uint8 = 11

	opFlashEraseSector uint8 = 14
	opFlashEraseChip   uint8 = 15
	opFlashReadPage    uint8 = 16
	opFlashWritePage   uint8 = 17
	opFlashWriteEnable uint8 = 18
	opFlashStatus      uint8 = 19
	opFlashReload      uint8 = 20
	opFlashSave        uint8 = 21
)

// opMisc sub-commands. Byte 1 of an opcode-2 command packet.
const (
	subClockOut      uint8 = 0
	subDigitalStatus uint8 = 1 // status bits, incl. the PLL-lock bit
	subFanCtrl       uint8 = 2
	subAuxOut        uint8 = 3
	subLED           uint8 = 4
	subDownsample    uint8 = 5
	subTrigPrelen    uint8 = 6
	subRollingTrig   uint8 = 7
	subFlashReload   uint8 = 8
	subTrigDelay     uint8 = 9
	subTrigHoldoff   uint8 = 10
	subPredata       uint8 = 11 // merge counter + trigger phase
	subEventInfo     uint8 = 12 // diagnostic event counter
	subVersion       uint8 = 13 // firmware version
)

// statTrigReady is the opcode-1 status byte signalling "event ready".
const statTrigReady = 251

// pllLockBit is the PLL-lock flag within the digital status bits.
const pllLockBit = 1 << 1

func command(op uint8, args ...byte) [8]byte {
	var cmd [8]byte
	cmd[0] = op
	copy(cmd[1:], args)
	return cmd
}

func bulkCommand(n uint32) [8]byte {
	cmd := command(opBulkRead)
	lew.PutU32(cmd[4:], n)
	return cmd
}

// trigIndexFrom scans the 24 trigger bits of an opcode-1 response for
// the first zero-to-one transition, LSB first, and returns its bit
// position: the in-frame trigger sample index.
func trigIndexFrom(bits uint32) int {
	prev := bits & 1
	for i := 1; i < 24; i++ {
		cur := (bits >> i) & 1
		if prev == 0 && cur == 1 {
			return i
		}
		prev = cur
	}
	return 0
}
