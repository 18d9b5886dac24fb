// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import "fmt"

// Configuration-flash maintenance. These operations are meant for
// bench use: the acquisition loop must be stopped while they run.

// FlashPageSize is the size of one configuration-flash page, in bytes.
const FlashPageSize = 256

// flashChunk is the per-command payload of a page write.
const flashChunk = 4

// FlashStatus reads the flash status byte.
func (brd *Board) FlashStatus() (uint8, error) {
	resp := brd.xfer(command(opFlashStatus))
	return resp[1], brd.err
}

// FlashReload reloads the board configuration from flash.
func (brd *Board) FlashReload() error {
	brd.xfer(command(opFlashReload))
	return brd.err
}

// FlashSave persists the current board configuration to flash.
func (brd *Board) FlashSave() error {
	if err := brd.flashWriteEnable(); err != nil {
		return err
	}
	brd.xfer(command(opFlashSave))
	return brd.err
}

// FlashEraseChip erases the whole configuration flash.
func (brd *Board) FlashEraseChip() error {
	if err := brd.flashWriteEnable(); err != nil {
		return err
	}
	brd.xfer(command(opFlashEraseChip))
	return brd.err
}

// FlashEraseSector erases one flash sector.
func (brd *Board) FlashEraseSector(sec int) error {
	if err := brd.flashWriteEnable(); err != nil {
		return err
	}
	brd.xfer(command(opFlashEraseSector, byte(sec), byte(sec>>8)))
	return brd.err
}

// FlashReadPage reads one flash page.
func (brd *Board) FlashReadPage(page int) ([]byte, error) {
	if brd.err != nil {
		return nil, brd.err
	}
	brd.err = brd.lnk.Send(command(opFlashReadPage, byte(page), byte(page>>8)))
	if brd.err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, brd.err)
		return nil, brd.err
	}
	p, err := brd.lnk.Recv(FlashPageSize)
	if err != nil {
		brd.err = fmt.Errorf("scope: board %d: %w", brd.id, err)
		return nil, brd.err
	}
	if len(p) != FlashPageSize {
		brd.err = fmt.Errorf(
			"scope: board %d flash page length mismatch (got=%d, want=%d)",
			brd.id, len(p), FlashPageSize,
		)
		return nil, brd.err
	}
	return p, nil
}

// FlashWritePage writes one flash page, 4 payload bytes per command.
// The page must have been erased first.
func (brd *Board) FlashWritePage(page int, data []byte) error {
	if len(data) != FlashPageSize {
		return fmt.Errorf(
			"scope: invalid flash page size (got=%d, want=%d)",
			len(data), FlashPageSize,
		)
	}
	if err := brd.flashWriteEnable(); err != nil {
		return err
	}
	for off := 0; off < FlashPageSize; off += flashChunk {
		brd.xfer(command(opFlashWritePage,
			byte(page), byte(page>>8), byte(off/flashChunk),
			data[off], data[off+1], data[off+2], data[off+3],
		))
		if brd.err != nil {
			return brd.err
		}
	}
	return nil
}

func (brd *Board) flashWriteEnable() error {
	brd.xfer(command(opFlashWriteEnable))
	return brd.err
}
