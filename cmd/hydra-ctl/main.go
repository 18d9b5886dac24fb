// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hydra-ctl is an interactive maintenance shell for hydra
// boards: LED, clock source and configuration-flash operations.
// It must not run while an acquisition session owns the boards.
package main // import "github.com/go-dso/hydra/cmd/hydra-ctl"

import (
	"flag"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/go-dso/hydra/scope"
)

func main() {
	nsim := flag.Int("sim", 0, "number of simulated boards (0 uses real hardware)")

	log.SetPrefix("hydra-ctl: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*nsim)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(nsim int) error {
	var (
		links []scope.Link
		err   error
	)
	switch {
	case nsim > 0:
		for i := 0; i < nsim; i++ {
			links = append(links, scope.NewSimLink())
		}
	default:
		links, err = scope.OpenUSBLinks()
		if err != nil {
			return fmt.Errorf("could not open boards: %w", err)
		}
	}

	dev, err := scope.NewDevice(links)
	if err != nil {
		return fmt.Errorf("could not create device: %w", err)
	}
	defer dev.Close()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	log.Printf("%d board(s) attached. type 'help' for the command list.", dev.NumBoards())

	for {
		line, err := term.Prompt("hydra> ")
		switch err {
		case nil:
			// ok.
		case io.EOF, liner.ErrPromptAborted:
			fmt.Println()
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := dispatch(dev, strings.Fields(line))
		if err != nil {
			log.Printf("%+v", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

func dispatch(dev *scope.Device, args []string) (quit bool, err error) {
	board := func(i int) (*scope.Board, error) {
		if i >= len(args) {
			return nil, fmt.Errorf("missing board index")
		}
		id, err := strconv.Atoi(args[i])
		if err != nil || id < 0 || id >= dev.NumBoards() {
			return nil, fmt.Errorf("invalid board index %q", args[i])
		}
		return dev.Board(id), nil
	}

	switch args[0] {
	case "help":
		fmt.Print(`commands:
  status                     board status (pll lock, firmware version)
  led <board> <r> <g> <b>    set the front-panel LED
  clock <board> int|ext      switch the sampling-clock source
  pll-reset <board>          reset the board PLL (recalibrate before acquiring)
  flash-status <board>       read the flash status byte
  flash-reload <board>       reload the configuration from flash
  flash-save <board>         persist the configuration to flash
  flash-erase <board>        erase the configuration flash
  flash-read <board> <page>  dump one flash page
  quit                       leave the shell
`)

	case "status":
		for i := 0; i < dev.NumBoards(); i++ {
			brd := dev.Board(i)
			lock := brd.PLLLocked()
			ver := brd.FirmwareVersion()
			if err := brd.Err(); err != nil {
				return false, err
			}
			fmt.Printf("board %d: pll-lock=%v firmware=0x%06x role=%v\n",
				i, lock, ver, brd.Role(),
			)
		}

	case "led":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		if len(args) != 5 {
			return false, fmt.Errorf("usage: led <board> <r> <g> <b>")
		}
		var rgb [3]uint8
		for i, arg := range args[2:5] {
			v, err := strconv.ParseUint(arg, 10, 8)
			if err != nil {
				return false, fmt.Errorf("invalid LED value %q", arg)
			}
			rgb[i] = uint8(v)
		}
		return false, brd.SetLED(rgb[0], rgb[1], rgb[2])

	case "clock":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		if len(args) != 3 {
			return false, fmt.Errorf("usage: clock <board> int|ext")
		}
		switch args[2] {
		case "int":
			return false, brd.SwitchClock(scope.InternalClock)
		case "ext":
			return false, brd.SwitchClock(scope.ExternalClock)
		default:
			return false, fmt.Errorf("invalid clock source %q", args[2])
		}

	case "pll-reset":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		return false, brd.ResetPLL()

	case "flash-status":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		stat, err := brd.FlashStatus()
		if err != nil {
			return false, err
		}
		fmt.Printf("flash status: 0x%02x\n", stat)

	case "flash-reload":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		return false, brd.FlashReload()

	case "flash-save":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		return false, brd.FlashSave()

	case "flash-erase":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		return false, brd.FlashEraseChip()

	case "flash-read":
		brd, err := board(1)
		if err != nil {
			return false, err
		}
		if len(args) != 3 {
			return false, fmt.Errorf("usage: flash-read <board> <page>")
		}
		page, err := strconv.Atoi(args[2])
		if err != nil || page < 0 {
			return false, fmt.Errorf("invalid page %q", args[2])
		}
		data, err := brd.FlashReadPage(page)
		if err != nil {
			return false, err
		}
		for off := 0; off < len(data); off += 16 {
			fmt.Printf("%04x: % x\n", page*scope.FlashPageSize+off, data[off:off+16])
		}

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q", args[0])
	}
	return false, nil
}
