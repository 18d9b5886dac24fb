// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hydra-srv exposes a hydra acquisition device to a TDAQ
// run-control network.
//
// Usage: hydra-srv [tdaq-flags] <name> [nsim]
//
// With a non-zero nsim argument the server drives simulated boards
// instead of real hardware.
package main // import "github.com/go-dso/hydra/cmd/hydra-srv"

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-dso/hydra/scope"
)

func main() {
	cmd := flags.New()

	log.SetPrefix("hydra-srv: ")
	log.SetFlags(0)

	if len(cmd.Args) < 1 {
		log.Fatalf("missing process name argument")
	}
	name := cmd.Args[0]

	nsim := 0
	if len(cmd.Args) > 1 {
		v, err := strconv.Atoi(cmd.Args[1])
		if err != nil || v < 0 {
			log.Fatalf("invalid simulated-board count %q", cmd.Args[1])
		}
		nsim = v
	}

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
			log.Fatalf("could not open boards: %+v", err)
		}
	}

	dev, err := scope.NewDevice(links)
	if err != nil {
		log.Fatalf("could not create device: %+v", err)
	}
	ctl := scope.NewServer(name, dev)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", ctl.OnConfig)
	srv.CmdHandle("/init", ctl.OnInit)
	srv.CmdHandle("/reset", ctl.OnReset)
	srv.CmdHandle("/start", ctl.OnStart)
	srv.CmdHandle("/stop", ctl.OnStop)
	srv.CmdHandle("/quit", ctl.OnQuit)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
