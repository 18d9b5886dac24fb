// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command hydra-daq drives a hydra oscilloscope acquisition session in
// stand-alone mode.
package main // import "github.com/go-dso/hydra/cmd/hydra-daq"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/go-dso/hydra/scope"
)

func main() {
	var (
		cfg   = flag.String("cfg", "", "path to the YAML session configuration")
		depth = flag.Int("depth", 0, "capture depth, in sample blocks (overrides the configuration)")
		relay = flag.String("relay", "", "listen address of the sample relay (overrides the configuration)")
		nsim  = flag.Int("sim", 0, "number of simulated boards (0 uses real hardware)")
	)

	log.SetPrefix("hydra-daq: ")
	log.SetFlags(0)

	flag.Parse()

	err := run(*cfg, *depth, *relay, *nsim)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfgPath string, depth int, relay string, nsim int) error {
	var (
		fc   *scope.FileConfig
		opts []scope.Option
		err  error
	)
	if cfgPath != "" {
		fc, err = scope.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("could not load configuration: %w", err)
		}
		opts = fc.Options()
	}
	if depth > 0 {
		opts = append(opts, scope.WithCaptureDepth(depth))
	}
	if relay != "" {
		opts = append(opts, scope.WithRelayAddr(relay))
	}

	var links []scope.Link
	switch {
	case nsim > 0:
		for i := 0; i < nsim; i++ {
			links = append(links, scope.NewSimLink())
		}
		log.Printf("running with %d simulated board(s)", nsim)
	default:
		links, err = scope.OpenUSBLinks()
		if err != nil {
			return fmt.Errorf("could not open boards: %w", err)
		}
	}

	dev, err := scope.NewDevice(links, opts...)
	if err != nil {
		return fmt.Errorf("could not create device: %w", err)
	}
	defer dev.Close()

	if fc != nil {
		err = fc.Apply(dev)
		if err != nil {
			return fmt.Errorf("could not apply board configuration: %w", err)
		}
	}

	err = dev.Configure()
	if err != nil {
		return fmt.Errorf("could not configure boards: %w", err)
	}

	err = dev.Initialize()
	if err != nil {
		return fmt.Errorf("could not initialize boards: %w", err)
	}

	err = dev.Start()
	if err != nil {
		return fmt.Errorf("could not start acquisition: %w", err)
	}
	log.Printf("acquisition running over %d board(s)...", dev.NumBoards())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)
	<-stop
	log.Printf("stopping acquisition...")

	err = dev.Stop()
	if err != nil {
		return fmt.Errorf("could not stop acquisition: %w", err)
	}

	mean, rms := dev.JitterStats()
	log.Printf("trigger jitter: mean=%g rms=%g sub-samples", mean, rms)
	return nil
}
