// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go-dso/hydra/frame"
)

// Tuning constants below are empirically chosen and still pending
// validation against hardware. They are overridable through Options.
const (
	defaultNoiseThreshold = 5.0
	defaultMinGoodRun     = 4
	defaultStabTolerance  = 0.75 // sub-samples, scaled by the downsample factor
	defaultPairEvents     = 64
	defaultGracePeriod    = 16 // cycles after a disruptive reconfiguration
	defaultCalibDepth     = 5  // blocks; keeps the phase sweep fast
	defaultGuardBlocks    = 2
	defaultCaptureDepth   = 100
)

type config struct {
	depth int // capture depth, blocks
	guard int // guard blocks appended by the hardware

	noiseThreshold float64
	minGoodRun     int
	calibDepth     int

	stabTol    float64
	pairEvents int
	pair       [2]int // oversampling pair (primary, secondary) board ids

	grace     int
	relayAddr string
}

func newConfig() config {
	return config{
		depth:          defaultCaptureDepth,
		guard:          defaultGuardBlocks,
		noiseThreshold: defaultNoiseThreshold,
		minGoodRun:     defaultMinGoodRun,
		calibDepth:     defaultCalibDepth,
		stabTol:        defaultStabTolerance,
		pairEvents:     defaultPairEvents,
		pair:           [2]int{-1, -1},
		grace:          defaultGracePeriod,
	}
}

// Option configures a Device.
type Option func(*config)

// WithCaptureDepth sets the capture depth, in sample blocks.
func WithCaptureDepth(n int) Option {
	return func(cfg *config) {
		cfg.depth = n
	}
}

// WithGuardBlocks sets the number of guard blocks the hardware appends
// to every bulk frame.
func WithGuardBlocks(n int) Option {
	return func(cfg *config) {
		cfg.guard = n
	}
}

// WithNoiseThreshold sets the bad-signal level below which a phase
// bucket counts as clean during calibration.
func WithNoiseThreshold(v float64) Option {
	return func(cfg *config) {
		cfg.noiseThreshold = v
	}
}

// WithMinGoodRun sets the minimum clean-bucket run length a phase
// calibration must find.
func WithMinGoodRun(n int) Option {
	return func(cfg *config) {
		cfg.minGoodRun = n
	}
}

// WithStabTolerance sets the trigger-stabilization tolerance window,
// in sub-samples before downsample scaling.
func WithStabTolerance(v float64) Option {
	return func(cfg *config) {
		cfg.stabTol = v
	}
}

// WithPairEvents sets how many events the oversampling-pair matcher
// averages over.
func WithPairEvents(n int) Option {
	return func(cfg *config) {
		cfg.pairEvents = n
	}
}

// WithOversamplingPair declares the (primary, secondary) board pair
// whose samples are interleaved.
func WithOversamplingPair(primary, secondary int) Option {
	return func(cfg *config) {
		cfg.pair = [2]int{primary, secondary}
	}
}

// WithGracePeriod sets how many cycles bad-signal counts are ignored
// after a disruptive reconfiguration.
func WithGracePeriod(n int) Option {
	return func(cfg *config) {
		cfg.grace = n
	}
}

// WithRelayAddr enables the sample relay on the given listen address.
func WithRelayAddr(addr string) Option {
	return func(cfg *config) {
		cfg.relayAddr = addr
	}
}

// FileConfig is the YAML on-disk configuration for a hydra session.
type FileConfig struct {
	Depth int    `yaml:"depth"`
	Relay string `yaml:"relay"`

	Tuning struct {
		NoiseThreshold float64 `yaml:"noise_threshold"`
		MinGoodRun     int     `yaml:"min_good_run"`
		StabTolerance  float64 `yaml:"stab_tolerance"`
		PairEvents     int     `yaml:"pair_events"`
	} `yaml:"tuning"`

	Pair struct {
		Primary   int `yaml:"primary"`
		Secondary int `yaml:"secondary"`
	} `yaml:"pair"`

	Boards []BoardConfig `yaml:"boards"`
}

// BoardConfig describes one board in the YAML configuration.
type BoardConfig struct {
	Role       string  `yaml:"role"` // "master" or "slave"
	Channels   int     `yaml:"channels"`
	Downsample int     `yaml:"downsample"`
	Merge      int     `yaml:"merge"`
	TrigLevel  float64 `yaml:"trig_level"`
	TrigChan   int     `yaml:"trig_chan"`
	TrigEdge   string  `yaml:"trig_edge"` // "rising" or "falling"
}

// LoadConfig reads and validates a YAML session configuration.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scope: could not read config %q: %w", path, err)
	}
	var fc FileConfig
	err = yaml.Unmarshal(raw, &fc)
	if err != nil {
		return nil, fmt.Errorf("scope: could not parse config %q: %w", path, err)
	}
	for i, brd := range fc.Boards {
		switch brd.Role {
		case "", "master", "slave":
			// ok.
		default:
			return nil, fmt.Errorf("scope: config %q: board %d: invalid role %q", path, i, brd.Role)
		}
		switch brd.Channels {
		case 0, 1, 2:
			// ok.
		default:
			return nil, fmt.Errorf("scope: config %q: board %d: invalid channel count %d", path, i, brd.Channels)
		}
	}
	return &fc, nil
}

// Options translates the file configuration into device options.
func (fc *FileConfig) Options() []Option {
	var opts []Option
	if fc.Depth > 0 {
		opts = append(opts, WithCaptureDepth(fc.Depth))
	}
	if fc.Relay != "" {
		opts = append(opts, WithRelayAddr(fc.Relay))
	}
	if fc.Tuning.NoiseThreshold > 0 {
		opts = append(opts, WithNoiseThreshold(fc.Tuning.NoiseThreshold))
	}
	if fc.Tuning.MinGoodRun > 0 {
		opts = append(opts, WithMinGoodRun(fc.Tuning.MinGoodRun))
	}
	if fc.Tuning.StabTolerance > 0 {
		opts = append(opts, WithStabTolerance(fc.Tuning.StabTolerance))
	}
	if fc.Tuning.PairEvents > 0 {
		opts = append(opts, WithPairEvents(fc.Tuning.PairEvents))
	}
	if fc.Pair.Secondary > 0 || fc.Pair.Primary > 0 {
		opts = append(opts, WithOversamplingPair(fc.Pair.Primary, fc.Pair.Secondary))
	}
	return opts
}

// Apply pushes the per-board settings onto the device boards.
func (fc *FileConfig) Apply(dev *Device) error {
	for i, bc := range fc.Boards {
		if i >= len(dev.boards) {
			return fmt.Errorf("scope: config lists %d boards, device has %d",
				len(fc.Boards), len(dev.boards),
			)
		}
		brd := dev.boards[i]
		if bc.Role == "slave" {
			brd.SetRole(Slave)
		}
		if bc.Channels == 2 {
			brd.SetMode(frame.DualChannel)
		}
		brd.SetSampling(bc.Downsample, bc.Merge)

		trig := brd.trig
		trig.Level = bc.TrigLevel
		trig.Chan = bc.TrigChan
		if bc.TrigEdge == "falling" {
			trig.Edge = FallingEdge
		}
		brd.SetTrigger(trig)
	}
	return nil
}
