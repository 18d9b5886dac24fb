// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"github.com/go-daq/tdaq"
	"golang.org/x/xerrors"
)

// Server exposes a Device to a tdaq run-control network.
type Server struct {
	name string
	dev  *Device
}

// NewServer wraps dev for run control under the given process name.
func NewServer(name string, dev *Device) *Server {
	return &Server{name: name, dev: dev}
}

// Name returns the run-control process name.
func (srv *Server) Name() string { return srv.name }

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	err := srv.dev.Configure()
	if err != nil {
		ctx.Msg.Errorf("could not configure boards: %+v", err)
		return xerrors.Errorf("could not configure boards: %w", err)
	}
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.dev.Initialize()
	if err != nil {
		ctx.Msg.Errorf("could not initialize boards: %+v", err)
		return xerrors.Errorf("could not initialize boards: %w", err)
	}
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.dev.Recalibrate()
	if err != nil {
		ctx.Msg.Errorf("could not recalibrate boards: %+v", err)
		return xerrors.Errorf("could not recalibrate boards: %w", err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.dev.Start()
	if err != nil {
		ctx.Msg.Errorf("could not start acquisition: %+v", err)
		return xerrors.Errorf("could not start acquisition: %w", err)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	err := srv.dev.Stop()
	if err != nil {
		ctx.Msg.Errorf("could not stop acquisition: %+v", err)
		return xerrors.Errorf("could not stop acquisition: %w", err)
	}
	return nil
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return srv.dev.Close()
}
