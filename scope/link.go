// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"io"

	"github.com/google/gousb"
)

// Link is the synchronous command channel to one physical board: an
// 8-byte command followed by a fixed 4-byte or bulk response. There is
// no pipelining of multiple outstanding commands to the same board.
type Link interface {
	// Send writes one 8-byte command packet.
	Send(cmd [8]byte) error
	// Recv reads exactly n response bytes or fails.
	Recv(n int) ([]byte, error)

	Close() error
}

const (
	usbVendorID  = 0x04b4
	usbProductID = 0x8613

	usbEPIn  = 1
	usbEPOut = 2
)

// usbLink drives one board over its USB bulk endpoints.
type usbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface
	done func()

	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint
}

var _ Link = (*usbLink)(nil)

// OpenUSBLinks opens a Link for every connected hydra board, in USB
// bus/address order.
func OpenUSBLinks() ([]Link, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == usbVendorID && desc.Product == usbProductID
	})
	if err != nil {
		for _, dev := range devs {
			_ = dev.Close()
		}
		_ = ctx.Close()
		return nil, fmt.Errorf("scope: could not enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		_ = ctx.Close()
		return nil, fmt.Errorf("scope: no board found (vid=0x%04x, pid=0x%04x)",
			usbVendorID, usbProductID,
		)
	}

	lnks := make([]Link, 0, len(devs))
	for i, dev := range devs {
		lnk, err := newUSBLink(ctx, dev, i == 0)
		if err != nil {
			for _, l := range lnks {
				_ = l.Close()
			}
			_ = ctx.Close()
			return nil, err
		}
		lnks = append(lnks, lnk)
	}
	return lnks, nil
}

func newUSBLink(ctx *gousb.Context, dev *gousb.Device, owner bool) (*usbLink, error) {
	lnk := &usbLink{dev: dev}
	if owner {
		lnk.ctx = ctx
	}

	var err error
	lnk.intf, lnk.done, err = dev.DefaultInterface()
	if err != nil {
		_ = lnk.Close()
		return nil, fmt.Errorf("scope: could not claim default interface: %w", err)
	}

	lnk.epOut, err = lnk.intf.OutEndpoint(usbEPOut)
	if err != nil {
		_ = lnk.Close()
		return nil, fmt.Errorf("scope: could not open output endpoint: %w", err)
	}

	lnk.epIn, err = lnk.intf.InEndpoint(usbEPIn)
	if err != nil {
		_ = lnk.Close()
		return nil, fmt.Errorf("scope: could not open input endpoint: %w", err)
	}

	return lnk, nil
}

func (lnk *usbLink) Send(cmd [8]byte) error {
	n, err := lnk.epOut.Write(cmd[:])
	if err != nil {
		return fmt.Errorf("scope: could not send command 0x%02x: %w", cmd[0], err)
	}
	if n != len(cmd) {
		return fmt.Errorf("scope: truncated command write (got=%d, want=%d)", n, len(cmd))
	}
	return nil
}

func (lnk *usbLink) Recv(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(lnk.epIn, buf)
	if err != nil {
		return nil, fmt.Errorf("scope: could not read %d response bytes: %w", n, err)
	}
	return buf, nil
}

func (lnk *usbLink) Close() error {
	if lnk.done != nil {
		lnk.done()
		lnk.done = nil
	}
	if lnk.intf != nil {
		lnk.intf.Close()
		lnk.intf = nil
	}
	if lnk.dev != nil {
		_ = lnk.dev.Close()
		lnk.dev = nil
	}
	if lnk.ctx != nil {
		_ = lnk.ctx.Close()
		lnk.ctx = nil
	}
	return nil
}
