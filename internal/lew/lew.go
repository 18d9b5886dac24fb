// Copyright 2024 The go-dso Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lew provides little-endian word packing helpers shared by the
// transport and framing layers.
package lew

import "encoding/binary"

// PutU32 packs v into the first 4 bytes of p, little-endian.
func PutU32(p []byte, v uint32) {
	binary.LittleEndian.PutUint32(p, v)
}

// U32 unpacks a little-endian uint32 from the first 4 bytes of p.
func U32(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p)
}

// PutU16 packs v into the first 2 bytes of p, little-endian.
func PutU16(p []byte, v uint16) {
	binary.LittleEndian.PutUint16(p, v)
}

// U16 unpacks a little-endian uint16 from the first 2 bytes of p.
func U16(p []byte) uint16 {
	return binary.LittleEndian.Uint16(p)
}

// U16s unpacks p into 16-bit little-endian words.
// len(p) must be even.
func U16s(p []byte) []uint16 {
	ws := make([]uint16, len(p)/2)
	for i := range ws {
		ws[i] = binary.LittleEndian.Uint16(p[2*i:])
	}
	return ws
}

// AppendU16 appends v to p as 2 little-endian bytes.
func AppendU16(p []byte, v uint16) []byte {
	return append(p, byte(v), byte(v>>8))
}
