// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	e := NewEncoder(nil)
	pos := e.PutHeader(BlockARBlockReq, DefaultVersion)
	e.PutU16(0xBEEF)
	e.PutU32(0x01020304)
	e.PatchLength(pos)

	d := NewDecoder(e.Bytes())
	h, err := d.Header()
	require.NoError(t, err)
	require.Equal(t, BlockARBlockReq, h.Type)
	// body (6 bytes) plus the two version bytes
	require.Equal(t, uint16(8), h.Length)
	require.Equal(t, uint8(1), h.VersionHi)
	require.Equal(t, uint8(0), h.VersionLo)

	v16, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), v16)
	v32, err := d.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x01020304), v32)
	require.Equal(t, 0, d.Remaining())
}

func TestScalarRoundTrip(t *testing.T) {
	e := NewEncoder(nil)
	e.PutU8(0x7F)
	e.PutU16(0x1234)
	e.PutU32(0xDEADBEEF)
	e.PutBytes([]byte{1, 2, 3})

	d := NewDecoder(e.Bytes())
	v8, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(0x7F), v8)
	v16, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), v16)
	v32, err := d.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), v32)
	b, err := d.Bytes(3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, b)
}

func TestUUIDRoundTrip(t *testing.T) {
	u := UUID{
		Data1: 0x12345678,
		Data2: 0x9ABC,
		Data3: 0xDEF0,
		Node:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	e := NewEncoder(nil)
	e.PutUUID(u)
	require.Len(t, e.Bytes(), 16)

	d := NewDecoder(e.Bytes())
	got, err := d.UUID()
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestBigEndianOnTheWire(t *testing.T) {
	e := NewEncoder(nil)
	e.PutU16(0x0102)
	e.PutU32(0x03040506)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, e.Bytes())
}

func TestDecoderRefusesUndersized(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		call func(d *Decoder) error
	}{
		{"header", []byte{0, 1, 0, 2, 1}, func(d *Decoder) error { _, err := d.Header(); return err }},
		{"u16", []byte{7}, func(d *Decoder) error { _, err := d.U16(); return err }},
		{"u32", []byte{7, 8, 9}, func(d *Decoder) error { _, err := d.U32(); return err }},
		{"uuid", make([]byte, 15), func(d *Decoder) error { _, err := d.UUID(); return err }},
		{"bytes", []byte{1, 2}, func(d *Decoder) error { _, err := d.Bytes(3); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(NewDecoder(tt.buf))
			require.ErrorIs(t, err, ResultEndOfInput)
		})
	}
}

func TestDecoderEmptyU8(t *testing.T) {
	d := NewDecoder(nil)
	_, err := d.U8()
	require.ErrorIs(t, err, ResultEndOfInput)
}
