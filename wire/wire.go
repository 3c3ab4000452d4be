// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package wire implements the on-the-wire block codec: encode/decode
// of the protocol's block-structured payloads. Every block begins
// with a 6-byte header (16-bit type, 16-bit length, version-high,
// version-low); integers are big-endian. The Encoder is append-only
// into a caller-owned buffer, the Decoder consumes a slice
// front-to-back and refuses undersized input.
package wire

import (
	"encoding/binary"
)

// BlockType is the 16-bit block-type discriminator. The catalogue
// below is the full set carried by the device stack.
type BlockType uint16

const (
	BlockARBlockReq                BlockType = 0x0101
	BlockARBlockRes                BlockType = 0x8101
	BlockIOCRBlockReq              BlockType = 0x0102
	BlockIOCRBlockRes              BlockType = 0x8102
	BlockAlarmCRBlockReq           BlockType = 0x0103
	BlockAlarmCRBlockRes           BlockType = 0x8103
	BlockExpectedSubmoduleBlockReq BlockType = 0x0104
	BlockModuleDiffBlock           BlockType = 0x8105
	BlockIAndM0                    BlockType = 0x0020
	BlockIAndM1                    BlockType = 0x0021
	BlockIAndM2                    BlockType = 0x0022
	BlockIAndM3                    BlockType = 0x0023
	BlockIAndM4                    BlockType = 0x0024
	BlockLogBookData               BlockType = 0x0025
	BlockPDPortDataCheck           BlockType = 0x0116
	BlockPDPortDataAdjust          BlockType = 0x0117
	BlockPDInterfaceAdjust         BlockType = 0x0250
	BlockIODWriteReqHeader         BlockType = 0x0008
	BlockIODReadReqHeader          BlockType = 0x0009
	BlockIODWriteResHeader         BlockType = 0x8008
	BlockIODReadResHeader          BlockType = 0x8009
	BlockRecordDataReadQuery       BlockType = 0x001E
	BlockARVendorBlockReq          BlockType = 0x0113
	BlockARVendorBlockRes          BlockType = 0x8113
	BlockIODControlReq             BlockType = 0x0110
	BlockIODControlRes             BlockType = 0x8110
	BlockIODReleaseReq             BlockType = 0x0114
	BlockIODReleaseRes             BlockType = 0x8114
	BlockSubstituteValue           BlockType = 0x0108
	BlockReportDataBlock           BlockType = 0x0220
	BlockAlarmNotificationHigh     BlockType = 0x0001
	BlockAlarmNotificationLow      BlockType = 0x0002
	BlockAlarmAckHigh              BlockType = 0x8001
	BlockAlarmAckLow               BlockType = 0x8002
	BlockDiagnosisData             BlockType = 0x0010
)

// Result enumerates the decode outcomes the codec surfaces.
type Result int

const (
	ResultOK Result = iota
	ResultNullPointer
	ResultEndOfInput
	ResultOutOfAPIResources
	ResultOutOfSubmoduleResources
	ResultOtherError
)

func (r Result) Error() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNullPointer:
		return "null pointer"
	case ResultEndOfInput:
		return "end of input"
	case ResultOutOfAPIResources:
		return "out of api resources"
	case ResultOutOfSubmoduleResources:
		return "out of submodule resources"
	default:
		return "other error"
	}
}

// HeaderSize is the fixed 6-byte block header: type(2) + length(2) +
// version-high(1) + version-low(1).
const HeaderSize = 6

// Header is the 6-byte block header common to every block.
type Header struct {
	Type      BlockType
	Length    uint16 // length of the body following the length field
	VersionHi uint8
	VersionLo uint8
}

// DefaultVersion is 1.0, used by every block except logbook blocks
// (1.1).
var DefaultVersion = Header{VersionHi: 1, VersionLo: 0}

// UUID is the 16-byte protocol UUID: Data1(4) Data2(2) Data3(2)
// Node(8).
type UUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Node  [8]byte
}

// Encoder appends blocks into a caller-supplied buffer with a write
// cursor.
type Encoder struct {
	buf []byte
}

// NewEncoder wraps an existing buffer (possibly nil) for appending.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the accumulated buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutHeader reserves and fills a 6-byte block header; length is filled
// in afterward via PatchLength once the body is known.
func (e *Encoder) PutHeader(typ BlockType, ver Header) int {
	pos := len(e.buf)
	e.buf = append(e.buf, byte(typ>>8), byte(typ), 0, 0, ver.VersionHi, ver.VersionLo)
	return pos
}

// PatchLength backfills the length field of the header started at
// pos with the number of bytes appended since the header plus 2 for
// the version bytes (the length field counts everything after itself).
func (e *Encoder) PatchLength(pos int) {
	bodyLen := len(e.buf) - pos - HeaderSize + 2 // +2: length field counts version bytes too, matching wire convention
	binary.BigEndian.PutUint16(e.buf[pos+2:pos+4], uint16(bodyLen))
}

func (e *Encoder) PutU8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) PutU16(v uint16) { e.buf = append(e.buf, byte(v>>8), byte(v)) }
func (e *Encoder) PutU32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func (e *Encoder) PutBytes(b []byte) { e.buf = append(e.buf, b...) }

// PutUUID encodes the UUID big-endian, the stack's own fixed
// convention (the RPC header separately carries an endianness flag
// for its own fields; UUIDs inside blocks are always big-endian here).
func (e *Encoder) PutUUID(u UUID) {
	e.PutU32(u.Data1)
	e.PutU16(u.Data2)
	e.PutU16(u.Data3)
	e.PutBytes(u.Node[:])
}

// Decoder consumes a byte slice front-to-back, returning ResultEndOfInput
// rather than panicking on underrun.
type Decoder struct {
	buf []byte
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) Remaining() int { return len(d.buf) }

func (d *Decoder) need(n int) error {
	if len(d.buf) < n {
		return ResultEndOfInput
	}
	return nil
}

// Header decodes and validates a 6-byte block header, refusing
// undersized input.
func (d *Decoder) Header() (Header, error) {
	if err := d.need(HeaderSize); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:      BlockType(binary.BigEndian.Uint16(d.buf[0:2])),
		Length:    binary.BigEndian.Uint16(d.buf[2:4]),
		VersionHi: d.buf[4],
		VersionLo: d.buf[5],
	}
	d.buf = d.buf[HeaderSize:]
	return h, nil
}

func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v, nil
}

func (d *Decoder) U16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[:2])
	d.buf = d.buf[2:]
	return v, nil
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[:4])
	d.buf = d.buf[4:]
	return v, nil
}

func (d *Decoder) Bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := d.buf[:n]
	d.buf = d.buf[n:]
	return v, nil
}

func (d *Decoder) UUID() (UUID, error) {
	var u UUID
	var err error
	if u.Data1, err = d.U32(); err != nil {
		return u, err
	}
	if u.Data2, err = d.U16(); err != nil {
		return u, err
	}
	if u.Data3, err = d.U16(); err != nil {
		return u, err
	}
	node, err := d.Bytes(8)
	if err != nil {
		return u, err
	}
	copy(u.Node[:], node)
	return u, nil
}
