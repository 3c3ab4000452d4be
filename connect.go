// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"github.com/rob-gra/pnio/ident"
	"github.com/rob-gra/pnio/wire"
)

// The control-plane request/response bodies exchanged over RPC are
// block sequences in the block codec's format. This file carries their
// field layouts; device.go carries the handlers.

type connARBlock struct {
	arType     uint16
	arUUID     wire.UUID
	sessionKey uint16
	peerMAC    [6]byte
	timeout    uint16
	name       string
}

type connIOCRBlock struct {
	kind            iocrKind
	ref             uint16
	dataLength      uint16
	frameID         uint16
	sendClockFactor uint16
	reductionRatio  uint16
	dataHoldFactor  uint16
	descs           []ioDesc
	iocs            []iocsDesc
}

type connAlarmCRBlock struct {
	crType           uint16
	rtaTimeoutFactor uint16
	rtaRetries       uint16
	peerAlarmRef     uint16
	maxAlarmLen      uint16
}

type expSubmodule struct {
	api            uint32
	slot           uint16
	moduleIdent    uint32
	subslot        uint16
	submoduleIdent uint32
}

type connectRequest struct {
	ar       *connARBlock
	iocrs    []connIOCRBlock
	alarmCR  *connAlarmCRBlock
	expected []expSubmodule
}

func parseConnect(body []byte) (*connectRequest, error) {
	req := &connectRequest{}
	d := wire.NewDecoder(body)
	for d.Remaining() >= wire.HeaderSize {
		h, err := d.Header()
		if err != nil {
			return nil, err
		}
		bodyLen := int(h.Length) - 2
		if bodyLen < 0 || bodyLen > d.Remaining() {
			return nil, wire.ResultEndOfInput
		}
		blk, err := d.Bytes(bodyLen)
		if err != nil {
			return nil, err
		}
		bd := wire.NewDecoder(blk)
		switch h.Type {
		case wire.BlockARBlockReq:
			arb, err := parseARBlock(bd)
			if err != nil {
				return nil, err
			}
			req.ar = arb
		case wire.BlockIOCRBlockReq:
			io, err := parseIOCRBlock(bd)
			if err != nil {
				return nil, err
			}
			req.iocrs = append(req.iocrs, *io)
		case wire.BlockAlarmCRBlockReq:
			acr, err := parseAlarmCRBlock(bd)
			if err != nil {
				return nil, err
			}
			req.alarmCR = acr
		case wire.BlockExpectedSubmoduleBlockReq:
			exp, err := parseExpectedBlock(bd)
			if err != nil {
				return nil, err
			}
			req.expected = append(req.expected, exp...)
		}
	}
	if req.ar == nil {
		return nil, wire.ResultOtherError
	}
	return req, nil
}

func parseARBlock(d *wire.Decoder) (*connARBlock, error) {
	var b connARBlock
	var err error
	if b.arType, err = d.U16(); err != nil {
		return nil, err
	}
	if b.arUUID, err = d.UUID(); err != nil {
		return nil, err
	}
	if b.sessionKey, err = d.U16(); err != nil {
		return nil, err
	}
	mac, err := d.Bytes(6)
	if err != nil {
		return nil, err
	}
	copy(b.peerMAC[:], mac)
	if b.timeout, err = d.U16(); err != nil {
		return nil, err
	}
	nameLen, err := d.U16()
	if err != nil {
		return nil, err
	}
	name, err := d.Bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	b.name = string(name)
	return &b, nil
}

func parseIOCRBlock(d *wire.Decoder) (*connIOCRBlock, error) {
	var b connIOCRBlock
	kind, err := d.U16()
	if err != nil {
		return nil, err
	}
	b.kind = iocrKind(kind)
	if b.ref, err = d.U16(); err != nil {
		return nil, err
	}
	if b.dataLength, err = d.U16(); err != nil {
		return nil, err
	}
	if b.frameID, err = d.U16(); err != nil {
		return nil, err
	}
	if b.sendClockFactor, err = d.U16(); err != nil {
		return nil, err
	}
	if b.reductionRatio, err = d.U16(); err != nil {
		return nil, err
	}
	if b.dataHoldFactor, err = d.U16(); err != nil {
		return nil, err
	}
	numAPIs, err := d.U16()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numAPIs); i++ {
		api, err := d.U32()
		if err != nil {
			return nil, err
		}
		numData, err := d.U16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(numData); j++ {
			var desc ioDesc
			desc.api = api
			if desc.slot, err = d.U16(); err != nil {
				return nil, err
			}
			if desc.subslot, err = d.U16(); err != nil {
				return nil, err
			}
			off, err := d.U16()
			if err != nil {
				return nil, err
			}
			desc.dataOffset = int(off)
			iops, err := d.U16()
			if err != nil {
				return nil, err
			}
			desc.iopsOffset = int(iops)
			dl, err := d.U16()
			if err != nil {
				return nil, err
			}
			desc.dataLen = int(dl)
			b.descs = append(b.descs, desc)
		}
		numIOCS, err := d.U16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(numIOCS); j++ {
			var cs iocsDesc
			cs.api = api
			if cs.slot, err = d.U16(); err != nil {
				return nil, err
			}
			if cs.subslot, err = d.U16(); err != nil {
				return nil, err
			}
			off, err := d.U16()
			if err != nil {
				return nil, err
			}
			cs.iocsOffset = int(off)
			b.iocs = append(b.iocs, cs)
		}
	}
	return &b, nil
}

func parseAlarmCRBlock(d *wire.Decoder) (*connAlarmCRBlock, error) {
	var b connAlarmCRBlock
	var err error
	if b.crType, err = d.U16(); err != nil {
		return nil, err
	}
	if b.rtaTimeoutFactor, err = d.U16(); err != nil {
		return nil, err
	}
	if b.rtaRetries, err = d.U16(); err != nil {
		return nil, err
	}
	if b.peerAlarmRef, err = d.U16(); err != nil {
		return nil, err
	}
	if b.maxAlarmLen, err = d.U16(); err != nil {
		return nil, err
	}
	return &b, nil
}

func parseExpectedBlock(d *wire.Decoder) ([]expSubmodule, error) {
	numAPIs, err := d.U16()
	if err != nil {
		return nil, err
	}
	var out []expSubmodule
	for i := 0; i < int(numAPIs); i++ {
		api, err := d.U32()
		if err != nil {
			return nil, err
		}
		slot, err := d.U16()
		if err != nil {
			return nil, err
		}
		moduleIdent, err := d.U32()
		if err != nil {
			return nil, err
		}
		numSub, err := d.U16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(numSub); j++ {
			var e expSubmodule
			e.api = api
			e.slot = slot
			e.moduleIdent = moduleIdent
			if e.subslot, err = d.U16(); err != nil {
				return nil, err
			}
			if e.submoduleIdent, err = d.U32(); err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// buildConnectRequest encodes a Connect request body; the loopback
// controller in the tests uses it to exercise the device end.
func buildConnectRequest(arb connARBlock, iocrs []connIOCRBlock, acr *connAlarmCRBlock, exp []expSubmodule) []byte {
	e := wire.NewEncoder(nil)

	pos := e.PutHeader(wire.BlockARBlockReq, wire.DefaultVersion)
	e.PutU16(arb.arType)
	e.PutUUID(arb.arUUID)
	e.PutU16(arb.sessionKey)
	e.PutBytes(arb.peerMAC[:])
	e.PutU16(arb.timeout)
	e.PutU16(uint16(len(arb.name)))
	e.PutBytes([]byte(arb.name))
	e.PatchLength(pos)

	for _, io := range iocrs {
		pos = e.PutHeader(wire.BlockIOCRBlockReq, wire.DefaultVersion)
		e.PutU16(uint16(io.kind))
		e.PutU16(io.ref)
		e.PutU16(io.dataLength)
		e.PutU16(io.frameID)
		e.PutU16(io.sendClockFactor)
		e.PutU16(io.reductionRatio)
		e.PutU16(io.dataHoldFactor)
		e.PutU16(1) // one API group
		var api uint32
		if len(io.descs) > 0 {
			api = io.descs[0].api
		}
		e.PutU32(api)
		e.PutU16(uint16(len(io.descs)))
		for _, desc := range io.descs {
			e.PutU16(desc.slot)
			e.PutU16(desc.subslot)
			e.PutU16(uint16(desc.dataOffset))
			e.PutU16(uint16(desc.iopsOffset))
			e.PutU16(uint16(desc.dataLen))
		}
		e.PutU16(uint16(len(io.iocs)))
		for _, cs := range io.iocs {
			e.PutU16(cs.slot)
			e.PutU16(cs.subslot)
			e.PutU16(uint16(cs.iocsOffset))
		}
		e.PatchLength(pos)
	}

	if acr != nil {
		pos = e.PutHeader(wire.BlockAlarmCRBlockReq, wire.DefaultVersion)
		e.PutU16(acr.crType)
		e.PutU16(acr.rtaTimeoutFactor)
		e.PutU16(acr.rtaRetries)
		e.PutU16(acr.peerAlarmRef)
		e.PutU16(acr.maxAlarmLen)
		e.PatchLength(pos)
	}

	if len(exp) > 0 {
		pos = e.PutHeader(wire.BlockExpectedSubmoduleBlockReq, wire.DefaultVersion)
		e.PutU16(1)
		e.PutU32(exp[0].api)
		e.PutU16(exp[0].slot)
		e.PutU32(exp[0].moduleIdent)
		e.PutU16(uint16(len(exp)))
		for _, s := range exp {
			e.PutU16(s.subslot)
			e.PutU32(s.submoduleIdent)
		}
		e.PatchLength(pos)
	}

	return e.Bytes()
}

func buildConnectResponse(a *ar, deviceMAC [6]byte, diff []ident.ModuleDiff) []byte {
	e := wire.NewEncoder(nil)

	pos := e.PutHeader(wire.BlockARBlockRes, wire.DefaultVersion)
	e.PutU16(1) // single AR type
	e.PutUUID(a.arUUID)
	e.PutU16(a.sessionKey)
	e.PutBytes(deviceMAC[:])
	e.PutU16(UDPPortRPC)
	e.PatchLength(pos)

	for _, c := range a.iocrs {
		pos = e.PutHeader(wire.BlockIOCRBlockRes, wire.DefaultVersion)
		e.PutU16(uint16(c.kind))
		e.PutU16(c.ref)
		e.PutU16(c.frameID)
		e.PatchLength(pos)
	}

	if a.lanes[0] != nil {
		pos = e.PutHeader(wire.BlockAlarmCRBlockRes, wire.DefaultVersion)
		e.PutU16(1)
		e.PutU16(a.alarmRef)
		e.PutU16(uint16(a.maxAlarmLen))
		e.PatchLength(pos)
	}

	pos = e.PutHeader(wire.BlockModuleDiffBlock, wire.DefaultVersion)
	e.PutU16(uint16(len(diff)))
	for _, md := range diff {
		e.PutU16(md.Slot)
		e.PutU16(uint16(md.State))
		e.PutU16(uint16(len(md.Entries)))
		for _, sd := range md.Entries {
			e.PutU16(sd.Subslot)
			e.PutU16(uint16(sd.Ident))
			e.PutU16(uint16(sd.AR))
		}
	}
	e.PatchLength(pos)

	return e.Bytes()
}

// Control commands carried in an IODControlReq.
const (
	controlPrmEnd           uint16 = 0x0001
	controlApplicationReady uint16 = 0x0002
	controlDone             uint16 = 0x0008
)

type controlBlock struct {
	arUUID     wire.UUID
	sessionKey uint16
	command    uint16
}

func parseControl(body []byte) (*controlBlock, error) {
	d := wire.NewDecoder(body)
	h, err := d.Header()
	if err != nil {
		return nil, err
	}
	if h.Type != wire.BlockIODControlReq && h.Type != wire.BlockIODControlRes {
		return nil, wire.ResultOtherError
	}
	var b controlBlock
	if _, err = d.U16(); err != nil { // reserved
		return nil, err
	}
	if b.arUUID, err = d.UUID(); err != nil {
		return nil, err
	}
	if b.sessionKey, err = d.U16(); err != nil {
		return nil, err
	}
	if b.command, err = d.U16(); err != nil {
		return nil, err
	}
	return &b, nil
}

func buildControl(typ wire.BlockType, arUUID wire.UUID, sessionKey, command uint16) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(typ, wire.DefaultVersion)
	e.PutU16(0)
	e.PutUUID(arUUID)
	e.PutU16(sessionKey)
	e.PutU16(command)
	e.PatchLength(pos)
	return e.Bytes()
}

type releaseBlock struct {
	arUUID     wire.UUID
	sessionKey uint16
}

func parseRelease(body []byte) (*releaseBlock, error) {
	d := wire.NewDecoder(body)
	h, err := d.Header()
	if err != nil {
		return nil, err
	}
	if h.Type != wire.BlockIODReleaseReq {
		return nil, wire.ResultOtherError
	}
	var b releaseBlock
	if _, err = d.U16(); err != nil {
		return nil, err
	}
	if b.arUUID, err = d.UUID(); err != nil {
		return nil, err
	}
	if b.sessionKey, err = d.U16(); err != nil {
		return nil, err
	}
	return &b, nil
}

// buildRelease encodes an IODReleaseReq; the loopback controller in
// tests uses it.
func buildRelease(arUUID wire.UUID, sessionKey uint16) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(wire.BlockIODReleaseReq, wire.DefaultVersion)
	e.PutU16(0)
	e.PutUUID(arUUID)
	e.PutU16(sessionKey)
	e.PatchLength(pos)
	return e.Bytes()
}

func buildReleaseResponse(arUUID wire.UUID, sessionKey uint16) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(wire.BlockIODReleaseRes, wire.DefaultVersion)
	e.PutU16(0)
	e.PutUUID(arUUID)
	e.PutU16(sessionKey)
	e.PatchLength(pos)
	return e.Bytes()
}

// recordHeader is the shared shape of read and write request bodies.
type recordHeader struct {
	arUUID  wire.UUID
	api     uint32
	slot    uint16
	subslot uint16
	index   uint16
	length  uint32
}

func parseRecordHeader(body []byte, want wire.BlockType) (*recordHeader, []byte, error) {
	d := wire.NewDecoder(body)
	h, err := d.Header()
	if err != nil {
		return nil, nil, err
	}
	if h.Type != want {
		return nil, nil, wire.ResultOtherError
	}
	var r recordHeader
	if r.arUUID, err = d.UUID(); err != nil {
		return nil, nil, err
	}
	if r.api, err = d.U32(); err != nil {
		return nil, nil, err
	}
	if r.slot, err = d.U16(); err != nil {
		return nil, nil, err
	}
	if r.subslot, err = d.U16(); err != nil {
		return nil, nil, err
	}
	if r.index, err = d.U16(); err != nil {
		return nil, nil, err
	}
	if r.length, err = d.U32(); err != nil {
		return nil, nil, err
	}
	rest, err := d.Bytes(d.Remaining())
	if err != nil {
		return nil, nil, err
	}
	return &r, rest, nil
}

// buildRecordRequest encodes a read (data nil) or write request body.
func buildRecordRequest(typ wire.BlockType, arUUID wire.UUID, api uint32, slot, subslot, index uint16, data []byte) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(typ, wire.DefaultVersion)
	e.PutUUID(arUUID)
	e.PutU32(api)
	e.PutU16(slot)
	e.PutU16(subslot)
	e.PutU16(index)
	e.PutU32(uint32(len(data)))
	e.PutBytes(data)
	e.PatchLength(pos)
	return e.Bytes()
}

func buildRecordResponse(typ wire.BlockType, r *recordHeader, data []byte) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(typ, wire.DefaultVersion)
	e.PutUUID(r.arUUID)
	e.PutU32(r.api)
	e.PutU16(r.slot)
	e.PutU16(r.subslot)
	e.PutU16(r.index)
	e.PutU32(uint32(len(data)))
	e.PutBytes(data)
	e.PatchLength(pos)
	return e.Bytes()
}
