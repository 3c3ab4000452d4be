// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rob-gra/pnio/wire"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	arb := connARBlock{
		arType:     1,
		arUUID:     wire.UUID{Data1: 0x11223344, Data2: 0x5566, Data3: 0x7788, Node: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		sessionKey: 42,
		peerMAC:    [6]byte{1, 2, 3, 4, 5, 6},
		timeout:    100,
		name:       "controller-1",
	}
	iocrs := []connIOCRBlock{
		{
			kind: iocrInput, ref: 1, dataLength: 6, frameID: 0x8001,
			sendClockFactor: 32, reductionRatio: 2, dataHoldFactor: 3,
			descs: []ioDesc{
				{api: 0, slot: 1, subslot: 1, dataOffset: 0, dataLen: 2, iopsOffset: 2},
				{api: 0, slot: 1, subslot: 2, dataOffset: 3, dataLen: 2, iopsOffset: 5},
			},
			iocs: []iocsDesc{{api: 0, slot: 2, subslot: 1, iocsOffset: 6}},
		},
		{
			kind: iocrOutput, ref: 2, dataLength: 2, frameID: 0x8002,
			sendClockFactor: 32, reductionRatio: 1, dataHoldFactor: 3,
			descs: []ioDesc{{api: 0, slot: 2, subslot: 1, dataOffset: 0, dataLen: 1, iopsOffset: 1}},
		},
	}
	acr := &connAlarmCRBlock{crType: 1, rtaTimeoutFactor: 2, rtaRetries: 5, peerAlarmRef: 0x0300, maxAlarmLen: 512}
	exp := []expSubmodule{
		{api: 0, slot: 1, moduleIdent: 0x100, subslot: 1, submoduleIdent: 0x101},
		{api: 0, slot: 1, moduleIdent: 0x100, subslot: 2, submoduleIdent: 0x102},
	}

	req, err := parseConnect(buildConnectRequest(arb, iocrs, acr, exp))
	require.NoError(t, err)
	require.Equal(t, arb, *req.ar)
	require.Equal(t, iocrs, req.iocrs)
	require.Equal(t, *acr, *req.alarmCR)
	require.Equal(t, exp, req.expected)
}

func TestParseConnectRefusesTruncated(t *testing.T) {
	arb := connARBlock{arType: 1, name: "x"}
	body := buildConnectRequest(arb, nil, nil, nil)
	for _, cut := range []int{1, 5, len(body) / 2} {
		if _, err := parseConnect(body[:len(body)-cut]); err == nil {
			t.Fatalf("truncated by %d accepted", cut)
		}
	}
}

func TestParseConnectRequiresARBlock(t *testing.T) {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(wire.BlockAlarmCRBlockReq, wire.DefaultVersion)
	e.PutU16(1)
	e.PutU16(1)
	e.PutU16(3)
	e.PutU16(0x200)
	e.PutU16(200)
	e.PatchLength(pos)
	if _, err := parseConnect(e.Bytes()); err == nil {
		t.Fatal("connect without an ar block accepted")
	}
}

func TestControlRoundTrip(t *testing.T) {
	u := wire.UUID{Data1: 7}
	body := buildControl(wire.BlockIODControlReq, u, 9, controlPrmEnd)
	b, err := parseControl(body)
	require.NoError(t, err)
	require.Equal(t, u, b.arUUID)
	require.Equal(t, uint16(9), b.sessionKey)
	require.Equal(t, controlPrmEnd, b.command)
}

func TestReleaseRoundTrip(t *testing.T) {
	u := wire.UUID{Data1: 0xFEED}
	b, err := parseRelease(buildRelease(u, 3))
	require.NoError(t, err)
	require.Equal(t, u, b.arUUID)
	require.Equal(t, uint16(3), b.sessionKey)

	// a control body is not a release body
	_, err = parseRelease(buildControl(wire.BlockIODControlReq, u, 3, controlPrmEnd))
	require.Error(t, err)
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	u := wire.UUID{Data1: 5}
	data := []byte{9, 8, 7}
	body := buildRecordRequest(wire.BlockIODWriteReqHeader, u, 0, 1, 2, 0xAFF1, data)
	r, rest, err := parseRecordHeader(body, wire.BlockIODWriteReqHeader)
	require.NoError(t, err)
	require.Equal(t, u, r.arUUID)
	require.Equal(t, uint16(1), r.slot)
	require.Equal(t, uint16(2), r.subslot)
	require.Equal(t, uint16(0xAFF1), r.index)
	require.Equal(t, uint32(3), r.length)
	require.Equal(t, data, rest)

	_, _, err = parseRecordHeader(body, wire.BlockIODReadReqHeader)
	require.Error(t, err)
}
