// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"testing"

	"github.com/rob-gra/pnio/sched"
)

var actUUID = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func TestSessionLookupAllocatesOnce(t *testing.T) {
	tbl := NewTable(2)
	h1, _, err := tbl.Lookup(actUUID)
	if err != nil {
		t.Fatal(err)
	}
	h2, _, err := tbl.Lookup(actUUID)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("same activity uuid allocated two sessions")
	}

	other := actUUID
	other[0] = 0xFF
	if _, _, err := tbl.Lookup(other); err != nil {
		t.Fatal(err)
	}
	third := actUUID
	third[0] = 0xEE
	if _, _, err := tbl.Lookup(third); err == nil {
		t.Fatal("want table full")
	}

	tbl.Free(h1)
	if _, _, err := tbl.Lookup(third); err != nil {
		t.Fatalf("freed slot not reusable: %v", err)
	}
}

func TestFragmentReassemblyAnyOrder(t *testing.T) {
	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	want := []byte("alpha-beta-gamma")

	// every permutation that honours the last-fragment flag (fragment 2
	// arriving last) must yield the same in-order byte sequence
	orders := [][]int{
		{0, 1, 2},
		{1, 0, 2},
	}
	for _, order := range orders {
		tbl := NewTable(2)
		h, _, err := tbl.Lookup(actUUID)
		if err != nil {
			t.Fatal(err)
		}
		var got []byte
		var done bool
		for _, i := range order {
			out, complete, err := tbl.AppendFragment(h, uint16(i), i == 2, parts[i])
			if err != nil {
				t.Fatalf("order %v: fragment %d: %v", order, i, err)
			}
			if complete {
				got, done = out, true
			}
		}
		if !done || !bytes.Equal(got, want) {
			t.Fatalf("order %v: got %q, done=%v", order, got, done)
		}
	}
}

func TestFragmentMissingOnLast(t *testing.T) {
	tbl := NewTable(2)
	h, _, err := tbl.Lookup(actUUID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.AppendFragment(h, 0, false, []byte("a")); err != nil {
		t.Fatal(err)
	}
	// fragment 1 never arrives; 2 carries the last flag
	if _, complete, err := tbl.AppendFragment(h, 2, true, []byte("c")); err == nil || complete {
		t.Fatal("incomplete reassembly accepted")
	}
}

func TestFragmentSplit(t *testing.T) {
	small := make([]byte, 100)
	if got := Fragment(small); len(got) != 1 {
		t.Fatalf("small body split into %d", len(got))
	}
	big := make([]byte, 2500)
	frags := Fragment(big)
	if len(frags) != 3 {
		t.Fatalf("want 3 fragments, got %d", len(frags))
	}
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	if total != len(big) {
		t.Fatal("fragmentation lost bytes")
	}
}

func TestPDURoundTrip(t *testing.T) {
	h := Header{
		PacketType:   PTRequest,
		Flags:        FlagFragment | FlagLastFragment,
		BigEndian:    true,
		ActivityUUID: actUUID,
		SeqNum:       0x01020304,
		FragNum:      0x0506,
		Opnum:        OpnumConnect,
	}
	body := []byte{0xAA, 0xBB}
	got, gotBody, ok := DecodePDU(EncodePDU(h, body))
	if !ok {
		t.Fatal("decode failed")
	}
	if got != h || !bytes.Equal(gotBody, body) {
		t.Fatalf("round trip mismatch: %+v / %v", got, gotBody)
	}
	if _, _, ok := DecodePDU(make([]byte, 10)); ok {
		t.Fatal("truncated pdu decoded")
	}
}

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) SendRPC(frame []byte) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestDispatcherRequestResponse(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(4, s, tr)

	var gotBody []byte
	d.Register(OpnumRead, func(h Header, body []byte) ([]byte, *ErrorTuple) {
		gotBody = body
		return []byte("response"), nil
	})

	d.OnPacket(Header{PacketType: PTRequest, ActivityUUID: actUUID, Opnum: OpnumRead}, []byte("request"))
	if string(gotBody) != "request" {
		t.Fatal("handler did not receive the body")
	}
	if len(tr.sent) != 1 {
		t.Fatal("no response emitted")
	}
	h, body, ok := DecodePDU(tr.sent[0])
	if !ok || h.PacketType != PTResponse || string(body) != "response" {
		t.Fatalf("bad response: %+v %q", h, body)
	}
}

func TestDispatcherFragmentedRequest(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(4, s, tr)

	var gotBody []byte
	d.Register(OpnumWrite, func(h Header, body []byte) ([]byte, *ErrorTuple) {
		gotBody = body
		return nil, nil
	})

	// fragments delivered 1, 0, 2 (2 carries the last flag)
	send := func(frag uint16, last bool, part string) {
		flags := FlagFragment
		if last {
			flags |= FlagLastFragment
		}
		d.OnPacket(Header{PacketType: PTRequest, Flags: flags, ActivityUUID: actUUID, FragNum: frag, Opnum: OpnumWrite}, []byte(part))
	}
	send(1, false, "BBB")
	send(0, false, "AAA")
	if gotBody != nil {
		t.Fatal("handler ran before the last fragment")
	}
	send(2, true, "CCC")
	if string(gotBody) != "AAABBBCCC" {
		t.Fatalf("reassembly wrong: %q", gotBody)
	}
}

func TestFragmentTimeoutFreesSession(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(1, s, tr)
	d.Register(OpnumRead, func(h Header, body []byte) ([]byte, *ErrorTuple) {
		return []byte("ok"), nil
	})

	// a peer starts a fragmented request and goes silent
	d.OnPacket(Header{PacketType: PTRequest, Flags: FlagFragment, ActivityUUID: actUUID, FragNum: 0, Opnum: OpnumRead}, []byte("a"))

	// the single session slot is held; another peer is locked out
	other := actUUID
	other[0] = 0xFF
	d.OnPacket(Header{PacketType: PTRequest, ActivityUUID: other, Opnum: OpnumRead}, nil)
	if len(tr.sent) != 0 {
		t.Fatal("request served while the session table was exhausted")
	}

	// after the reassembly timeout the abandoned slot is reaped
	s.Tick(2_000_000)
	d.OnPacket(Header{PacketType: PTRequest, ActivityUUID: other, Opnum: OpnumRead}, nil)
	if len(tr.sent) != 1 {
		t.Fatal("abandoned partial reassembly not reaped")
	}
}

func TestFragmentTimeoutRearmsPerFragment(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(2, s, tr)
	var gotBody []byte
	d.Register(OpnumWrite, func(h Header, body []byte) ([]byte, *ErrorTuple) {
		gotBody = body
		return nil, nil
	})

	send := func(frag uint16, last bool, part string) {
		flags := FlagFragment
		if last {
			flags |= FlagLastFragment
		}
		d.OnPacket(Header{PacketType: PTRequest, Flags: flags, ActivityUUID: actUUID, FragNum: frag, Opnum: OpnumWrite}, []byte(part))
	}

	send(0, false, "AAA")
	s.Tick(1_500_000)
	send(1, false, "BBB") // pushes the deadline out to 3.5s
	s.Tick(2_500_000)     // past the original deadline, inside the new one

	send(2, true, "CCC")
	if string(gotBody) != "AAABBBCCC" {
		t.Fatalf("reassembly reaped despite fresh fragments: %q", gotBody)
	}
}

func TestDispatcherUnknownOpnumFaults(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(4, s, tr)

	d.OnPacket(Header{PacketType: PTRequest, ActivityUUID: actUUID, Opnum: Opnum(99)}, nil)
	if len(tr.sent) != 1 {
		t.Fatal("no fault emitted")
	}
	h, body, _ := DecodePDU(tr.sent[0])
	if h.PacketType != PTFault || len(body) != 4 {
		t.Fatalf("want 4-byte fault, got %+v %v", h, body)
	}
}

func TestDispatcherHandlerFault(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(4, s, tr)
	d.Register(OpnumConnect, func(h Header, body []byte) ([]byte, *ErrorTuple) {
		return nil, &ErrorTuple{ErrorCode: ErrCodeConnect, ErrorDecode: ErrDecodePNIOFault, ErrorCode1: CompCMDEV, ErrorCode2: 0x04}
	})
	d.OnPacket(Header{PacketType: PTRequest, ActivityUUID: actUUID, Opnum: OpnumConnect}, nil)
	h, body, _ := DecodePDU(tr.sent[0])
	if h.PacketType != PTFault {
		t.Fatal("fault not emitted")
	}
	if body[0] != ErrCodeConnect || body[2] != CompCMDEV {
		t.Fatalf("fault tuple wrong: %v", body)
	}
}

func TestDeviceOriginatedRetryThenExhaust(t *testing.T) {
	s := sched.New(8)
	tr := &fakeTransport{}
	d := NewDispatcher(4, s, tr)

	exhausted := false
	d.DeviceOriginatedSend(actUUID, OpnumControl, []byte("ready"), func() { exhausted = true })
	if len(tr.sent) != 1 {
		t.Fatal("initial send missing")
	}

	// each 2s tick retransmits until maxRetries, then the exhaust hook runs
	now := uint64(0)
	for i := 0; i < 10 && !exhausted; i++ {
		now += 2_000_000
		s.Tick(now)
	}
	if !exhausted {
		t.Fatal("retries never exhausted")
	}
	if len(tr.sent) < 3 {
		t.Fatalf("expected several retransmissions, got %d", len(tr.sent))
	}
}

func TestErrorTupleString(t *testing.T) {
	et := ErrorTuple{ErrorCode: 0xDB, ErrorDecode: 0x81, ErrorCode1: 0x01, ErrorCode2: 0x04}
	if et.Error() != "rpc fault db/81/01/04" {
		t.Fatalf("unexpected format: %s", et.Error())
	}
}
