// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package rpc

import (
	"github.com/rob-gra/pnio/sched"
)

// Handler processes one fully-reassembled request body for a given
// opnum and returns the response body, or a fault tuple.
type Handler func(h Header, body []byte) (response []byte, fault *ErrorTuple)

// Transport is the platform hook used to actually emit a UDP
// datagram carrying one RPC PDU.
type Transport interface {
	SendRPC(frame []byte) error
}

// Dispatcher wires the session table, a per-opnum handler map, and a
// scheduler-driven resend loop for fragmented/unacknowledged
// responses.
type Dispatcher struct {
	sessions  *Table
	sched     *sched.Scheduler
	transport Transport
	handlers  map[Opnum]Handler
}

// NewDispatcher builds a Dispatcher over sessionCapacity sessions.
func NewDispatcher(sessionCapacity int, s *sched.Scheduler, t Transport) *Dispatcher {
	return &Dispatcher{
		sessions:  NewTable(sessionCapacity),
		sched:     s,
		transport: t,
		handlers:  make(map[Opnum]Handler),
	}
}

// Register installs the handler for a given opnum.
func (d *Dispatcher) Register(op Opnum, h Handler) {
	d.handlers[op] = h
}

// OnPacket is the entry point for one inbound RPC PDU: locate or
// allocate a session, reassemble fragments, and dispatch by opnum
// once a complete request body is available.
func (d *Dispatcher) OnPacket(h Header, body []byte) {
	handle, sess, err := d.sessions.Lookup(h.ActivityUUID)
	if err != nil {
		return // table full: silently drop, mirroring a NACK-worthy but
		// unrepresentable condition; the peer will retry and find room.
	}

	var reqBody []byte
	if h.IsFragmented() {
		reassembled, complete, ferr := d.sessions.AppendFragment(handle, h.FragNum, h.IsLastFragment(), body)
		if ferr != nil {
			d.cancelFragTimer(sess)
			sess.Kill()
			d.emitFault(h, ErrorTuple{ErrorCode: ErrCodeGeneric, ErrorDecode: ErrDecodePNIOFault, ErrorCode1: CompCMRPC})
			d.sessions.Free(handle)
			return
		}
		if !complete {
			// every fragment pushes the reassembly deadline out again;
			// a peer that goes silent mid-request is reaped so the
			// partial body cannot hold the session slot forever.
			d.armFragTimer(handle, sess)
			return
		}
		d.cancelFragTimer(sess)
		reqBody = reassembled
	} else {
		reqBody = body
	}

	handler, ok := d.handlers[h.Opnum]
	if !ok {
		d.emitFault(h, ErrorTuple{ErrorCode: ErrCodeGeneric, ErrorDecode: ErrDecodePNIOFault, ErrorCode1: CompCMRPC})
		d.sessions.Free(handle)
		return
	}

	respBody, fault := handler(h, reqBody)
	if fault != nil {
		d.emitFault(h, *fault)
		d.sessions.Free(handle)
		return
	}

	d.emitResponse(h, respBody)

	// The request is answered; the slot is only needed across the
	// fragments of one request, so release it for the next activity.
	d.sessions.Free(handle)
}

// armFragTimer starts (or pushes out) the reassembly deadline for a
// session holding a partial fragmented request. When it expires with
// the request still incomplete, the session is killed and its slot
// freed; the activity UUID is re-checked so a reused slot is never
// reaped by a stale timer.
func (d *Dispatcher) armFragTimer(handle Handle, sess *Session) {
	d.cancelFragTimer(sess)
	uuid := sess.activityUUID
	sess.deadline = d.sched.Now() + uint64(fragTimeout.Microseconds())
	t, err := d.sched.Schedule(uint64(fragTimeout.Microseconds()), func(_ interface{}, now uint64) {
		s, ok := d.sessions.Get(handle)
		if !ok || s.activityUUID != uuid || now < s.deadline {
			return
		}
		s.hasFragTimer = false
		s.Kill()
		d.sessions.Free(handle)
	}, nil, "rpc-frag")
	if err == nil {
		sess.fragTimer = t
		sess.hasFragTimer = true
	}
}

func (d *Dispatcher) cancelFragTimer(sess *Session) {
	if sess.hasFragTimer {
		d.sched.Cancel(sess.fragTimer)
		sess.hasFragTimer = false
	}
}

func (d *Dispatcher) emitResponse(h Header, body []byte) {
	frags := Fragment(body)
	for i, frag := range frags {
		last := i == len(frags)-1
		pdu := encodePDU(Header{
			PacketType:   PTResponse,
			ActivityUUID: h.ActivityUUID,
			SeqNum:       h.SeqNum,
			FragNum:      uint16(i),
			Opnum:        h.Opnum,
			Flags:        fragFlags(len(frags) > 1, last),
		}, frag)
		_ = d.transport.SendRPC(pdu)
	}
}

func fragFlags(fragmented, last bool) Flags {
	var f Flags
	if fragmented {
		f |= FlagFragment
	}
	if last {
		f |= FlagLastFragment
	}
	return f
}

func (d *Dispatcher) emitFault(h Header, et ErrorTuple) {
	pdu := encodePDU(Header{
		PacketType:   PTFault,
		ActivityUUID: h.ActivityUUID,
		SeqNum:       h.SeqNum,
		Opnum:        h.Opnum,
		Flags:        FlagLastFragment,
	}, []byte{et.ErrorCode, et.ErrorDecode, et.ErrorCode1, et.ErrorCode2})
	_ = d.transport.SendRPC(pdu)
}

// encodePDU is a minimal big-endian framing of the header fields this
// package cares about, sufficient for the in-process tests and the
// loopback transport; a production wire encoding would additionally
// carry the DREP/object/interface UUIDs DCE/RPC v4 mandates.
func encodePDU(h Header, body []byte) []byte {
	out := make([]byte, 0, 24+len(body))
	out = append(out, byte(h.PacketType), byte(h.Flags))
	if h.BigEndian {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, h.ActivityUUID[:]...)
	out = append(out, byte(h.SeqNum>>24), byte(h.SeqNum>>16), byte(h.SeqNum>>8), byte(h.SeqNum))
	out = append(out, byte(h.FragNum>>8), byte(h.FragNum))
	out = append(out, byte(h.Opnum))
	out = append(out, body...)
	return out
}

// EncodePDU frames one PDU for the wire; loopback peers use it to
// build requests and responses.
func EncodePDU(h Header, body []byte) []byte { return encodePDU(h, body) }

// DecodePDU parses the framing encodePDU produces, for tests and for
// a loopback transport.
func DecodePDU(b []byte) (Header, []byte, bool) {
	if len(b) < 23 {
		return Header{}, nil, false
	}
	var h Header
	h.PacketType = PacketType(b[0])
	h.Flags = Flags(b[1])
	h.BigEndian = b[2] == 1
	copy(h.ActivityUUID[:], b[3:19])
	h.SeqNum = uint32(b[19])<<24 | uint32(b[20])<<16 | uint32(b[21])<<8 | uint32(b[22])
	if len(b) < 26 {
		return Header{}, nil, false
	}
	h.FragNum = uint16(b[23])<<8 | uint16(b[24])
	h.Opnum = Opnum(b[25])
	return h, b[26:], true
}

// DeviceOriginatedSend sends a request PDU from the device to the
// controller, using the same session/retry mechanism as a response:
// a resend every two seconds until acknowledged or retries are
// exhausted.
func (d *Dispatcher) DeviceOriginatedSend(activityUUID [16]byte, opnum Opnum, body []byte, onExhausted func()) {
	handle, sess, err := d.sessions.Lookup(activityUUID)
	if err != nil {
		return
	}
	sess.outBuf = body
	sess.outSeq++
	d.resendLoop(handle, opnum, body, onExhausted)
}

func (d *Dispatcher) resendLoop(handle Handle, opnum Opnum, body []byte, onExhausted func()) {
	sess, ok := d.sessions.Get(handle)
	if !ok {
		return
	}
	pdu := encodePDU(Header{
		PacketType:   PTRequest,
		ActivityUUID: sess.activityUUID,
		SeqNum:       sess.outSeq,
		Opnum:        opnum,
		Flags:        FlagLastFragment,
	}, body)
	_ = d.transport.SendRPC(pdu)

	var retry func(interface{}, uint64)
	retry = func(interface{}, uint64) {
		s, ok := d.sessions.Get(handle)
		if !ok {
			return
		}
		s.retries++
		if s.retries > maxRetries {
			d.sessions.Free(handle)
			if onExhausted != nil {
				onExhausted()
			}
			return
		}
		_ = d.transport.SendRPC(pdu)
		d.sched.Schedule(uint64(cControlTimeout.Microseconds()), retry, nil, "rpc-resend")
	}
	d.sched.Schedule(uint64(cControlTimeout.Microseconds()), retry, nil, "rpc-resend")
}

// AckDeviceOriginated must be called when the controller's response
// to a device-originated send arrives, cancelling the resend loop.
func (d *Dispatcher) AckDeviceOriginated(activityUUID [16]byte) {
	if h, sess, err := d.sessions.Lookup(activityUUID); err == nil {
		sess.Kill()
		d.sessions.Free(h)
	}
}
