// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package alarm implements the alarm subsystem: the paired
// ALPMI/ALPMR (initiator/receiver framing) and APMS/APMR (acyclic
// send/receive) machines with sequence-number, ACK, and
// retransmission discipline, at two priorities per AR. Each
// sub-machine is a plain tagged state; timers are scheduler
// callbacks, never awaited goroutines.
package alarm

import (
	"fmt"
	"sync"

	"github.com/rob-gra/pnio/sched"
)

// Priority selects the low or high alarm lane, each with its own
// frame ID and VLAN priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// USI discriminates the alarm payload shape.
type USI uint16

const (
	USIProcess        USI = 0x0000
	USIPlugSubmodule  USI = 0x0001
	USIPullSubmodule  USI = 0x0002
	USIPortDataChange USI = 0x0003
	USIUpdateAR       USI = 0x0004
	USISyncData       USI = 0x0005
	USIDiagnosis      USI = 0x0010
)

// Notification is one alarm payload: a USI discriminator plus opaque
// bytes (the diagnosis item layout when USI==USIDiagnosis).
type Notification struct {
	API, Slot, Subslot uint32
	USI                USI
	Payload            []byte
}

// ALPMIState is the initiator (send-side framing) state.
type ALPMIState int

const (
	ALPMIWStart ALPMIState = iota
	ALPMIWAlarm
	ALPMIWAck
)

// ALPMRState is the receiver (receive-side framing) state.
type ALPMRState int

const (
	ALPMRWStart ALPMRState = iota
	ALPMRWNotify
	ALPMRWUserAck
	ALPMRWTack
)

// APMSState is the acyclic-send state.
type APMSState int

const (
	APMSClosed APMSState = iota
	APMSOpen
	APMSWTack
)

// APMRState is the acyclic-receive state.
type APMRState int

const (
	APMRClosed APMRState = iota
	APMROpen
	APMRWCnf
)

// PDUType is the RTA PDU type carried in every alarm frame.
type PDUType uint8

const (
	PDUData PDUType = 1
	PDUNack PDUType = 2
	PDUAck  PDUType = 3
	PDUErr  PDUType = 4
)

// PDU is one on-the-wire RTA frame.
type PDU struct {
	Type    PDUType
	SendSeq uint16
	AckSeq  uint16
	TACK    bool
	SrcRef  uint16
	DstRef  uint16
	Payload []byte // only meaningful for PDUData
}

// FrameSender is the platform/transport hook used to place one alarm
// PDU onto the wire at the given priority (the actual Ethernet framing
// with frame-ID 0xFC01/0xFE01 and VLAN priority 5/6 happens at the
// caller that implements this interface, mirroring how PPM owns its
// own framing).
type FrameSender interface {
	SendAlarmPDU(priority Priority, pdu PDU) error
}

// AckCallback delivers an inbound notification to the application;
// the wire ACK is issued only after it returns.
type AckCallback func(n Notification) error

// ConfirmCallback reports the send outcome exactly once per accepted
// send.
type ConfirmCallback func(err error)

const (
	defaultQueueCapacity = 3
)

// ErrDeferAck may be returned by the AckCallback to withhold the wire
// ACK; the application later releases it with AckPending.
type ErrDeferAck struct{}

func (ErrDeferAck) Error() string { return "alarm ack deferred" }

// ErrBusy is returned by Send while the lane's APMS awaits the
// transport ACK of a prior send.
type ErrBusy struct{}

func (ErrBusy) Error() string { return "alarm lane busy" }

// ErrQueueFull is returned when the lane's send FIFO has no room.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return "alarm send queue full" }

// ErrRetriesExhausted marks the lane's send having exhausted its
// retries without an ACK; the owner aborts the AR.
type ErrRetriesExhausted struct{ Priority Priority }

func (e ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("alarm retries exhausted on priority %d", e.Priority)
}

// Lane is one priority's ALPMI+ALPMR+APMS+APMR quartet.
type Lane struct {
	mu sync.Mutex

	priority Priority
	sched    *sched.Scheduler
	sender   FrameSender

	srcRef, dstRef uint16

	alpmiState ALPMIState
	alpmrState ALPMRState
	apmsState  APMSState
	apmrState  APMRState

	sendSeq     uint16
	haveSendSeq bool
	expectSeq   uint16
	haveExpect  bool

	rtaTimeoutUS uint64
	rtaRetries   int
	retryCount   int
	timer        sched.Handle
	hasTimer     bool

	pending  PDU
	queue    []Notification
	queueCap int
	ackHeld  bool
	heldSeq  uint16

	onConfirm ConfirmCallback
	onAck     AckCallback
	onAbort   func(err error)
}

// Config bundles Lane construction parameters.
type Config struct {
	Priority         Priority
	Scheduler        *sched.Scheduler
	Sender           FrameSender
	SrcRef, DstRef   uint16
	RTATimeoutFactor uint16 // x 100ms
	RTARetries       int    // 3..15
	QueueCapacity    int    // send FIFO depth; 0 means the default of 3
	OnConfirm        ConfirmCallback
	OnAck            AckCallback
	OnAbort          func(err error)
}

const rtaTimeoutBaseUS = 100000 // 100ms in microseconds

// New builds a Lane in the closed/idle states.
func New(cfg Config) *Lane {
	qc := cfg.QueueCapacity
	if qc <= 0 {
		qc = defaultQueueCapacity
	}
	return &Lane{
		queueCap:     qc,
		priority:     cfg.Priority,
		sched:        cfg.Scheduler,
		sender:       cfg.Sender,
		srcRef:       cfg.SrcRef,
		dstRef:       cfg.DstRef,
		rtaTimeoutUS: uint64(cfg.RTATimeoutFactor) * rtaTimeoutBaseUS,
		rtaRetries:   cfg.RTARetries,
		onConfirm:    cfg.OnConfirm,
		onAck:        cfg.OnAck,
		onAbort:      cfg.OnAbort,
		apmsState:    APMSOpen,
		apmrState:    APMROpen,
		alpmiState:   ALPMIWStart,
		alpmrState:   ALPMRWStart,
	}
}

// Send transmits a notification immediately. Returns ErrBusy without
// queueing while a prior send awaits its transport ACK; the caller
// retries later.
func (l *Lane) Send(n Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.apmsState == APMSWTack {
		return ErrBusy{}
	}
	l.sendLocked(n)
	return nil
}

// Enqueue transmits immediately when the lane is idle, otherwise
// appends to the lane's send FIFO for transmission once the pending
// ACK arrives. Returns ErrQueueFull when the FIFO has no room.
func (l *Lane) Enqueue(n Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.apmsState == APMSWTack {
		if len(l.queue) >= l.queueCap {
			return ErrQueueFull{}
		}
		l.queue = append(l.queue, n)
		return nil
	}
	l.sendLocked(n)
	return nil
}

func (l *Lane) sendLocked(n Notification) {
	if l.haveSendSeq {
		l.sendSeq++
	} else {
		l.haveSendSeq = true
	}
	pdu := PDU{
		Type:    PDUData,
		SendSeq: l.sendSeq,
		SrcRef:  l.srcRef,
		DstRef:  l.dstRef,
		TACK:    true,
		Payload: encodeNotification(n),
	}
	l.pending = pdu
	l.apmsState = APMSWTack
	l.alpmiState = ALPMIWAlarm
	l.retryCount = 0
	l.armTimerLocked()
	_ = l.sender.SendAlarmPDU(l.priority, pdu)
}

func (l *Lane) armTimerLocked() {
	if l.hasTimer {
		l.sched.Cancel(l.timer)
	}
	h, err := l.sched.Schedule(l.rtaTimeoutUS, l.onTimeout, nil, "alarm-rta")
	if err == nil {
		l.timer = h
		l.hasTimer = true
	}
}

func (l *Lane) onTimeout(_ interface{}, _ uint64) {
	l.mu.Lock()
	l.hasTimer = false
	if l.apmsState != APMSWTack {
		l.mu.Unlock()
		return
	}
	l.retryCount++
	if l.retryCount > l.rtaRetries {
		l.apmsState = APMSOpen
		l.alpmiState = ALPMIWStart
		abort := l.onAbort
		l.mu.Unlock()
		if abort != nil {
			abort(ErrRetriesExhausted{l.priority})
		}
		return
	}
	pdu := l.pending
	l.armTimerLocked()
	l.mu.Unlock()
	_ = l.sender.SendAlarmPDU(l.priority, pdu)
}

// OnReceive handles an inbound PDU on this lane: filter by
// src_ref/dst_ref, validate send-seq, ACK inbound DATA, and match an
// inbound ACK against the pending send.
func (l *Lane) OnReceive(pdu PDU) {
	if pdu.DstRef != l.srcRef || pdu.SrcRef != l.dstRef {
		return
	}
	switch pdu.Type {
	case PDUAck:
		l.onAckReceived(pdu)
	case PDUData:
		l.onDataReceived(pdu)
	}
}

func (l *Lane) onAckReceived(pdu PDU) {
	l.mu.Lock()
	if l.apmsState != APMSWTack || pdu.AckSeq != l.sendSeq {
		l.mu.Unlock()
		return
	}
	if l.hasTimer {
		l.sched.Cancel(l.timer)
		l.hasTimer = false
	}
	l.apmsState = APMSOpen
	l.alpmiState = ALPMIWStart
	var next *Notification
	if len(l.queue) > 0 {
		n := l.queue[0]
		l.queue = l.queue[1:]
		next = &n
	}
	confirm := l.onConfirm
	l.mu.Unlock()
	if confirm != nil {
		confirm(nil)
	}
	if next != nil {
		l.mu.Lock()
		l.sendLocked(*next)
		l.mu.Unlock()
	}
}

func (l *Lane) onDataReceived(pdu PDU) {
	l.mu.Lock()
	if l.haveExpect && pdu.SendSeq == l.expectSeq {
		// duplicate retransmission: ack again but don't re-deliver.
		l.mu.Unlock()
		l.sendAck(pdu.SendSeq)
		return
	}
	l.expectSeq = pdu.SendSeq
	l.haveExpect = true
	l.alpmrState = ALPMRWUserAck
	ack := l.onAck
	l.mu.Unlock()

	n := decodeNotification(pdu.Payload)
	var ackErr error
	if ack != nil {
		ackErr = ack(n)
	}
	if _, deferred := ackErr.(ErrDeferAck); deferred {
		l.mu.Lock()
		l.ackHeld = true
		l.heldSeq = pdu.SendSeq
		l.mu.Unlock()
		return
	}
	// the callback returning any other error aborts the AR; that
	// decision is the AR owner's, not this lane's.
	l.sendAck(pdu.SendSeq)

	l.mu.Lock()
	l.alpmrState = ALPMRWStart
	l.mu.Unlock()
}

// AckPending releases an ACK the application withheld by returning
// ErrDeferAck from its notification callback. A no-op when nothing is
// held.
func (l *Lane) AckPending() {
	l.mu.Lock()
	if !l.ackHeld {
		l.mu.Unlock()
		return
	}
	l.ackHeld = false
	seq := l.heldSeq
	l.alpmrState = ALPMRWStart
	l.mu.Unlock()
	l.sendAck(seq)
}

// SendSeq reports the sequence number of the most recent outbound
// notification.
func (l *Lane) SendSeq() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendSeq
}

// APMS reports the acyclic-send state tag.
func (l *Lane) APMS() APMSState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apmsState
}

func (l *Lane) sendAck(seq uint16) {
	l.mu.Lock()
	ack := PDU{Type: PDUAck, AckSeq: seq, SrcRef: l.srcRef, DstRef: l.dstRef}
	l.mu.Unlock()
	_ = l.sender.SendAlarmPDU(l.priority, ack)
}

func encodeNotification(n Notification) []byte {
	out := make([]byte, 0, 10+len(n.Payload))
	out = append(out, byte(n.API>>24), byte(n.API>>16), byte(n.API>>8), byte(n.API))
	out = append(out, byte(n.Slot>>8), byte(n.Slot))
	out = append(out, byte(n.Subslot>>8), byte(n.Subslot))
	out = append(out, byte(n.USI>>8), byte(n.USI))
	out = append(out, n.Payload...)
	return out
}

// EncodePDU flattens one RTA PDU to its wire bytes: type, flags
// (bit 0 = TACK), send-seq, ack-seq, src-ref, dst-ref, then payload,
// all multi-byte fields big-endian.
func EncodePDU(p PDU) []byte {
	out := make([]byte, 0, 10+len(p.Payload))
	out = append(out, byte(p.Type))
	var flags byte
	if p.TACK {
		flags |= 1
	}
	out = append(out, flags)
	out = append(out, byte(p.SendSeq>>8), byte(p.SendSeq))
	out = append(out, byte(p.AckSeq>>8), byte(p.AckSeq))
	out = append(out, byte(p.SrcRef>>8), byte(p.SrcRef))
	out = append(out, byte(p.DstRef>>8), byte(p.DstRef))
	out = append(out, p.Payload...)
	return out
}

// DecodePDU parses the layout EncodePDU produces.
func DecodePDU(b []byte) (PDU, bool) {
	if len(b) < 10 {
		return PDU{}, false
	}
	p := PDU{
		Type:    PDUType(b[0]),
		TACK:    b[1]&1 != 0,
		SendSeq: uint16(b[2])<<8 | uint16(b[3]),
		AckSeq:  uint16(b[4])<<8 | uint16(b[5]),
		SrcRef:  uint16(b[6])<<8 | uint16(b[7]),
		DstRef:  uint16(b[8])<<8 | uint16(b[9]),
	}
	if len(b) > 10 {
		p.Payload = b[10:]
	}
	return p, true
}

func decodeNotification(b []byte) Notification {
	if len(b) < 10 {
		return Notification{}
	}
	return Notification{
		API:     uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Slot:    uint32(b[4])<<8 | uint32(b[5]),
		Subslot: uint32(b[6])<<8 | uint32(b[7]),
		USI:     USI(uint16(b[8])<<8 | uint16(b[9])),
		Payload: b[10:],
	}
}
