// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package rpc implements the DCE/RPC request/response machinery:
// header decode, fragment reassembly, session tracking, and response
// emission for Connect/Read/Write/Control. Session bookkeeping is
// indexed by arena slot rather than by owning pointer.
package rpc

import (
	"sync"
	"time"

	"github.com/rob-gra/pnio/sched"
)

// PacketType is the DCE/RPC v4 packet type.
type PacketType uint8

const (
	PTRequest   PacketType = 0
	PTPing      PacketType = 1
	PTResponse  PacketType = 2
	PTFault     PacketType = 3
	PTWorking   PacketType = 4
	PTRespPing  PacketType = 5
	PTReject    PacketType = 6
	PTAck       PacketType = 7
	PTClCancel  PacketType = 8
	PTFragAck   PacketType = 9
	PTCancelAck PacketType = 10
)

// Flags is the DCE/RPC flags bitfield.
type Flags uint8

const (
	FlagLastFragment Flags = 1 << iota
	FlagFragment
	FlagNoFack
	FlagMaybe
	FlagIdempotent
	FlagBroadcast
)

// Opnum selects the handler.
type Opnum uint8

const (
	OpnumConnect Opnum = iota
	OpnumRelease
	OpnumRead
	OpnumWrite
	OpnumControl
	OpnumReadImplicit
)

// Header carries the PDU fields this engine routes on. BigEndian is
// the RPC header's own endianness flag; both orders are accepted.
type Header struct {
	PacketType   PacketType
	Flags        Flags
	BigEndian    bool
	ActivityUUID [16]byte
	SeqNum       uint32
	FragNum      uint16
	Opnum        Opnum
}

func (h Header) IsFragmented() bool { return h.Flags&FlagFragment != 0 }
func (h Header) IsLastFragment() bool { return h.Flags&FlagLastFragment != 0 }

// ErrorTuple is the 4-byte structured failure value embedded in
// failure responses.
type ErrorTuple struct {
	ErrorCode   byte
	ErrorDecode byte
	ErrorCode1  byte
	ErrorCode2  byte
}

func (e ErrorTuple) Error() string {
	return "rpc fault " +
		hex(e.ErrorCode) + "/" + hex(e.ErrorDecode) + "/" + hex(e.ErrorCode1) + "/" + hex(e.ErrorCode2)
}

func hex(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

// RPC error_code class values.
const (
	ErrCodeGeneric  byte = 0x81
	ErrCodeRTA      byte = 0xCF
	ErrCodeAlarmAck byte = 0xDA
	ErrCodeConnect  byte = 0xDB
	ErrCodeRelease  byte = 0xDC
	ErrCodeControl  byte = 0xDD
	ErrCodeRead     byte = 0xDE
	ErrCodeWrite    byte = 0xDF
)

// error_decode values.
const (
	ErrDecodeReadWrite    byte = 0x80
	ErrDecodePNIOFault    byte = 0x81
	ErrDecodeManufacturer byte = 0x82
)

// error_code_1 component identifiers.
const (
	CompCMDEV       byte = 0x01
	CompCMRPC       byte = 0x02
	CompALPMI       byte = 0x03
	CompAPMS        byte = 0x04
	CompCPM         byte = 0x05
	CompPPM         byte = 0x06
	CompCMSM        byte = 0x07
	CompCMRDR       byte = 0x08
	CompCMWRR       byte = 0x09
	CompCMIO        byte = 0x0A
	CompCMSU        byte = 0x0B
	CompCMINA       byte = 0x0C
	CompCMPBE       byte = 0x0D
	CompRTAProtocol byte = 0xFD
)

// Session is scoped to one peer RPC activity-UUID.
type Session struct {
	inUse        bool
	activityUUID [16]byte

	inFrags map[uint16][]byte
	inSeen  map[uint16]bool
	lastIn  uint16
	haveIn  bool

	outBuf   []byte
	outSeq   uint32
	retries  int
	deadline uint64 // scheduler time the partial reassembly is reaped at
	killFlag bool

	fragTimer    sched.Handle
	hasFragTimer bool
}

const fragTimeout = 2 * time.Second
const cControlTimeout = 2 * time.Second
const maxRetries = 5

// ErrFull is returned by Allocate when the session table has no free
// slot.
type ErrFull struct{}

func (ErrFull) Error() string { return "session table full" }

// ErrOutOfOrder is returned when LAST_FRAGMENT arrives but a prior
// fragment is missing.
type ErrOutOfOrder struct{}

func (ErrOutOfOrder) Error() string { return "fragment reassembly incomplete" }

// Handle is a stable reference to a Session.
type Handle int

// Table is the fixed-capacity session arena, sized for two sessions
// per AR plus one spare.
type Table struct {
	mu       sync.Mutex
	sessions []Session
}

// NewTable allocates a session table with room for capacity sessions.
func NewTable(capacity int) *Table {
	return &Table{sessions: make([]Session, capacity)}
}

// Lookup finds an in-use session by activity UUID, or allocates a
// fresh one.
func (t *Table) Lookup(activityUUID [16]byte) (Handle, *Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.sessions {
		if t.sessions[i].inUse && t.sessions[i].activityUUID == activityUUID {
			return Handle(i), &t.sessions[i], nil
		}
	}
	for i := range t.sessions {
		if !t.sessions[i].inUse {
			t.sessions[i] = Session{
				inUse:        true,
				activityUUID: activityUUID,
				inFrags:      make(map[uint16][]byte),
				inSeen:       make(map[uint16]bool),
			}
			return Handle(i), &t.sessions[i], nil
		}
	}
	return -1, nil, ErrFull{}
}

// Get returns the session at h without allocating.
func (t *Table) Get(h Handle) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.sessions) || !t.sessions[h].inUse {
		return nil, false
	}
	return &t.sessions[h], true
}

// Free releases the session slot.
func (t *Table) Free(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.sessions) {
		return
	}
	t.sessions[h] = Session{}
}

// AppendFragment buffers one inbound fragment by fragment number and,
// on LAST_FRAGMENT, requires all prior fragments to be present,
// returning the reassembled body in order. Any arrival order that
// honours the last-fragment flag yields the same byte sequence.
func (t *Table) AppendFragment(h Handle, fragNum uint16, last bool, body []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.sessions) || !t.sessions[h].inUse {
		return nil, false, ErrOutOfOrder{}
	}
	s := &t.sessions[h]
	buf := make([]byte, len(body))
	copy(buf, body)
	s.inFrags[fragNum] = buf
	s.inSeen[fragNum] = true
	if !last {
		return nil, false, nil
	}
	// every fragment number from 0..fragNum must be present.
	var out []byte
	for i := uint16(0); i <= fragNum; i++ {
		part, ok := s.inFrags[i]
		if !ok {
			return nil, false, ErrOutOfOrder{}
		}
		out = append(out, part...)
	}
	s.inFrags = make(map[uint16][]byte)
	s.inSeen = make(map[uint16]bool)
	return out, true, nil
}

// Kill marks the session for teardown; the caller should then call
// Free.
func (s *Session) Kill() { s.killFlag = true }

// Killed reports whether Kill has been called.
func (s *Session) Killed() bool { return s.killFlag }

// singlePDULimit is the largest body one RPC PDU may carry before
// fragmentation is required.
const singlePDULimit = 1024

// Fragment splits body into PDU-sized chunks for a multi-fragment
// response, the last one flagged LAST_FRAGMENT.
func Fragment(body []byte) [][]byte {
	if len(body) <= singlePDULimit {
		return [][]byte{body}
	}
	var out [][]byte
	for len(body) > 0 {
		n := singlePDULimit
		if n > len(body) {
			n = len(body)
		}
		out = append(out, body[:n])
		body = body[n:]
	}
	return out
}
