// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package frameid implements the frame-ID demultiplexer:
// a fixed-capacity table mapping a 16-bit frame ID to a handler. It is
// the routing layer every inbound Ethernet frame passes through before
// reaching CPM, the alarm machines, the RPC dispatcher, or discovery.
package frameid

import "sync"

// FrameIDRange is a named RT-class/alarm/discovery band, used by
// callers validating a requested frame ID before Register.
type FrameIDRange struct {
	Name string
	Low  uint16
	High uint16
}

var Ranges = []FrameIDRange{
	{"reserved", 0x0100, 0x0FFF},
	{"rt-class-2", 0x8000, 0xBFFF},
	{"rt-class-1-legacy", 0xC000, 0xFAFF},
	{"alarm-high", 0xFC01, 0xFC01},
	{"alarm-low", 0xFE01, 0xFE01},
	{"discovery", 0xFEFC, 0xFEFF},
}

// Handler is invoked with the frame ID that matched, the handler's
// registration argument, and the bytes given to Dispatch, unchanged
// (the table strips neither the frame-ID nor any header).
type Handler func(frameID uint16, arg interface{}, payload []byte)

type entry struct {
	inUse   bool
	frameID uint16
	handler Handler
	arg     interface{}
}

// Table is the fixed-capacity frame-ID routing table. Zero value is
// not usable; construct with NewTable.
type Table struct {
	mu      sync.RWMutex
	entries []entry
}

// NewTable allocates a table with room for capacity entries. The
// caller sizes it for two frame IDs per IOCR per AR plus the fixed
// discovery and alarm registrations.
func NewTable(capacity int) *Table {
	return &Table{entries: make([]entry, capacity)}
}

// ErrFull is returned by Register when every slot is in use.
type ErrFull struct{}

func (ErrFull) Error() string { return "frame-id table full" }

// ErrDuplicate is returned by Register when frameID is already
// registered. No two in-use entries may share a frame ID; the table
// enforces that at registration time.
type ErrDuplicate struct{ FrameID uint16 }

func (e ErrDuplicate) Error() string { return "frame-id already registered" }

// Handle is a stable registration handle returned by Register, used
// to Deregister later.
type Handle int

// Register reserves a free entry for frameID. The tick thread is the
// only writer; readers (the Ethernet callback) only ever observe a
// fully-formed entry or a zeroed, in-use==false one.
func (t *Table) Register(frameID uint16, handler Handler, arg interface{}) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	free := -1
	for i := range t.entries {
		if t.entries[i].inUse {
			if t.entries[i].frameID == frameID {
				return -1, ErrDuplicate{frameID}
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return -1, ErrFull{}
	}
	t.entries[free] = entry{inUse: true, frameID: frameID, handler: handler, arg: arg}
	return Handle(free), nil
}

// Deregister clears the entry identified by handle. A no-op on an
// already-cleared handle.
func (t *Table) Deregister(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || int(h) >= len(t.entries) {
		return
	}
	t.entries[h] = entry{}
}

// Dispatch looks up frameID and invokes its handler with payload.
// Unknown frame IDs are dropped silently; lookup is linear over the
// fixed-capacity table.
func (t *Table) Dispatch(frameID uint16, payload []byte) {
	t.mu.RLock()
	var h Handler
	var arg interface{}
	for i := range t.entries {
		if t.entries[i].inUse && t.entries[i].frameID == frameID {
			h = t.entries[i].handler
			arg = t.entries[i].arg
			break
		}
	}
	t.mu.RUnlock()
	if h != nil {
		h(frameID, arg, payload)
	}
}

// InUseCount reports the number of occupied entries, for diagnostics
// and tests.
func (t *Table) InUseCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].inUse {
			n++
		}
	}
	return n
}
