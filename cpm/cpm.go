// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package cpm implements the consumer protocol machine: the per-IOCR
// receiver with a cycle-counter filter and data-hold watchdog. The
// received payload is double-buffered between the network receiver
// (producer) and the application poll (consumer) under one mutex.
package cpm

import (
	"sync"

	"github.com/rob-gra/pnio/sched"
)

// State is the CPM's coroutine-free state tag.
type State int

const (
	StateWStart State = iota
	StateFRun         // first-run, awaiting first valid frame
	StateRun
)

// AbortFunc is invoked when the data-hold watchdog expires; the owner
// aborts the AR with the consumer-DHT-expired error tuple.
type AbortFunc func()

// Config bundles CPM construction parameters.
type Config struct {
	Scheduler      *sched.Scheduler
	PeerMAC        [6]byte
	FrameIDs       [2]uint16 // up to two accepted frame IDs; second may be zero if unused
	NumFrameIDs    int
	MinPayloadLen  int
	Window         uint16 // cycle-counter acceptance window W
	DataHoldFactor uint16
	PeriodUS       uint64
	OnAbort        AbortFunc
	FrameSize      int
}

// CPM is one IOCR's consumer machine.
type CPM struct {
	mu sync.Mutex

	state State

	sched          *sched.Scheduler
	peerMAC        [6]byte
	frameIDs       [2]uint16
	numFrameIDs    int
	minPayloadLen  int
	window         uint16
	dataHoldFactor uint16
	periodUS       uint64
	onAbort        AbortFunc

	lastCounter uint16
	haveLast    bool

	watchdog    sched.Handle
	hasWatchdog bool

	// double-buffered received payload: front is read by the
	// application, back is filled by the Ethernet callback; swapped
	// under mu on successful accept.
	front, back  []byte
	newSinceRead bool

	dataStatus     byte
	lastDataStatus byte
	statusChanged  bool
}

// New builds a CPM in StateWStart.
func New(cfg Config) *CPM {
	return &CPM{
		state:          StateWStart,
		sched:          cfg.Scheduler,
		peerMAC:        cfg.PeerMAC,
		frameIDs:       cfg.FrameIDs,
		numFrameIDs:    cfg.NumFrameIDs,
		minPayloadLen:  cfg.MinPayloadLen,
		window:         cfg.Window,
		dataHoldFactor: cfg.DataHoldFactor,
		periodUS:       cfg.PeriodUS,
		onAbort:        cfg.OnAbort,
		front:          make([]byte, cfg.FrameSize),
		back:           make([]byte, cfg.FrameSize),
	}
}

// State reports the current state tag.
func (c *CPM) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate arms the data-hold watchdog and transitions W_START -> FRUN.
func (c *CPM) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateFRun
	c.armWatchdogLocked()
}

// Deactivate cancels the watchdog and returns to StateWStart.
func (c *CPM) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasWatchdog {
		c.sched.Cancel(c.watchdog)
		c.hasWatchdog = false
	}
	c.state = StateWStart
}

func (c *CPM) armWatchdogLocked() {
	if c.hasWatchdog {
		c.sched.Cancel(c.watchdog)
	}
	holdUS := uint64(c.dataHoldFactor) * c.periodUS
	h, err := c.sched.Schedule(holdUS, c.onWatchdog, nil, "cpm-dht")
	if err == nil {
		c.watchdog = h
		c.hasWatchdog = true
	}
}

func (c *CPM) onWatchdog(_ interface{}, _ uint64) {
	c.mu.Lock()
	c.hasWatchdog = false
	abort := c.onAbort
	c.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// acceptWindow is the cycle-counter filter: accept c' iff
// (c' - c) mod 2^16 lies in (0, W].
func acceptWindow(last, next, window uint16) bool {
	delta := next - last // uint16 wraparound performs the mod 2^16 subtraction
	return delta > 0 && delta <= window
}

// OnFrame is the Ethernet-callback entry point: classify and, if
// accepted, swap the receive buffer. srcMAC/frameID/payload come from
// the platform's raw-receive callback; cycleCounter/status are the
// trailer fields the caller has already parsed out of payload.
func (c *CPM) OnFrame(srcMAC [6]byte, frameID uint16, payload []byte, cycleCounter uint16, dataStatus byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if srcMAC != c.peerMAC {
		return false
	}
	matched := false
	for i := 0; i < c.numFrameIDs; i++ {
		if c.frameIDs[i] == frameID {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(payload) < c.minPayloadLen {
		return false
	}

	if c.haveLast {
		if !acceptWindow(c.lastCounter, cycleCounter, c.window) {
			return false
		}
	}

	c.lastCounter = cycleCounter
	c.haveLast = true

	n := copy(c.back, payload)
	c.back = c.back[:n]
	c.front, c.back = c.back, c.front
	c.newSinceRead = true

	c.lastDataStatus = c.dataStatus
	c.dataStatus = dataStatus
	if c.lastDataStatus != c.dataStatus {
		c.statusChanged = true
	}

	if c.state == StateFRun {
		c.state = StateRun
	}
	c.armWatchdogLocked()
	return true
}

// GetDataAndIOPS returns a coherent snapshot of the bytes at
// [offset:offset+n) plus a "new since last call" flag, regardless of
// whether the call is from within a tick or between ticks.
func (c *CPM) GetDataAndIOPS(offset, n int) (data []byte, isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset+n > len(c.front) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, c.front[offset:offset+n])
	isNew = c.newSinceRead
	c.newSinceRead = false
	return out, isNew
}

// DataStatusChanged reports and clears whether the received
// data-status changed since the last call.
func (c *CPM) DataStatusChanged() (status byte, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed = c.statusChanged
	c.statusChanged = false
	return c.dataStatus, changed
}
