// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cpm

import (
	"testing"

	"github.com/rob-gra/pnio/sched"
)

var peer = [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

func newTestCPM(s *sched.Scheduler, aborted *bool) *CPM {
	return New(Config{
		Scheduler:      s,
		PeerMAC:        peer,
		FrameIDs:       [2]uint16{0x8001, 0},
		NumFrameIDs:    1,
		MinPayloadLen:  4,
		Window:         96, // three periods of counter progress
		DataHoldFactor: 3,
		PeriodUS:       1000,
		FrameSize:      8,
		OnAbort:        func() { *aborted = true },
	})
}

func frame(n int) []byte { return make([]byte, n) }

func TestAcceptanceFilter(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	// wrong source MAC
	if c.OnFrame([6]byte{9, 9, 9, 9, 9, 9}, 0x8001, frame(8), 32, 0x35) {
		t.Fatal("accepted frame from wrong peer")
	}
	// wrong frame ID
	if c.OnFrame(peer, 0x8002, frame(8), 32, 0x35) {
		t.Fatal("accepted wrong frame id")
	}
	// undersized payload
	if c.OnFrame(peer, 0x8001, frame(2), 32, 0x35) {
		t.Fatal("accepted undersized payload")
	}
	// all filters pass
	if !c.OnFrame(peer, 0x8001, frame(8), 32, 0x35) {
		t.Fatal("rejected a valid frame")
	}
	if c.State() != StateRun {
		t.Fatal("first accept must move FRUN -> RUN")
	}
}

func TestCycleCounterWindow(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	if !c.OnFrame(peer, 0x8001, frame(8), 1000, 0) {
		t.Fatal("first frame rejected")
	}
	// stale counter (not ahead)
	if c.OnFrame(peer, 0x8001, frame(8), 1000, 0) {
		t.Fatal("accepted duplicate counter")
	}
	if c.OnFrame(peer, 0x8001, frame(8), 990, 0) {
		t.Fatal("accepted stale counter")
	}
	// beyond the window
	if c.OnFrame(peer, 0x8001, frame(8), 1000+97, 0) {
		t.Fatal("accepted counter beyond window")
	}
	// within the window
	if !c.OnFrame(peer, 0x8001, frame(8), 1032, 0) {
		t.Fatal("rejected in-window counter")
	}
}

func TestCycleCounterWrap(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	if !c.OnFrame(peer, 0x8001, frame(8), 0xFFF0, 0) {
		t.Fatal("first frame rejected")
	}
	// wraps past zero, still within the window
	if !c.OnFrame(peer, 0x8001, frame(8), 0x0010, 0) {
		t.Fatal("rejected wrapped in-window counter")
	}
}

func TestAcceptedCountersStrictlyIncrease(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	counters := []uint16{100, 90, 132, 132, 164, 150, 196}
	var accepted []uint16
	for _, cc := range counters {
		if c.OnFrame(peer, 0x8001, frame(8), cc, 0) {
			accepted = append(accepted, cc)
		}
	}
	for i := 1; i < len(accepted); i++ {
		if accepted[i]-accepted[i-1] == 0 || accepted[i]-accepted[i-1] > 96 {
			t.Fatalf("accepted subsequence not strictly increasing in window: %v", accepted)
		}
	}
}

func TestDataHoldWatchdog(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	// frames keep arriving: watchdog keeps rearming
	c.OnFrame(peer, 0x8001, frame(8), 32, 0)
	s.Tick(1000)
	c.OnFrame(peer, 0x8001, frame(8), 64, 0)
	s.Tick(2000)
	if aborted {
		t.Fatal("watchdog fired while frames were flowing")
	}

	// silence for data_hold_factor x period
	s.Tick(2000 + 3*1000)
	if !aborted {
		t.Fatal("watchdog did not fire after 3 missed periods")
	}
}

func TestDeactivateCancelsWatchdog(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()
	c.Deactivate()
	s.Tick(10_000)
	if aborted {
		t.Fatal("watchdog fired after deactivate")
	}
	if c.State() != StateWStart {
		t.Fatal("not back in W_START")
	}
}

func TestGetDataAndNewFlag(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	payload := []byte{0x42, 0x80, 0, 0, 0, 0, 0, 0}
	if !c.OnFrame(peer, 0x8001, payload, 32, 0) {
		t.Fatal("frame rejected")
	}

	data, isNew := c.GetDataAndIOPS(0, 2)
	if !isNew {
		t.Fatal("first read must report new data")
	}
	if data[0] != 0x42 || data[1] != 0x80 {
		t.Fatalf("wrong snapshot: %v", data)
	}
	_, isNew = c.GetDataAndIOPS(0, 2)
	if isNew {
		t.Fatal("second read without a new frame must not report new")
	}
	if _, isNew := c.GetDataAndIOPS(6, 4); isNew {
		t.Fatal("out-of-range read must fail closed")
	}
}

func TestDataStatusChangeSurfaced(t *testing.T) {
	s := sched.New(4)
	var aborted bool
	c := newTestCPM(s, &aborted)
	c.Activate()

	c.OnFrame(peer, 0x8001, frame(8), 32, 0x35)
	if st, changed := c.DataStatusChanged(); !changed || st != 0x35 {
		t.Fatalf("first status not surfaced: %#x %v", st, changed)
	}
	c.OnFrame(peer, 0x8001, frame(8), 64, 0x35)
	if _, changed := c.DataStatusChanged(); changed {
		t.Fatal("unchanged status reported as changed")
	}
	c.OnFrame(peer, 0x8001, frame(8), 96, 0x15)
	if st, changed := c.DataStatusChanged(); !changed || st != 0x15 {
		t.Fatalf("status change not surfaced: %#x %v", st, changed)
	}
}
