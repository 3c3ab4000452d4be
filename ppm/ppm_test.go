// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ppm

import (
	"testing"

	"github.com/rob-gra/pnio/sched"
)

type captureSender struct {
	frames [][]byte
	fail   bool
}

func (c *captureSender) SendRawFrame(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	if c.fail {
		return errSend{}
	}
	return nil
}

type errSend struct{}

func (errSend) Error() string { return "send failed" }

func newTestPPM(s *sched.Scheduler, sender FrameSender) *PPM {
	return New(Config{
		Scheduler:       s,
		Sender:          sender,
		SendClockFactor: 32,
		ReductionRatio:  1,
		DestMAC:         [6]byte{0x01, 0x0E, 0xCF, 0, 0, 1},
		SrcMAC:          [6]byte{0x02, 0, 0, 0, 0, 1},
		VLANPriority:    6,
		UseVLAN:         true,
		FrameID:         0x8001,
		Descs: []IODataDesc{
			{DataOffset: 0, DataLen: 1, IOPSOffset: 1},
		},
		FrameSize: 6, // 1 data + 1 iops + trailer
	})
}

func TestCadenceAndCycleCounter(t *testing.T) {
	s := sched.New(4)
	cap := &captureSender{}
	p := newTestPPM(s, cap)

	if p.PeriodUS() != 1000 {
		t.Fatalf("period: want 1000us, got %d", p.PeriodUS())
	}

	p.Activate()
	if p.State() != StateRun {
		t.Fatal("not in RUN after activate")
	}
	if len(cap.frames) != 0 {
		t.Fatal("transmitted before the first tick")
	}

	for now := uint64(1000); now <= 5000; now += 1000 {
		s.Tick(now)
	}
	if len(cap.frames) != 5 {
		t.Fatalf("want 5 frames over 5ms, got %d", len(cap.frames))
	}

	// cycle counter advances by the send clock factor each frame
	var last uint16
	for i, f := range cap.frames {
		cycle := parseCycle(t, f)
		if i > 0 && cycle-last != 32 {
			t.Fatalf("frame %d: cycle delta %d, want 32", i, cycle-last)
		}
		last = cycle
	}
}

// parseCycle extracts the cycle counter from a built frame:
// 12 bytes addressing + 4 VLAN + 2 EtherType + 2 frame ID, then the
// payload whose last 4 bytes are cycle(2) status(1) transfer(1).
func parseCycle(t *testing.T, f []byte) uint16 {
	t.Helper()
	if len(f) < 26 {
		t.Fatalf("frame too short: %d", len(f))
	}
	if f[12] != 0x81 || f[13] != 0x00 {
		t.Fatal("vlan tag missing")
	}
	if f[16] != 0x88 || f[17] != 0x92 {
		t.Fatal("wrong ethertype")
	}
	if f[18] != 0x80 || f[19] != 0x01 {
		t.Fatal("wrong frame id")
	}
	payload := f[20:]
	off := len(payload) - 4
	return uint16(payload[off])<<8 | uint16(payload[off+1])
}

func TestWriteDataAndStatusBits(t *testing.T) {
	s := sched.New(4)
	cap := &captureSender{}
	p := newTestPPM(s, cap)

	p.WriteDataAndIOPS(IODataDesc{DataOffset: 0, DataLen: 1, IOPSOffset: 1}, []byte{0x42}, 0x80)
	p.SetDataStatus(DataStatus{
		State:                   true,
		DataValid:               true,
		ProviderStateRun:        true,
		StationProblemIndicator: true,
	})
	p.Activate()
	s.Tick(1000)

	if len(cap.frames) != 1 {
		t.Fatal("no frame")
	}
	payload := cap.frames[0][20:]
	if payload[0] != 0x42 {
		t.Fatalf("data byte: want 0x42, got %#x", payload[0])
	}
	if payload[1] != 0x80 {
		t.Fatalf("iops: want 0x80, got %#x", payload[1])
	}
	status := payload[len(payload)-2]
	// state(1) | data-valid(1<<2) | run(1<<4) | no-problem(1<<5)
	if status != 0x35 {
		t.Fatalf("data status: want 0x35, got %#x", status)
	}
}

func TestDeactivateStopsTransmission(t *testing.T) {
	s := sched.New(4)
	cap := &captureSender{}
	p := newTestPPM(s, cap)

	p.Activate()
	s.Tick(1000)
	p.Deactivate()
	if p.State() != StateWStart {
		t.Fatal("not back in W_START")
	}
	s.Tick(5000)
	if len(cap.frames) != 1 {
		t.Fatalf("transmitted after deactivate: %d frames", len(cap.frames))
	}
}

func TestSendErrorsAreCountedNotFatal(t *testing.T) {
	s := sched.New(4)
	cap := &captureSender{fail: true}
	p := newTestPPM(s, cap)

	p.Activate()
	s.Tick(1000)
	s.Tick(2000)

	if p.TxErrors() != 2 {
		t.Fatalf("want 2 tx errors, got %d", p.TxErrors())
	}
	if p.State() != StateRun {
		t.Fatal("send errors must not change state")
	}
}

func TestDataStatusBitLayout(t *testing.T) {
	tests := []struct {
		ds   DataStatus
		want byte
	}{
		{DataStatus{}, 0x00},
		{DataStatus{State: true}, 0x01},
		{DataStatus{Redundancy: true}, 0x02},
		{DataStatus{DataValid: true}, 0x04},
		{DataStatus{ProviderStateRun: true}, 0x10},
		{DataStatus{StationProblemIndicator: true}, 0x20},
		{DataStatus{Ignore: true}, 0x80},
	}
	for _, tt := range tests {
		if got := tt.ds.Value(); got != tt.want {
			t.Fatalf("%+v: want %#x, got %#x", tt.ds, tt.want, got)
		}
	}
}
