// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"github.com/rob-gra/pnio/alarm"
	"github.com/rob-gra/pnio/cmdev"
	"github.com/rob-gra/pnio/cpm"
	"github.com/rob-gra/pnio/frameid"
	"github.com/rob-gra/pnio/ppm"
	"github.com/rob-gra/pnio/wire"
)

// AREP is the device-local application-relation handle handed to the
// application. Handle 0 is never issued.
type AREP uint16

// iocrKind mirrors the IOCRType field of a Connect request.
type iocrKind uint16

const (
	iocrInput  iocrKind = 1 // device is provider
	iocrOutput iocrKind = 2 // device is consumer
)

// ioDesc maps one (API, slot, subslot) to its byte offsets inside the
// cyclic frame payload. For an input IOCR the data and IOPS offsets
// address the outgoing frame and IOCS the incoming one; for an output
// IOCR it is the other way around.
type ioDesc struct {
	api           uint32
	slot, subslot uint16
	dataOffset    int
	dataLen       int
	iopsOffset    int
}

// iocsDesc locates the consumer-status byte the opposite side carries
// for a subslot provided by this side's peer.
type iocsDesc struct {
	api           uint32
	slot, subslot uint16
	iocsOffset    int
}

type descKey struct {
	api           uint32
	slot, subslot uint16
}

// iocr is one cyclic stream of an AR: either a PPM (input) or a CPM
// (output), never both.
type iocr struct {
	kind            iocrKind
	ref             uint16
	frameID         uint16
	sendClockFactor uint16
	reductionRatio  uint16
	dataHoldFactor  uint16
	frameSize       int

	descs []ioDesc
	iocs  []iocsDesc

	ppm *ppm.PPM
	cpm *cpm.CPM

	demuxReg    frameid.Handle
	hasDemuxReg bool
}

func (c *iocr) findDesc(api uint32, slot, subslot uint16) (ioDesc, bool) {
	for _, d := range c.descs {
		if d.api == api && d.slot == slot && d.subslot == subslot {
			return d, true
		}
	}
	return ioDesc{}, false
}

func (c *iocr) findIOCS(api uint32, slot, subslot uint16) (iocsDesc, bool) {
	for _, d := range c.iocs {
		if d.api == api && d.slot == slot && d.subslot == subslot {
			return d, true
		}
	}
	return iocsDesc{}, false
}

// ar is one application relation. The device owns the arena; an AR
// slot is vacated on release or abort.
type ar struct {
	inUse bool
	arep  AREP

	peerMAC      [6]byte
	peerIP       [4]byte
	peerPort     uint16
	arUUID       wire.UUID
	sessionKey   uint16
	activityUUID [16]byte

	cm    *cmdev.CMDEV
	iocrs []*iocr

	lanes        [2]*alarm.Lane // indexed by alarm.Priority
	alarmRef     uint16
	peerAlarmRef uint16
	maxAlarmLen  int

	// inputSet tracks which provider descriptors have had data+IOPS
	// written at least once; ApplicationReady requires all of them.
	inputSet map[descKey]bool

	fault *Fault
}

func (a *ar) provider() *iocr {
	for _, c := range a.iocrs {
		if c.kind == iocrInput {
			return c
		}
	}
	return nil
}

func (a *ar) consumer() *iocr {
	for _, c := range a.iocrs {
		if c.kind == iocrOutput {
			return c
		}
	}
	return nil
}

func (a *ar) allInputsSet() bool {
	p := a.provider()
	if p == nil {
		return true
	}
	for _, d := range p.descs {
		if !a.inputSet[descKey{d.api, d.slot, d.subslot}] {
			return false
		}
	}
	return true
}
