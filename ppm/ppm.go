// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package ppm implements the provider protocol machine: the per-IOCR
// periodic transmitter of cyclic data frames. The machine is a plain
// tagged state driven entirely by scheduler callbacks; no goroutine
// is spawned per frame or per IOCR.
package ppm

import (
	"sync"

	"github.com/rob-gra/pnio/sched"
)

// State is the PPM's coroutine-free state tag.
type State int

const (
	StateWStart State = iota // created but not armed
	StateRun                 // periodically transmitting
)

// IODataDesc maps one (API, slot, subslot) to byte offsets within the
// frame payload.
type IODataDesc struct {
	API, Slot, Subslot uint32
	DataOffset         int
	DataLen            int
	IOPSOffset         int
}

// DataStatus bits, LSB first.
type DataStatus struct {
	State                   bool // primary=true / backup=false
	Redundancy              bool
	DataValid               bool
	ProviderStateRun        bool
	StationProblemIndicator bool // true=normal, false=problem
	Ignore                  bool
}

// Value packs DataStatus into its wire byte.
func (d DataStatus) Value() byte {
	var v byte
	if d.State {
		v |= 1 << 0
	}
	if d.Redundancy {
		v |= 1 << 1
	}
	if d.DataValid {
		v |= 1 << 2
	}
	// bit 3 reserved
	if d.ProviderStateRun {
		v |= 1 << 4
	}
	if d.StationProblemIndicator {
		v |= 1 << 5
	}
	// bit 6 reserved
	if d.Ignore {
		v |= 1 << 7
	}
	return v
}

// FrameSender is the platform hook PPM uses to actually place a built
// frame onto the wire.
type FrameSender interface {
	SendRawFrame(frame []byte) error
}

// PPM is one IOCR's provider machine. Construct with New; Activate
// arms it, Deactivate cancels its timer.
type PPM struct {
	mu sync.Mutex

	state State

	sched    *sched.Scheduler
	sender   FrameSender
	timer    sched.Handle
	hasTimer bool

	periodUS        uint64
	sendClockFactor uint16

	destMAC, srcMAC [6]byte
	vlanPriority    uint8
	useVLAN         bool
	frameID         uint16

	descs        []IODataDesc
	payload      []byte // fixed layout: data/IOPS/IOCS region, cycle counter, data status, transfer status
	cycleOffset  int
	statusOffset int

	cycleCounter   uint16
	dataStatus     DataStatus
	transferStatus byte

	txErrors uint64
}

// Config bundles PPM construction parameters.
type Config struct {
	Scheduler       *sched.Scheduler
	Sender          FrameSender
	SendClockFactor uint16 // x 31.25us
	ReductionRatio  uint16
	DestMAC, SrcMAC [6]byte
	VLANPriority    uint8
	UseVLAN         bool
	FrameID         uint16
	Descs           []IODataDesc
	FrameSize       int // total payload size incl. cycle counter/status trailer
}

// The send-clock base unit is 31.25us; kept in nanoseconds so the
// period stays integral before the microsecond conversion.
const sendClockNS = 31250

// New builds a PPM in StateWStart with a payload buffer sized for
// FrameSize, laying the cycle counter / data status / transfer status
// trailer at its tail.
func New(cfg Config) *PPM {
	payload := make([]byte, cfg.FrameSize)
	p := &PPM{
		state:           StateWStart,
		sched:           cfg.Scheduler,
		sender:          cfg.Sender,
		periodUS:        uint64(cfg.SendClockFactor) * uint64(cfg.ReductionRatio) * sendClockNS / 1000,
		sendClockFactor: cfg.SendClockFactor,
		destMAC:         cfg.DestMAC,
		srcMAC:          cfg.SrcMAC,
		vlanPriority:    cfg.VLANPriority,
		useVLAN:         cfg.UseVLAN,
		frameID:         cfg.FrameID,
		descs:           cfg.Descs,
		payload:         payload,
		cycleOffset:     cfg.FrameSize - 4,
		statusOffset:    cfg.FrameSize - 2,
	}
	return p
}

// State reports the current state tag.
func (p *PPM) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PeriodUS reports the configured transmission period.
func (p *PPM) PeriodUS() uint64 { return p.periodUS }

// Activate arms the PPM: the first transmission starts no sooner than
// the first scheduler tick after Activate.
func (p *PPM) Activate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRun {
		return
	}
	p.state = StateRun
	h, err := p.sched.Schedule(p.periodUS, p.onTimer, nil, "ppm")
	if err == nil {
		p.timer = h
		p.hasTimer = true
	}
}

// Deactivate cancels the timer and returns to StateWStart.
func (p *PPM) Deactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasTimer {
		p.sched.Cancel(p.timer)
		p.hasTimer = false
	}
	p.state = StateWStart
}

func (p *PPM) onTimer(_ interface{}, _ uint64) {
	p.mu.Lock()
	if p.state != StateRun {
		p.mu.Unlock()
		return
	}
	frame := p.buildFrameLocked()
	h, err := p.sched.Schedule(p.periodUS, p.onTimer, nil, "ppm")
	if err == nil {
		p.timer = h
	}
	p.mu.Unlock()

	if err := p.sender.SendRawFrame(frame); err != nil {
		p.mu.Lock()
		p.txErrors++
		p.mu.Unlock()
	}
}

// buildFrameLocked increments the cycle counter by sendClockFactor
// (wrapping at 2^16), writes the status trailer, and returns a frame
// ready for the platform's raw send. Must be called with p.mu held.
func (p *PPM) buildFrameLocked() []byte {
	p.cycleCounter += p.sendClockFactor
	p.payload[p.cycleOffset] = byte(p.cycleCounter >> 8)
	p.payload[p.cycleOffset+1] = byte(p.cycleCounter)
	p.payload[p.statusOffset] = p.dataStatus.Value()
	p.payload[p.statusOffset+1] = p.transferStatus

	var header []byte
	header = append(header, p.destMAC[:]...)
	header = append(header, p.srcMAC[:]...)
	if p.useVLAN {
		header = append(header, 0x81, 0x00)
		tci := uint16(p.vlanPriority&0x7) << 13
		header = append(header, byte(tci>>8), byte(tci))
	}
	header = append(header, 0x88, 0x92) // EtherType
	header = append(header, byte(p.frameID>>8), byte(p.frameID))

	frame := make([]byte, 0, len(header)+len(p.payload))
	frame = append(frame, header...)
	frame = append(frame, p.payload...)
	return frame
}

// WriteDataAndIOPS copies data and the 1-byte provider status into the
// fixed offsets for desc.
func (p *PPM) WriteDataAndIOPS(desc IODataDesc, data []byte, iops byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.payload[desc.DataOffset:desc.DataOffset+desc.DataLen], data)
	p.payload[desc.IOPSOffset] = iops
}

// WriteIOCS copies the consumer status the device has for the
// corresponding controller-provided subslot.
func (p *PPM) WriteIOCS(offset int, iocs byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload[offset] = iocs
}

// SetDataStatus updates the outgoing data-status bits, used by the
// device-wide state switches which act across all PPMs.
func (p *PPM) SetDataStatus(ds DataStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataStatus = ds
}

// TxErrors reports the transmission-error counter. Send failures are
// counted, never a state transition.
func (p *PPM) TxErrors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.txErrors
}

// CycleCounter reports the last transmitted cycle counter value.
func (p *PPM) CycleCounter() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycleCounter
}
