// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package discovery implements the link-layer discovery/configuration
// subprotocol: identify request/response, set-name, set-IP, factory
// reset, and the startup HELLO burst for an unnamed station.
package discovery

import (
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/rob-gra/pnio/plog"
	"github.com/rob-gra/pnio/sched"
)

// ServiceID is the DCP service selector carried in every frame.
type ServiceID uint8

const (
	ServiceGet      ServiceID = 3
	ServiceSet      ServiceID = 4
	ServiceIdentify ServiceID = 5
	ServiceHello    ServiceID = 6
)

// ServiceType distinguishes requests from responses.
type ServiceType uint8

const (
	ServiceRequest ServiceType = 0
	ServiceSuccess ServiceType = 1
)

// Option/suboption pairs for the TLV blocks this device understands.
const (
	OptionIP               uint8 = 1
	SuboptionIPParameter   uint8 = 2
	OptionDevice           uint8 = 2
	SuboptionVendorName    uint8 = 1
	SuboptionNameOfStation uint8 = 2
	SuboptionDeviceID      uint8 = 3
	OptionControl          uint8 = 5
	SuboptionSignal        uint8 = 3
	SuboptionFactoryReset  uint8 = 6
	OptionAll              uint8 = 0xFF
	SuboptionAll           uint8 = 0xFF
)

// ResetMode distinguishes a communication-parameters-only reset from a
// full application-data reset, signalled by the factory-reset block's
// qualifier.
type ResetMode int

const (
	ResetCommunicationOnly ResetMode = iota
	ResetFull
)

// Block is one decoded TLV.
type Block struct {
	Option    uint8
	Suboption uint8
	Data      []byte
}

// Frame is one decoded DCP PDU (the bytes following the frame ID).
type Frame struct {
	Service ServiceID
	Type    ServiceType
	XID     uint32
	Delay   uint16
	Blocks  []Block
}

// ParseFrame decodes the DCP fixed header and its TLV blocks. Truncated
// frames return false; a truncated trailing block is dropped rather
// than failing the whole frame, since padding bytes are common.
func ParseFrame(b []byte) (Frame, bool) {
	if len(b) < 10 {
		return Frame{}, false
	}
	f := Frame{
		Service: ServiceID(b[0]),
		Type:    ServiceType(b[1]),
		XID:     uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		Delay:   uint16(b[6])<<8 | uint16(b[7]),
	}
	dataLen := int(uint16(b[8])<<8 | uint16(b[9]))
	rest := b[10:]
	if dataLen < len(rest) {
		rest = rest[:dataLen]
	}
	for len(rest) >= 4 {
		blkLen := int(uint16(rest[2])<<8 | uint16(rest[3]))
		if 4+blkLen > len(rest) {
			break
		}
		f.Blocks = append(f.Blocks, Block{
			Option:    rest[0],
			Suboption: rest[1],
			Data:      rest[4 : 4+blkLen],
		})
		consumed := 4 + blkLen
		if blkLen%2 == 1 {
			consumed++ // padding byte
		}
		if consumed > len(rest) {
			break
		}
		rest = rest[consumed:]
	}
	return f, true
}

// AppendFrame encodes f after the caller's Ethernet header and frame
// ID, returning the grown buffer.
func AppendFrame(dst []byte, f Frame) []byte {
	var body []byte
	for _, blk := range f.Blocks {
		body = append(body, blk.Option, blk.Suboption,
			byte(len(blk.Data)>>8), byte(len(blk.Data)))
		body = append(body, blk.Data...)
		if len(blk.Data)%2 == 1 {
			body = append(body, 0)
		}
	}
	dst = append(dst, byte(f.Service), byte(f.Type))
	dst = append(dst, byte(f.XID>>24), byte(f.XID>>16), byte(f.XID>>8), byte(f.XID))
	dst = append(dst, byte(f.Delay>>8), byte(f.Delay))
	dst = append(dst, byte(len(body)>>8), byte(len(body)))
	return append(dst, body...)
}

// Transport places one raw discovery frame on the wire.
type Transport interface {
	SendRawFrame(frame []byte) error
}

// Persistence writes the station name and IP suite durably.
type Persistence interface {
	SaveName(name string) error
	SaveIP(ip, netmask, gateway [4]byte) error
	ClearAll() error
}

// RandomDelay produces the bounded random identify-response delay;
// tests inject a deterministic implementation.
type RandomDelay func(maxUS uint64) uint64

// DiagnosisRaiser is invoked when another station announces this
// device's own name.
type DiagnosisRaiser func(reason string)

// ResetHandler is invoked after a factory-reset request has cleared
// persisted state, so the owner can abort ARs and drop to setup.
type ResetHandler func(mode ResetMode)

const helloBurstCount = 3
const helloIntervalUS = 3 * 1000 * 1000
const identifyMaxDelayUS = 1 * 1000 * 1000

// The discovery frame IDs: 0xFEFC get/set unicast, 0xFEFE identify
// multicast request, 0xFEFF identify response.
const (
	FrameIDGetSet           uint16 = 0xFEFC
	FrameIDHello            uint16 = 0xFEFD
	FrameIDIdentifyRequest  uint16 = 0xFEFE
	FrameIDIdentifyResponse uint16 = 0xFEFF
)

const etherType uint16 = 0x8892

// Station holds the mutable identity the discovery protocol manages.
type Station struct {
	mu       sync.Mutex
	name     string
	ip       [4]byte
	netmask  [4]byte
	gateway  [4]byte
	mac      [6]byte
	vendorID uint16
	deviceID uint16
}

// NewStation seeds a station identity. name may be empty (unnamed).
func NewStation(name string, mac [6]byte, ip, netmask, gateway [4]byte, vendorID, deviceID uint16) *Station {
	return &Station{
		name: name, mac: mac,
		ip: ip, netmask: netmask, gateway: gateway,
		vendorID: vendorID, deviceID: deviceID,
	}
}

// Engine drives discovery/naming for one device.
type Engine struct {
	clog plog.Clog

	sched     *sched.Scheduler
	transport Transport
	persist   Persistence
	random    RandomDelay
	diagnose  DiagnosisRaiser
	onReset   ResetHandler

	station *Station

	mu            sync.Mutex
	signal        SignalHandler
	helloSent     int
	helloTimer    sched.Handle
	hasHelloTimer bool
}

// SignalHandler is invoked on a DCP signal request, the "flash the
// identification LED" service an engineering tool uses to locate one
// device among many.
type SignalHandler func()

// NewEngine builds a discovery engine around an existing station
// identity.
func NewEngine(s *sched.Scheduler, t Transport, p Persistence, rnd RandomDelay, diag DiagnosisRaiser, onReset ResetHandler, station *Station) *Engine {
	return &Engine{
		clog:      plog.NewLogger("dcp"),
		sched:     s,
		transport: t,
		persist:   p,
		random:    rnd,
		diagnose:  diag,
		onReset:   onReset,
		station:   station,
	}
}

// LogMode toggles the engine's debug logging.
func (e *Engine) LogMode(enable bool) { e.clog.LogMode(enable) }

// SetSignalHandler installs the signal-request hook.
func (e *Engine) SetSignalHandler(fn SignalHandler) {
	e.mu.Lock()
	e.signal = fn
	e.mu.Unlock()
}

// StartHelloIfUnnamed emits a HELLO broadcast up to 3 times at 3s
// intervals after startup if the station name is unassigned.
func (e *Engine) StartHelloIfUnnamed() {
	e.station.mu.Lock()
	unnamed := e.station.name == ""
	e.station.mu.Unlock()
	if !unnamed {
		return
	}
	e.sendHello()
}

func (e *Engine) sendHello() {
	e.mu.Lock()
	if e.helloSent >= helloBurstCount {
		e.mu.Unlock()
		return
	}
	e.helloSent++
	more := e.helloSent < helloBurstCount
	e.mu.Unlock()

	_ = e.transport.SendRawFrame(e.buildHelloFrame())
	if more {
		h, err := e.sched.Schedule(helloIntervalUS, func(interface{}, uint64) { e.sendHello() }, nil, "dcp-hello")
		if err == nil {
			e.mu.Lock()
			e.helloTimer = h
			e.hasHelloTimer = true
			e.mu.Unlock()
		}
	}
}

// HelloCount reports how many HELLO frames have gone out.
func (e *Engine) HelloCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.helloSent
}

func (e *Engine) ethHeader(dst [6]byte, frameID uint16) []byte {
	e.station.mu.Lock()
	src := e.station.mac
	e.station.mu.Unlock()
	hdr := make([]byte, 0, 16)
	hdr = append(hdr, dst[:]...)
	hdr = append(hdr, src[:]...)
	hdr = append(hdr, byte(etherType>>8), byte(etherType&0xFF))
	hdr = append(hdr, byte(frameID>>8), byte(frameID))
	return hdr
}

var broadcast = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (e *Engine) buildHelloFrame() []byte {
	return AppendFrame(e.ethHeader(broadcast, FrameIDHello), Frame{
		Service: ServiceHello,
		Type:    ServiceRequest,
		Blocks:  e.identityBlocks(),
	})
}

func (e *Engine) identityBlocks() []Block {
	e.station.mu.Lock()
	defer e.station.mu.Unlock()
	ipData := make([]byte, 0, 14)
	ipData = append(ipData, 0, 1) // block info: IP set
	ipData = append(ipData, e.station.ip[:]...)
	ipData = append(ipData, e.station.netmask[:]...)
	ipData = append(ipData, e.station.gateway[:]...)
	idData := []byte{
		byte(e.station.vendorID >> 8), byte(e.station.vendorID),
		byte(e.station.deviceID >> 8), byte(e.station.deviceID),
	}
	return []Block{
		{Option: OptionDevice, Suboption: SuboptionNameOfStation, Data: []byte(e.station.name)},
		{Option: OptionDevice, Suboption: SuboptionDeviceID, Data: idData},
		{Option: OptionIP, Suboption: SuboptionIPParameter, Data: ipData},
	}
}

// OnFrame is the demux entry point for inbound discovery frames.
// srcMAC is the requester, payload the bytes after the frame ID.
func (e *Engine) OnFrame(srcMAC [6]byte, frameID uint16, payload []byte) {
	f, ok := ParseFrame(payload)
	if !ok {
		return
	}
	switch {
	case f.Service == ServiceIdentify && f.Type == ServiceRequest:
		e.onIdentify(srcMAC, f)
	case f.Service == ServiceSet && f.Type == ServiceRequest:
		e.onSet(srcMAC, f)
	case f.Service == ServiceIdentify && f.Type == ServiceSuccess:
		e.onIdentifyResponse(f)
	}
}

// onIdentify answers a read-identify broadcast with a unicast response
// after a random delay bounded by 1s, to avoid response storms when a
// supervisor sweeps the whole segment.
func (e *Engine) onIdentify(requester [6]byte, req Frame) {
	// A name-filtered identify only concerns us when the name matches.
	for _, blk := range req.Blocks {
		if blk.Option == OptionDevice && blk.Suboption == SuboptionNameOfStation {
			if string(blk.Data) != e.Name() {
				return
			}
		}
	}
	delay := e.random(identifyMaxDelayUS)
	e.sched.Schedule(delay, func(interface{}, uint64) {
		resp := AppendFrame(e.ethHeader(requester, FrameIDIdentifyResponse), Frame{
			Service: ServiceIdentify,
			Type:    ServiceSuccess,
			XID:     req.XID,
			Blocks:  e.identityBlocks(),
		})
		_ = e.transport.SendRawFrame(resp)
	}, nil, "dcp-identify-response")
}

// onIdentifyResponse watches other stations' responses for a name
// collision: another device announcing our own name raises a standard
// diagnosis without aborting active ARs.
func (e *Engine) onIdentifyResponse(f Frame) {
	own := e.Name()
	if own == "" {
		return
	}
	for _, blk := range f.Blocks {
		if blk.Option == OptionDevice && blk.Suboption == SuboptionNameOfStation && string(blk.Data) == own {
			e.clog.Warn("duplicate station name on segment", map[string]interface{}{
				"name": own,
				"tag":  nameTag(own, e.stationMAC()),
			})
			if e.diagnose != nil {
				e.diagnose("duplicate station name: " + own)
			}
		}
	}
}

// nameTag is a short keyed digest of (name, MAC) used to correlate
// collision log lines across devices without printing full MACs.
func nameTag(name string, mac [6]byte) string {
	h, err := blake2b.New(4, nil)
	if err != nil {
		return ""
	}
	h.Write([]byte(name))
	h.Write(mac[:])
	sum := h.Sum(nil)
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 8)
	for _, b := range sum {
		out = append(out, digits[b>>4], digits[b&0xf])
	}
	return string(out)
}

func (e *Engine) stationMAC() [6]byte {
	e.station.mu.Lock()
	defer e.station.mu.Unlock()
	return e.station.mac
}

func (e *Engine) onSet(requester [6]byte, req Frame) {
	var result byte // 0 = ok
	for _, blk := range req.Blocks {
		switch {
		case blk.Option == OptionDevice && blk.Suboption == SuboptionNameOfStation:
			if err := e.SetName(string(blk.Data)); err != nil {
				result = 4 // resource error
			}
		case blk.Option == OptionIP && blk.Suboption == SuboptionIPParameter:
			if len(blk.Data) < 14 {
				result = 1
				continue
			}
			var ip, mask, gw [4]byte
			copy(ip[:], blk.Data[2:6])
			copy(mask[:], blk.Data[6:10])
			copy(gw[:], blk.Data[10:14])
			if err := e.SetIP(ip, mask, gw); err != nil {
				result = 4
			}
		case blk.Option == OptionControl && blk.Suboption == SuboptionSignal:
			e.mu.Lock()
			signal := e.signal
			e.mu.Unlock()
			if signal != nil {
				signal()
			}
		case blk.Option == OptionControl && blk.Suboption == SuboptionFactoryReset:
			mode := ResetCommunicationOnly
			if len(blk.Data) >= 2 && blk.Data[1]&0x02 != 0 {
				mode = ResetFull
			}
			if err := e.FactoryReset(mode); err != nil {
				result = 4
			}
		}
	}
	resp := AppendFrame(e.ethHeader(requester, FrameIDGetSet), Frame{
		Service: ServiceSet,
		Type:    ServiceSuccess,
		XID:     req.XID,
		Blocks: []Block{
			{Option: OptionControl, Suboption: SuboptionSignal, Data: []byte{0, result}},
		},
	})
	_ = e.transport.SendRawFrame(resp)
}

// SetName stores and persists a new station name.
func (e *Engine) SetName(name string) error {
	e.station.mu.Lock()
	e.station.name = name
	e.station.mu.Unlock()
	return e.persist.SaveName(name)
}

// SetIP stores and persists a new IP suite.
func (e *Engine) SetIP(ip, netmask, gateway [4]byte) error {
	e.station.mu.Lock()
	e.station.ip, e.station.netmask, e.station.gateway = ip, netmask, gateway
	e.station.mu.Unlock()
	return e.persist.SaveIP(ip, netmask, gateway)
}

// FactoryReset erases persisted files and clears the station identity,
// then hands control to the owner's reset handler for AR teardown.
func (e *Engine) FactoryReset(mode ResetMode) error {
	e.station.mu.Lock()
	e.station.name = ""
	e.station.ip = [4]byte{}
	e.station.netmask = [4]byte{}
	e.station.gateway = [4]byte{}
	e.station.mu.Unlock()
	err := e.persist.ClearAll()
	if e.onReset != nil {
		e.onReset(mode)
	}
	return err
}

// Name returns the current station name.
func (e *Engine) Name() string {
	e.station.mu.Lock()
	defer e.station.mu.Unlock()
	return e.station.name
}

// IP returns the current IP suite.
func (e *Engine) IP() (ip, netmask, gateway [4]byte) {
	e.station.mu.Lock()
	defer e.station.mu.Unlock()
	return e.station.ip, e.station.netmask, e.station.gateway
}
