// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package testnet provides an in-memory platform.Platform
// implementation for tests: Ethernet/UDP sends land in a queue the
// test can drain, and file storage is an in-memory map. No real
// sockets are opened, keeping unit tests free of sandboxing/CAP_NET_RAW
// concerns.
package testnet

import (
	"sync"
	"time"

	"github.com/rob-gra/pnio/platform"
)

// Net is the shared in-memory network fabric: Send appends to Sent;
// tests can also feed inbound frames via Deliver.
type Net struct {
	mu   sync.Mutex
	Sent [][]byte
	recv platform.EthernetReceiver
}

func NewNet() *Net { return &Net{} }

func (n *Net) OpenEthernet(ifaceName string, etherType uint16, recv platform.EthernetReceiver) (platform.EthernetHandle, error) {
	n.mu.Lock()
	n.recv = recv
	n.mu.Unlock()
	return &ethHandle{net: n}, nil
}

// Deliver feeds an inbound frame to whatever receiver last opened the
// handle, simulating the platform's raw-receive callback.
func (n *Net) Deliver(frame []byte) {
	n.mu.Lock()
	recv := n.recv
	n.mu.Unlock()
	if recv != nil {
		recv(frame)
	}
}

// TakeSent drains and returns everything sent so far.
func (n *Net) TakeSent() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.Sent
	n.Sent = nil
	return out
}

type ethHandle struct{ net *Net }

func (h *ethHandle) Send(frame []byte) error {
	h.net.mu.Lock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h.net.Sent = append(h.net.Sent, cp)
	h.net.mu.Unlock()
	return nil
}
func (h *ethHandle) Close() error { return nil }

// UDPFabric is the UDP analog of Net.
type UDPFabric struct {
	mu   sync.Mutex
	Sent [][]byte
	recv platform.UDPReceiver
}

func NewUDPFabric() *UDPFabric { return &UDPFabric{} }

func (f *UDPFabric) OpenUDP(ip [4]byte, port uint16, recv platform.UDPReceiver) (platform.UDPHandle, error) {
	f.mu.Lock()
	f.recv = recv
	f.mu.Unlock()
	return &udpHandle{fabric: f}, nil
}

func (f *UDPFabric) Deliver(srcIP [4]byte, srcPort uint16, data []byte) {
	f.mu.Lock()
	recv := f.recv
	f.mu.Unlock()
	if recv != nil {
		recv(srcIP, srcPort, data)
	}
}

func (f *UDPFabric) TakeSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.Sent
	f.Sent = nil
	return out
}

type udpHandle struct{ fabric *UDPFabric }

func (h *udpHandle) SendTo(addr [4]byte, port uint16, data []byte) error {
	h.fabric.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.fabric.Sent = append(h.fabric.Sent, cp)
	h.fabric.mu.Unlock()
	return nil
}
func (h *udpHandle) Close() error { return nil }

// Files is an in-memory platform.FileStore.
type Files struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewFiles() *Files { return &Files{data: make(map[string][]byte)} }

func (f *Files) Load(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (f *Files) Save(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[name] = cp
	return nil
}

func (f *Files) Clear(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, name)
	return nil
}

// Address is a fixed platform.AddressManager for tests.
type Address struct {
	MACAddr                  [6]byte
	IPAddr, Netmask, Gateway [4]byte
}

func (a *Address) MAC() [6]byte { return a.MACAddr }
func (a *Address) IP() (ip, netmask, gateway [4]byte) {
	return a.IPAddr, a.Netmask, a.Gateway
}
func (a *Address) SetIP(ip, netmask, gateway [4]byte) error {
	a.IPAddr, a.Netmask, a.Gateway = ip, netmask, gateway
	return nil
}

// Clock is a controllable platform.Clock for deterministic tests.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	ms10 uint64
}

func NewClock(start time.Time) *Clock { return &Clock{t: start} }

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.ms10 += uint64(d.Milliseconds() / 10)
}

func (c *Clock) Uptime10ms() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms10
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Buffers is a trivial platform.BufferPool, no actual pooling.
type Buffers struct{}

func (Buffers) Alloc(n int) []byte { return make([]byte, n) }
func (Buffers) Free(b []byte)      {}

// NewPlatform wires a full in-memory platform.Platform for tests.
func NewPlatform() (*platform.Platform, *Net, *UDPFabric) {
	net := NewNet()
	udp := NewUDPFabric()
	return &platform.Platform{
		Ethernet: net,
		UDP:      udp,
		Files:    NewFiles(),
		Address:  &Address{MACAddr: [6]byte{0x02, 0, 0, 0, 0, 1}},
		Clock:    NewClock(time.Unix(0, 0)),
		Buffers:  Buffers{},
	}, net, udp
}
