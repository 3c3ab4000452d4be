// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package platform declares the external collaborator boundary: the
// raw Ethernet/UDP transport, persistence, and address-management
// hooks the engine consumes but never implements itself. Concrete implementations live under platform/linuxnet
// (raw AF_PACKET sockets), platform/serial (a debug/bench sideband),
// and platform/gpio (the signal_led_ind reference wiring); tests use
// internal/testnet's in-memory fakes.
package platform

import "time"

// EthernetHandle is a raw Ethernet send/receive handle keyed by
// interface name, filtered at creation by EtherType.
type EthernetHandle interface {
	Send(frame []byte) error
	Close() error
}

// EthernetReceiver is the callback signature the platform invokes with
// a zero-copy buffer when a frame arrives matching the handle's
// EtherType filter.
type EthernetReceiver func(frame []byte)

// EthernetOpener opens a raw Ethernet handle on ifaceName, filtering
// for etherType, and delivers inbound frames to recv.
type EthernetOpener interface {
	OpenEthernet(ifaceName string, etherType uint16, recv EthernetReceiver) (EthernetHandle, error)
}

// UDPHandle is a non-blocking UDP socket keyed by (IP, port).
type UDPHandle interface {
	SendTo(addr [4]byte, port uint16, data []byte) error
	Close() error
}

// UDPReceiver is invoked with the source address and a zero-copy
// buffer on inbound datagrams.
type UDPReceiver func(srcIP [4]byte, srcPort uint16, data []byte)

// UDPOpener opens a non-blocking UDP socket.
type UDPOpener interface {
	OpenUDP(ip [4]byte, port uint16, recv UDPReceiver) (UDPHandle, error)
}

// FileStore is binary file load/save/clear in a configured
// directory.
type FileStore interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
	Clear(name string) error
}

// AddressManager queries and sets MAC/IP/netmask/gateway.
type AddressManager interface {
	MAC() [6]byte
	IP() (ip, netmask, gateway [4]byte)
	SetIP(ip, netmask, gateway [4]byte) error
}

// Clock provides system uptime in 10ms units, the platform's own
// wall-clock source that the device converts into the scheduler's
// microsecond ticks.
type Clock interface {
	Uptime10ms() uint64
	Now() time.Time
}

// BufferPool is the platform's payload+length buffer alloc/free hook,
// exposed so the engine never allocates unboundedly on the receive
// path; the default implementation may simply wrap make([]byte, n).
type BufferPool interface {
	Alloc(n int) []byte
	Free(b []byte)
}

// Platform bundles every collaborator the core consumes, the single
// capability record the façade's Config wires at Init.
type Platform struct {
	Ethernet EthernetOpener
	UDP      UDPOpener
	Files    FileStore
	Address  AddressManager
	Clock    Clock
	Buffers  BufferPool
}
