// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package linuxnet implements the platform transport over raw
// AF_PACKET and AF_INET sockets via golang.org/x/sys/unix. It is the
// default transport for cyclic RT frames (EtherType 0x8892),
// discovery frames, and the RPC endpoint on Linux.
package linuxnet

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/rob-gra/pnio/platform"
)

// Opener opens raw AF_PACKET sockets bound to a fixed interface.
type Opener struct {
	IfaceName string
}

// handle wraps one raw socket filtered by EtherType, with a
// background read loop feeding the registered receiver.
type handle struct {
	fd      int
	ifindex int
	proto   uint16
	done    chan struct{}
}

// OpenEthernet opens a raw socket on ifaceName filtered to etherType
// and starts a background reader delivering frames to recv. The
// kernel read buffer is handed directly to recv without an
// intermediate copy.
func (o *Opener) OpenEthernet(ifaceName string, etherType uint16, recv platform.EthernetReceiver) (platform.EthernetHandle, error) {
	proto := htons(etherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, fmt.Errorf("linuxnet: socket: %w", err)
	}
	iface, err := ifaceIndex(ifaceName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	addr := unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("linuxnet: bind: %w", err)
	}

	h := &handle{fd: fd, ifindex: iface, proto: proto, done: make(chan struct{})}
	go h.readLoop(recv)
	return h, nil
}

func (h *handle) readLoop(recv platform.EthernetReceiver) {
	buf := make([]byte, 1600)
	for {
		select {
		case <-h.done:
			return
		default:
		}
		n, _, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			continue
		}
		if n > 0 && recv != nil {
			recv(buf[:n])
		}
	}
}

func (h *handle) Send(frame []byte) error {
	return unix.Sendto(h.fd, frame, 0, &unix.SockaddrLinklayer{Protocol: h.proto, Ifindex: h.ifindex})
}

func (h *handle) Close() error {
	close(h.done)
	return unix.Close(h.fd)
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

// UDPOpener implements platform.UDPOpener over an AF_INET datagram
// socket with a background receive loop.
type UDPOpener struct{}

type udpHandle struct {
	fd   int
	done chan struct{}
}

// OpenUDP binds (ip, port) and starts a reader delivering inbound
// datagrams to recv.
func (UDPOpener) OpenUDP(ip [4]byte, port uint16, recv platform.UDPReceiver) (platform.UDPHandle, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("linuxnet: udp socket: %w", err)
	}
	addr := unix.SockaddrInet4{Port: int(port), Addr: ip}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("linuxnet: udp bind: %w", err)
	}
	h := &udpHandle{fd: fd, done: make(chan struct{})}
	go h.readLoop(recv)
	return h, nil
}

func (h *udpHandle) readLoop(recv platform.UDPReceiver) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-h.done:
			return
		default:
		}
		n, from, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			continue
		}
		src, ok := from.(*unix.SockaddrInet4)
		if !ok || n <= 0 || recv == nil {
			continue
		}
		recv(src.Addr, uint16(src.Port), buf[:n])
	}
}

func (h *udpHandle) SendTo(addr [4]byte, port uint16, data []byte) error {
	return unix.Sendto(h.fd, data, 0, &unix.SockaddrInet4{Port: int(port), Addr: addr})
}

func (h *udpHandle) Close() error {
	close(h.done)
	return unix.Close(h.fd)
}

// HardwareAddr returns the interface's MAC address.
func HardwareAddr(name string) ([]byte, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("linuxnet: %w", err)
	}
	return iface.HardwareAddr, nil
}

func ifaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("linuxnet: %w", err)
	}
	return iface.Index, nil
}
