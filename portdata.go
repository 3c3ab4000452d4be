// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"sync"

	"github.com/rob-gra/pnio/platform"
	"github.com/rob-gra/pnio/wire"
)

// Record indices for the per-port topology records. The records are
// opaque to the engine: it stores, persists, and returns them; the
// LLDP collaborator interprets them.
const (
	IndexPDPortDataCheck  uint16 = 0x802B
	IndexPDPortDataAdjust uint16 = 0x802F
)

const portFileName = "pnio_port.bin"
const snmpFileName = "pnio_snmp.bin"

// portStore holds the opaque PDPortDataCheck/Adjust payloads per port
// subslot, plus the SNMP-settable system strings.
type portStore struct {
	mu     sync.Mutex
	check  map[uint16][]byte
	adjust map[uint16][]byte

	sysContact  string
	sysName     string
	sysLocation string

	files platform.FileStore
}

func newPortStore(files platform.FileStore) *portStore {
	s := &portStore{
		check:  make(map[uint16][]byte),
		adjust: make(map[uint16][]byte),
		files:  files,
	}
	s.load()
	return s
}

func (sf *portStore) encode() []byte {
	e := wire.NewEncoder(nil)
	for sub, data := range sf.check {
		pos := e.PutHeader(wire.BlockPDPortDataCheck, wire.DefaultVersion)
		e.PutU16(sub)
		e.PutBytes(data)
		e.PatchLength(pos)
	}
	for sub, data := range sf.adjust {
		pos := e.PutHeader(wire.BlockPDPortDataAdjust, wire.DefaultVersion)
		e.PutU16(sub)
		e.PutBytes(data)
		e.PatchLength(pos)
	}
	return e.Bytes()
}

func (sf *portStore) load() {
	if sf.files == nil {
		return
	}
	if b, err := sf.files.Load(portFileName); err == nil && len(b) > 0 {
		d := wire.NewDecoder(b)
		for d.Remaining() >= wire.HeaderSize {
			h, err := d.Header()
			if err != nil {
				break
			}
			bodyLen := int(h.Length) - 2
			if bodyLen < 2 {
				break
			}
			body, err := d.Bytes(bodyLen)
			if err != nil {
				break
			}
			sub := uint16(body[0])<<8 | uint16(body[1])
			data := append([]byte(nil), body[2:]...)
			switch h.Type {
			case wire.BlockPDPortDataCheck:
				sf.check[sub] = data
			case wire.BlockPDPortDataAdjust:
				sf.adjust[sub] = data
			}
		}
	}
	if b, err := sf.files.Load(snmpFileName); err == nil && len(b) > 0 {
		d := wire.NewDecoder(b)
		read := func() string {
			n, err := d.U16()
			if err != nil {
				return ""
			}
			s, err := d.Bytes(int(n))
			if err != nil {
				return ""
			}
			return string(s)
		}
		sf.sysContact = read()
		sf.sysName = read()
		sf.sysLocation = read()
	}
}

func (sf *portStore) save() {
	if sf.files == nil {
		return
	}
	_ = sf.files.Save(portFileName, sf.encode())

	e := wire.NewEncoder(nil)
	for _, s := range []string{sf.sysContact, sf.sysName, sf.sysLocation} {
		e.PutU16(uint16(len(s)))
		e.PutBytes([]byte(s))
	}
	_ = sf.files.Save(snmpFileName, e.Bytes())
}

// readRecord serves the acyclic read surface for the port indices; ok
// is false for any other index.
func (sf *portStore) readRecord(subslot, index uint16) (body []byte, ok bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	var data []byte
	var typ wire.BlockType
	switch index {
	case IndexPDPortDataCheck:
		data, typ = sf.check[subslot], wire.BlockPDPortDataCheck
	case IndexPDPortDataAdjust:
		data, typ = sf.adjust[subslot], wire.BlockPDPortDataAdjust
	default:
		return nil, false
	}
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(typ, wire.DefaultVersion)
	e.PutU16(subslot)
	e.PutBytes(data)
	e.PatchLength(pos)
	return e.Bytes(), true
}

// writeRecord stores an opaque port record; ok is false for any other
// index.
func (sf *portStore) writeRecord(subslot, index uint16, data []byte) (ok bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	cp := append([]byte(nil), data...)
	switch index {
	case IndexPDPortDataCheck:
		sf.check[subslot] = cp
	case IndexPDPortDataAdjust:
		sf.adjust[subslot] = cp
	default:
		return false
	}
	sf.save()
	return true
}

func (sf *portStore) reset() {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.check = make(map[uint16][]byte)
	sf.adjust = make(map[uint16][]byte)
	sf.sysContact, sf.sysName, sf.sysLocation = "", "", ""
	if sf.files != nil {
		_ = sf.files.Clear(portFileName)
		_ = sf.files.Clear(snmpFileName)
	}
}

// SNMP-settable system strings. The SNMP agent is an external
// collaborator; these typed helpers are its read/write surface.

// SetSystemContact stores and persists sysContact.
func (d *Device) SetSystemContact(v string) {
	d.ports.mu.Lock()
	d.ports.sysContact = v
	d.ports.save()
	d.ports.mu.Unlock()
}

// SetSystemName stores and persists sysName.
func (d *Device) SetSystemName(v string) {
	d.ports.mu.Lock()
	d.ports.sysName = v
	d.ports.save()
	d.ports.mu.Unlock()
}

// SetSystemLocation stores and persists sysLocation.
func (d *Device) SetSystemLocation(v string) {
	d.ports.mu.Lock()
	d.ports.sysLocation = v
	d.ports.save()
	d.ports.mu.Unlock()
}

// SystemInfo returns the SNMP-settable system strings.
func (d *Device) SystemInfo() (contact, name, location string) {
	d.ports.mu.Lock()
	defer d.ports.mu.Unlock()
	return d.ports.sysContact, d.ports.sysName, d.ports.sysLocation
}
