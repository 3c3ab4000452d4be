// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"sync"

	"github.com/rob-gra/pnio/platform"
	"github.com/rob-gra/pnio/wire"
)

// Record indices the acyclic read/write surface serves for
// identification & maintenance data.
const (
	IndexIM0 uint16 = 0xAFF0
	IndexIM1 uint16 = 0xAFF1
	IndexIM2 uint16 = 0xAFF2
	IndexIM3 uint16 = 0xAFF3
	IndexIM4 uint16 = 0xAFF4
)

// IM0 is the read-only identification record built from the device
// identity at Init.
type IM0 struct {
	VendorID      uint16
	OrderID       string // 20 chars on the wire, space padded
	SerialNumber  string // 16 chars
	HardwareRev   uint16
	SoftwareRev   [4]byte // prefix + three version bytes
	RevisionCount uint16
	ProfileID     uint16
	ProfileType   uint16
	IMVersion     uint16
	IMSupported   uint16
}

// IM1..IM4 are the writable maintenance records.
type IM1 struct {
	TagFunction string // 32 chars
	TagLocation string // 22 chars
}

type IM2 struct {
	Date string // 16 chars, "YYYY-MM-DD HH:MM"
}

type IM3 struct {
	Descriptor string // 54 chars
}

type IM4 struct {
	Signature []byte // up to 54 bytes
}

// IMRecords bundles the writable records for Config seeding.
type IMRecords struct {
	IM1 IM1
	IM2 IM2
	IM3 IM3
	IM4 IM4
}

const imFileName = "pnio_im.bin"

// imStore holds the live records behind their own mutex; the acyclic
// read/write surface and the persistence path are the only users.
type imStore struct {
	mu    sync.Mutex
	im0   IM0
	recs  IMRecords
	files platform.FileStore
}

func newIMStore(im0 IM0, seed IMRecords, files platform.FileStore) *imStore {
	s := &imStore{im0: im0, recs: seed, files: files}
	s.load()
	return s
}

func padded(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

func trimmed(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// encode writes the four writable records as one fixed-layout blob:
// an IAndM1..IAndM4 block sequence in the block codec's own format, so
// the persisted file and the wire representation stay identical.
func (sf *imStore) encode() []byte {
	e := wire.NewEncoder(nil)

	pos := e.PutHeader(wire.BlockIAndM1, wire.DefaultVersion)
	e.PutBytes(padded(sf.recs.IM1.TagFunction, 32))
	e.PutBytes(padded(sf.recs.IM1.TagLocation, 22))
	e.PatchLength(pos)

	pos = e.PutHeader(wire.BlockIAndM2, wire.DefaultVersion)
	e.PutBytes(padded(sf.recs.IM2.Date, 16))
	e.PatchLength(pos)

	pos = e.PutHeader(wire.BlockIAndM3, wire.DefaultVersion)
	e.PutBytes(padded(sf.recs.IM3.Descriptor, 54))
	e.PatchLength(pos)

	pos = e.PutHeader(wire.BlockIAndM4, wire.DefaultVersion)
	sig := sf.recs.IM4.Signature
	if len(sig) > 54 {
		sig = sig[:54]
	}
	e.PutBytes(padded(string(sig), 54))
	e.PatchLength(pos)

	return e.Bytes()
}

// load overlays persisted records onto the seed; a corrupt or missing
// file leaves the seed untouched.
func (sf *imStore) load() {
	if sf.files == nil {
		return
	}
	b, err := sf.files.Load(imFileName)
	if err != nil || len(b) == 0 {
		return
	}
	d := wire.NewDecoder(b)
	for d.Remaining() >= wire.HeaderSize {
		h, err := d.Header()
		if err != nil {
			return
		}
		bodyLen := int(h.Length) - 2 // the length field counts the version bytes
		if bodyLen < 0 {
			return
		}
		body, err := d.Bytes(bodyLen)
		if err != nil {
			return
		}
		switch h.Type {
		case wire.BlockIAndM1:
			if len(body) >= 54 {
				sf.recs.IM1.TagFunction = trimmed(body[:32])
				sf.recs.IM1.TagLocation = trimmed(body[32:54])
			}
		case wire.BlockIAndM2:
			if len(body) >= 16 {
				sf.recs.IM2.Date = trimmed(body[:16])
			}
		case wire.BlockIAndM3:
			if len(body) >= 54 {
				sf.recs.IM3.Descriptor = trimmed(body[:54])
			}
		case wire.BlockIAndM4:
			if len(body) >= 54 {
				sf.recs.IM4.Signature = append([]byte(nil), body[:54]...)
			}
		}
	}
}

func (sf *imStore) save() error {
	if sf.files == nil {
		return nil
	}
	return sf.files.Save(imFileName, sf.encode())
}

// readRecord serves the acyclic read surface for the I&M indices; ok
// is false when the index is not an I&M index.
func (sf *imStore) readRecord(index uint16) (body []byte, ok bool) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	e := wire.NewEncoder(nil)
	switch index {
	case IndexIM0:
		pos := e.PutHeader(wire.BlockIAndM0, wire.DefaultVersion)
		e.PutU16(sf.im0.VendorID)
		e.PutBytes(padded(sf.im0.OrderID, 20))
		e.PutBytes(padded(sf.im0.SerialNumber, 16))
		e.PutU16(sf.im0.HardwareRev)
		e.PutBytes(sf.im0.SoftwareRev[:])
		e.PutU16(sf.im0.RevisionCount)
		e.PutU16(sf.im0.ProfileID)
		e.PutU16(sf.im0.ProfileType)
		e.PutU16(sf.im0.IMVersion)
		e.PutU16(sf.im0.IMSupported)
		e.PatchLength(pos)
	case IndexIM1:
		pos := e.PutHeader(wire.BlockIAndM1, wire.DefaultVersion)
		e.PutBytes(padded(sf.recs.IM1.TagFunction, 32))
		e.PutBytes(padded(sf.recs.IM1.TagLocation, 22))
		e.PatchLength(pos)
	case IndexIM2:
		pos := e.PutHeader(wire.BlockIAndM2, wire.DefaultVersion)
		e.PutBytes(padded(sf.recs.IM2.Date, 16))
		e.PatchLength(pos)
	case IndexIM3:
		pos := e.PutHeader(wire.BlockIAndM3, wire.DefaultVersion)
		e.PutBytes(padded(sf.recs.IM3.Descriptor, 54))
		e.PatchLength(pos)
	case IndexIM4:
		pos := e.PutHeader(wire.BlockIAndM4, wire.DefaultVersion)
		e.PutBytes(padded(string(sf.recs.IM4.Signature), 54))
		e.PatchLength(pos)
	default:
		return nil, false
	}
	return e.Bytes(), true
}

// writeRecord serves the acyclic write surface for IM1..IM4; IM0 is
// read-only.
func (sf *imStore) writeRecord(index uint16, body []byte) (ok bool, err error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	// a leading I&M block header is stripped; raw bodies are accepted
	// as-is.
	raw := body
	d := wire.NewDecoder(body)
	if h, herr := d.Header(); herr == nil {
		switch h.Type {
		case wire.BlockIAndM1, wire.BlockIAndM2, wire.BlockIAndM3, wire.BlockIAndM4:
			raw = body[wire.HeaderSize:]
		}
	}
	switch index {
	case IndexIM1:
		if len(raw) < 54 {
			return true, wire.ResultEndOfInput
		}
		sf.recs.IM1.TagFunction = trimmed(raw[:32])
		sf.recs.IM1.TagLocation = trimmed(raw[32:54])
	case IndexIM2:
		if len(raw) < 16 {
			return true, wire.ResultEndOfInput
		}
		sf.recs.IM2.Date = trimmed(raw[:16])
	case IndexIM3:
		if len(raw) < 54 {
			return true, wire.ResultEndOfInput
		}
		sf.recs.IM3.Descriptor = trimmed(raw[:54])
	case IndexIM4:
		if len(raw) > 54 {
			raw = raw[:54]
		}
		sf.recs.IM4.Signature = raw
	default:
		return false, nil
	}
	return true, sf.save()
}

// reset restores the writable records to empty and persists the
// result, used by factory reset.
func (sf *imStore) reset() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.recs = IMRecords{}
	if sf.files == nil {
		return nil
	}
	return sf.files.Clear(imFileName)
}
