// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package snapshot persists the optional diagnosis snapshot as CBOR.
// The block codec in package wire stays the protocol's mandated TLV
// format; this file format is a purely local persistence choice, so
// it uses a self-describing encoding instead of a bespoke binary
// struct dump.
package snapshot

import (
	"github.com/fxamacker/cbor/v2"
)

// StandardRecord is the CBOR-friendly projection of a standard
// diagnosis item; snapshot does not import package diag, keeping the
// on-disk record shape decoupled from the runtime model.
type StandardRecord struct {
	API, Slot, Subslot uint32
	Channel            uint16
	ErrorType          uint16
	ExtErrorType       uint16
	ExtValue           uint32
	Qualifier          uint32
}

// USIRecord is the CBOR-friendly projection of a diag.USI item.
type USIRecord struct {
	API, Slot, Subslot uint32
	USI                uint16
	Bytes              []byte
}

// Snapshot is the full persisted diagnosis state.
type Snapshot struct {
	Standard []StandardRecord
	USI      []USIRecord
}

// Encode serializes s to CBOR bytes.
func Encode(s Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

// Decode parses CBOR bytes back into a Snapshot. Callers treat a
// Decode error as "no snapshot", not a fatal condition.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if len(b) == 0 {
		return Snapshot{}, nil
	}
	if err := cbor.Unmarshal(b, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
