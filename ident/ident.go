// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package ident implements the identification tree: the device's
// API/slot/subslot real inventory, a parallel expected inventory
// built from a Connect request, and the diffing between them that
// produces the identification-difference block.
package ident

import (
	"fmt"
	"sync"

	"github.com/rob-gra/pnio/diag"
)

// Direction is a subslot's data direction.
type Direction int

const (
	DirNone Direction = iota
	DirInput
	DirOutput
	DirInputOutput
)

// Owner is the current ownership state of a subslot.
type Owner int

const (
	OwnerFree Owner = iota
	OwnerSuperordinateLocked
	OwnerSupervisorOwned
	OwnerControllerOwned
)

// AREP is the device-local 16-bit AR handle, shared with cmdev.
type AREP uint16

// NoAREP marks "no owner".
const NoAREP AREP = 0

// SubslotKey identifies one subslot inside an API/slot.
type SubslotKey = diag.SubslotKey

// Subslot is one entry of the real identification tree.
type Subslot struct {
	Ident     uint32
	InputSize int
	OutputSize int
	Direction Direction
	Owner     AREP
	Ownership Owner
}

// ExpectedSubslot is the parallel expected-identification entry built
// from a Connect request.
type ExpectedSubslot struct {
	Ident uint32
}

// IdentInfo is the per-submodule diff outcome.
type IdentInfo int

const (
	IdentOK IdentInfo = iota
	IdentSubstitute
	IdentWrong
	IdentNone
)

// ARInfo is the per-submodule ownership-vs-expected outcome.
type ARInfo int

const (
	ARInfoFree ARInfo = iota
	ARInfoOwn
	ARInfoPending
	ARInfoLockedByOther
)

// ModuleState summarizes a slot's module-level diff outcome.
type ModuleState int

const (
	ModuleOK ModuleState = iota
	ModuleSubstitute
	ModuleWrong
	ModuleMissing
)

// ErrSlotRange, ErrSubslotTaken, ErrSizeMismatch are Plug invariant
// violations.
type ErrSlotRange struct{ Slot uint16 }

func (e ErrSlotRange) Error() string { return fmt.Sprintf("slot %d out of range", e.Slot) }

type ErrSubslotTaken struct{ Slot, Subslot uint16 }

func (e ErrSubslotTaken) Error() string {
	return fmt.Sprintf("subslot %d/%d already plugged", e.Slot, e.Subslot)
}

type ErrSizeMismatch struct{}

func (ErrSizeMismatch) Error() string { return "direction and i/o sizes inconsistent" }

// MaxSlots bounds the slot index space the tree accepts; indices at or
// above it are reserved.
const MaxSlots = 0x8000

// Tree is one API's plugged/expected inventory. The device owns one
// Tree per API.
type Tree struct {
	mu       sync.Mutex
	api      uint32
	real     map[uint16]map[uint16]*Subslot
	expected map[uint16]map[uint16]*ExpectedSubslot
}

// New creates an empty tree for the given API.
func New(api uint32) *Tree {
	return &Tree{
		api:      api,
		real:     make(map[uint16]map[uint16]*Subslot),
		expected: make(map[uint16]map[uint16]*ExpectedSubslot),
	}
}

// PlugModule ensures a slot exists (a module "plugged" with no
// submodules yet is a valid intermediate state in PROFINET terms, but
// this device stack treats slot creation as implicit on first
// PlugSubmodule — PlugModule exists for symmetry with PullModule and
// for applications that want to reserve a slot before any submodule).
func (t *Tree) PlugModule(slot uint16) error {
	if slot >= MaxSlots {
		return ErrSlotRange{slot}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.real[slot] == nil {
		t.real[slot] = make(map[uint16]*Subslot)
	}
	return nil
}

// PlugSubmodule asserts: slot in range, subslot free, and that
// direction/sizes are internally consistent (non-zero size only for a
// direction that carries data).
func (t *Tree) PlugSubmodule(slot, subslot uint16, ident uint32, dir Direction, inputSize, outputSize int) error {
	if slot >= MaxSlots {
		return ErrSlotRange{slot}
	}
	if err := validateSizes(dir, inputSize, outputSize); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.real[slot] == nil {
		t.real[slot] = make(map[uint16]*Subslot)
	}
	if _, exists := t.real[slot][subslot]; exists {
		return ErrSubslotTaken{slot, subslot}
	}
	t.real[slot][subslot] = &Subslot{
		Ident:      ident,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Direction:  dir,
		Owner:      NoAREP,
		Ownership:  OwnerFree,
	}
	return nil
}

func validateSizes(dir Direction, inputSize, outputSize int) error {
	switch dir {
	case DirNone:
		if inputSize != 0 || outputSize != 0 {
			return ErrSizeMismatch{}
		}
	case DirInput:
		if inputSize == 0 || outputSize != 0 {
			return ErrSizeMismatch{}
		}
	case DirOutput:
		if outputSize == 0 || inputSize != 0 {
			return ErrSizeMismatch{}
		}
	case DirInputOutput:
		if inputSize == 0 || outputSize == 0 {
			return ErrSizeMismatch{}
		}
	}
	return nil
}

// PullSubmodule removes one subslot. The caller (the façade) is
// responsible for ensuring no IOCR still references it.
func (t *Tree) PullSubmodule(slot, subslot uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.real[slot]
	if !ok {
		return ErrSubslotTaken{slot, subslot} // nothing to pull, but keep the same error family
	}
	delete(subs, subslot)
	return nil
}

// PullModule pulls every submodule in slot first, then forgets the
// slot itself.
func (t *Tree) PullModule(slot uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.real, slot)
}

// Lookup returns the real subslot at (slot, subslot), if plugged.
func (t *Tree) Lookup(slot, subslot uint16) (Subslot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.real[slot]
	if !ok {
		return Subslot{}, false
	}
	s, ok := subs[subslot]
	if !ok {
		return Subslot{}, false
	}
	return *s, true
}

// SetOwner assigns (or clears, with NoAREP/OwnerFree) ownership of a
// plugged subslot.
func (t *Tree) SetOwner(slot, subslot uint16, owner AREP, ownership Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.real[slot]
	if !ok {
		return ErrSubslotTaken{slot, subslot}
	}
	s, ok := subs[subslot]
	if !ok {
		return ErrSubslotTaken{slot, subslot}
	}
	s.Owner = owner
	s.Ownership = ownership
	return nil
}

// ReleaseOwner clears ownership of every subslot held by owner, used
// at AR teardown.
func (t *Tree) ReleaseOwner(owner AREP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, subs := range t.real {
		for _, s := range subs {
			if s.Owner == owner {
				s.Owner = NoAREP
				s.Ownership = OwnerFree
			}
		}
	}
}

// SetExpected installs the expected-identification tree declared by a
// Connect request.
func (t *Tree) SetExpected(slot, subslot uint16, ident uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expected[slot] == nil {
		t.expected[slot] = make(map[uint16]*ExpectedSubslot)
	}
	t.expected[slot][subslot] = &ExpectedSubslot{Ident: ident}
}

// ClearExpected drops the expected-identification tree, e.g. at AR
// teardown.
func (t *Tree) ClearExpected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected = make(map[uint16]map[uint16]*ExpectedSubslot)
}

// SubmoduleDiff is one subslot's entry in the identification-difference
// block.
type SubmoduleDiff struct {
	Slot, Subslot uint16
	Ident         IdentInfo
	AR            ARInfo
}

// ModuleDiff is one slot's module-level summary plus its submodule
// entries.
type ModuleDiff struct {
	Slot    uint16
	State   ModuleState
	Entries []SubmoduleDiff
}

// Diff walks pairs (real, expected) and produces the
// identification-difference block. The connection proceeds even with
// mismatches; the device honours substitutions but flags them, so
// Diff never returns an error, only a report.
func (t *Tree) Diff() []ModuleDiff {
	t.mu.Lock()
	defer t.mu.Unlock()

	slots := make(map[uint16]bool)
	for s := range t.real {
		slots[s] = true
	}
	for s := range t.expected {
		slots[s] = true
	}

	var out []ModuleDiff
	for slot := range slots {
		realSubs := t.real[slot]
		expSubs := t.expected[slot]
		subslots := make(map[uint16]bool)
		for s := range realSubs {
			subslots[s] = true
		}
		for s := range expSubs {
			subslots[s] = true
		}

		md := ModuleDiff{Slot: slot, State: ModuleOK}
		for sub := range subslots {
			r, hasReal := realSubs[sub]
			e, hasExpected := expSubs[sub]

			entry := SubmoduleDiff{Slot: slot, Subslot: sub}
			switch {
			case hasReal && hasExpected && r.Ident == e.Ident:
				entry.Ident = IdentOK
			case hasReal && hasExpected:
				entry.Ident = IdentSubstitute
				if md.State == ModuleOK {
					md.State = ModuleSubstitute
				}
			case hasReal && !hasExpected:
				entry.Ident = IdentWrong
				md.State = ModuleWrong
			case !hasReal && hasExpected:
				entry.Ident = IdentNone
				md.State = ModuleMissing
			}

			switch {
			case !hasReal:
				entry.AR = ARInfoFree
			case r.Ownership == OwnerFree:
				entry.AR = ARInfoFree
			case r.Ownership == OwnerControllerOwned:
				entry.AR = ARInfoOwn
			default:
				entry.AR = ARInfoLockedByOther
			}

			md.Entries = append(md.Entries, entry)
		}
		out = append(out, md)
	}
	return out
}

// PlugDAP plugs the mandatory slot-0 device-access-point with fixed
// identifiers for the interface and each physical port, done once at
// device initialization. numPorts is the number of physical Ethernet
// ports the platform exposes.
func (t *Tree) PlugDAP(interfaceIdent uint32, portIdentBase uint32, numPorts int) error {
	const dapSlot = 0
	const interfaceSubslot = 0x8000
	if err := t.PlugSubmodule(dapSlot, 1, interfaceIdent, DirNone, 0, 0); err != nil {
		return err
	}
	if err := t.PlugSubmodule(dapSlot, interfaceSubslot, interfaceIdent, DirNone, 0, 0); err != nil {
		return err
	}
	for i := 0; i < numPorts; i++ {
		portSubslot := uint16(interfaceSubslot + 1 + i)
		if err := t.PlugSubmodule(dapSlot, portSubslot, portIdentBase+uint32(i), DirNone, 0, 0); err != nil {
			return err
		}
	}
	return nil
}
