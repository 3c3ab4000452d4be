// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"github.com/rob-gra/pnio/alarm"
	"github.com/rob-gra/pnio/discovery"
)

// StateEvent is the lifecycle milestone delivered to Callbacks.State.
type StateEvent int

const (
	StateStartup StateEvent = iota // inbound Connect accepted
	StatePrmEnd                    // controller finished parameterization
	StateApplRdy                   // controller confirmed application-ready
	StateData                      // first cyclic exchange completed
	StateAbort                     // AR torn down; Fault carries the cause
)

func (s StateEvent) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StatePrmEnd:
		return "PRMEND"
	case StateApplRdy:
		return "APPLRDY"
	case StateData:
		return "DATA"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Callbacks is the capability record the application hands to Init.
// Every behavior is optional: a nil field defaults to success / no-op.
// A non-nil error return from any behavior aborts the AR it concerns,
// except State on StateAbort, where the return value is ignored.
type Callbacks struct {
	// Connect is told about an inbound Connect before the AR is
	// committed.
	Connect func(arep AREP) error
	// Release is told the controller released the AR.
	Release func(arep AREP) error
	// DControl is told about a device-control request (parameter-end).
	DControl func(arep AREP) error
	// CControl is told the controller confirmed the device's
	// application-ready request.
	CControl func(arep AREP) error
	// State is the lifecycle hook. Applications handling StatePrmEnd
	// must eventually call Device.ApplicationReady.
	State func(arep AREP, ev StateEvent, fault *Fault) error
	// Read serves an acyclic read-record request the core does not
	// answer itself (I&M and diagnosis reads are answered internally).
	Read func(arep AREP, api uint32, slot, subslot, index uint16) ([]byte, error)
	// Write serves an acyclic write-record request.
	Write func(arep AREP, api uint32, slot, subslot, index uint16, data []byte) error
	// ExpModule and ExpSubmodule let the application plug on demand
	// when the controller expects a module the tree does not carry.
	ExpModule    func(api uint32, slot uint16, moduleIdent uint32) error
	ExpSubmodule func(api uint32, slot, subslot uint16, submoduleIdent uint32) error
	// NewDataStatus reports a change in the received cyclic data
	// status byte.
	NewDataStatus func(arep AREP, status byte)
	// AlarmInd delivers an inbound alarm notification. Returning
	// alarm.ErrDeferAck withholds the wire ACK until AlarmSendAck.
	AlarmInd func(arep AREP, n alarm.Notification) error
	// AlarmCnf reports the outcome of a prior alarm send, exactly once
	// per accepted send.
	AlarmCnf func(arep AREP, err error)
	// AlarmAckCnf reports the outcome of an alarm ACK emission.
	AlarmAckCnf func(arep AREP, err error)
	// Reset is told a factory reset was performed.
	Reset func(mode discovery.ResetMode) error
	// SignalLED drives the identification LED on a DCP signal request.
	SignalLED func(on bool) error
}

// fill substitutes success/no-op defaults for every nil behavior so
// the engine never nil-checks at call sites.
func (sf *Callbacks) fill() {
	if sf.Connect == nil {
		sf.Connect = func(AREP) error { return nil }
	}
	if sf.Release == nil {
		sf.Release = func(AREP) error { return nil }
	}
	if sf.DControl == nil {
		sf.DControl = func(AREP) error { return nil }
	}
	if sf.CControl == nil {
		sf.CControl = func(AREP) error { return nil }
	}
	if sf.State == nil {
		sf.State = func(AREP, StateEvent, *Fault) error { return nil }
	}
	if sf.Read == nil {
		sf.Read = func(AREP, uint32, uint16, uint16, uint16) ([]byte, error) { return nil, nil }
	}
	if sf.Write == nil {
		sf.Write = func(AREP, uint32, uint16, uint16, uint16, []byte) error { return nil }
	}
	if sf.ExpModule == nil {
		sf.ExpModule = func(uint32, uint16, uint32) error { return nil }
	}
	if sf.ExpSubmodule == nil {
		sf.ExpSubmodule = func(uint32, uint16, uint16, uint32) error { return nil }
	}
	if sf.NewDataStatus == nil {
		sf.NewDataStatus = func(AREP, byte) {}
	}
	if sf.AlarmInd == nil {
		sf.AlarmInd = func(AREP, alarm.Notification) error { return nil }
	}
	if sf.AlarmCnf == nil {
		sf.AlarmCnf = func(AREP, error) {}
	}
	if sf.AlarmAckCnf == nil {
		sf.AlarmAckCnf = func(AREP, error) {}
	}
	if sf.Reset == nil {
		sf.Reset = func(discovery.ResetMode) error { return nil }
	}
	if sf.SignalLED == nil {
		sf.SignalLED = func(bool) error { return nil }
	}
}
