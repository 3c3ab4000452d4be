// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package cmdev implements the per-AR state machine governing the
// application-relation lifecycle from POWER_ON through DATA to ABORT.
// As with every other state machine in this stack, it is a plain
// tagged state driven by external events, never a goroutine per AR.
package cmdev

import "sync"

// State is one of the AR lifecycle states.
type State int

const (
	StatePowerOn State = iota
	StateWCInd         // notifying application
	StateWCRes
	StateWSuCnf
	StateWPeInd // waiting for the controller's parameter-end Control
	StateWPeRes // application parameterization callback
	StateWArdy  // device emits application-ready CControl
	StateWArdyCnf
	StateWData
	StateData
	StateAbort
)

func (s State) String() string {
	switch s {
	case StatePowerOn:
		return "POWER_ON"
	case StateWCInd:
		return "W_CIND"
	case StateWCRes:
		return "W_CRES"
	case StateWSuCnf:
		return "W_SUCNF"
	case StateWPeInd:
		return "W_PEIND"
	case StateWPeRes:
		return "W_PERES"
	case StateWArdy:
		return "W_ARDY"
	case StateWArdyCnf:
		return "W_ARDYCNF"
	case StateWData:
		return "WDATA"
	case StateData:
		return "DATA"
	case StateAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// CallbackEvent is a lifecycle milestone delivered to the state
// callback.
type CallbackEvent int

const (
	EventStartup CallbackEvent = iota // entering W_CIND
	EventPrmEnd                       // entering W_PERES
	EventApplRdy                      // entering WDATA (controller confirmed application-ready)
	EventData                         // entering DATA
	EventAbort                        // entering ABORT
)

// ErrorTuple mirrors rpc.ErrorTuple's shape without importing rpc, to
// keep cmdev free of a dependency on the RPC wire framing; the façade
// converts between the two at the boundary.
type ErrorTuple struct {
	ErrorCode, ErrorDecode, ErrorCode1, ErrorCode2 byte
}

// StateCallback is the application's lifecycle hook. An error return
// aborts the AR; on EventAbort the return value is ignored.
type StateCallback func(ev CallbackEvent, fault *ErrorTuple) error

// TeardownFunc tears down every subordinate machine owned by the AR:
// IOCRs (PPM/CPM), alarm lanes, RPC sessions, and frame-ID
// registrations.
type TeardownFunc func()

// CMDEV is one AR's lifecycle state machine.
type CMDEV struct {
	mu       sync.Mutex
	state    State
	cb       StateCallback
	teardown TeardownFunc

	prmEndRetryAllowed bool
	fault              *ErrorTuple
}

// New builds a CMDEV in POWER_ON.
func New(cb StateCallback, teardown TeardownFunc) *CMDEV {
	return &CMDEV{state: StatePowerOn, cb: cb, teardown: teardown}
}

// State reports the current state tag.
func (c *CMDEV) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrWrongState is returned when an event doesn't apply to the
// current state.
type ErrWrongState struct{ Have State }

func (e ErrWrongState) Error() string { return "cmdev: unexpected event in state " + e.Have.String() }

// OnConnect moves POWER_ON -> W_CIND and fires state_cb(STARTUP). A
// non-zero callback return aborts immediately.
func (c *CMDEV) OnConnect() error {
	c.mu.Lock()
	if c.state != StatePowerOn {
		c.mu.Unlock()
		return ErrWrongState{c.state}
	}
	c.state = StateWCInd
	c.mu.Unlock()
	return c.fireOrAbort(EventStartup)
}

// OnApplicationAccept moves W_CIND -> W_CRES, the application's
// acceptance of the inbound Connect.
func (c *CMDEV) OnApplicationAccept() error {
	return c.transition(StateWCInd, StateWCRes)
}

// OnStartupConfirmed moves W_CRES -> W_SUCNF ("CMSU startup OK").
func (c *CMDEV) OnStartupConfirmed() error {
	return c.transition(StateWCRes, StateWSuCnf)
}

// OnConfirm moves W_SUCNF -> W_PEIND, waiting for the controller's
// parameter-end Control.
func (c *CMDEV) OnConfirm() error {
	return c.transition(StateWSuCnf, StateWPeInd)
}

// OnParamEnd moves W_PEIND -> W_PERES and fires state_cb(PRMEND); the
// application must then call ApplicationReady.
func (c *CMDEV) OnParamEnd() error {
	c.mu.Lock()
	if c.state != StateWPeInd {
		c.mu.Unlock()
		return ErrWrongState{c.state}
	}
	c.state = StateWPeRes
	c.prmEndRetryAllowed = true
	c.mu.Unlock()
	return c.fireOrAbort(EventPrmEnd)
}

// ApplicationReady moves W_PERES -> W_ARDY. allReady must be true
// (all IOPS/IOCS set); otherwise a retry is allowed and this call
// returns ErrNotAllReady without changing state.
func (c *CMDEV) ApplicationReady(allReady bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWPeRes {
		return ErrWrongState{c.state}
	}
	if !allReady {
		return ErrNotAllReady{}
	}
	c.state = StateWArdy
	return nil
}

// ErrNotAllReady is returned by ApplicationReady when not every
// IOPS/IOCS has been set yet.
type ErrNotAllReady struct{}

func (ErrNotAllReady) Error() string { return "not all iops/iocs set" }

// OnApplicationReadySent moves W_ARDY -> W_ARDYCNF once the device's
// application-ready CControl has been emitted.
func (c *CMDEV) OnApplicationReadySent() error {
	return c.transition(StateWArdy, StateWArdyCnf)
}

// OnControllerConfirm moves W_ARDYCNF -> WDATA and fires
// state_cb(APPLRDY).
func (c *CMDEV) OnControllerConfirm() error {
	c.mu.Lock()
	if c.state != StateWArdyCnf {
		c.mu.Unlock()
		return ErrWrongState{c.state}
	}
	c.state = StateWData
	c.mu.Unlock()
	return c.fireOrAbort(EventApplRdy)
}

// OnFirstCyclicExchange moves WDATA -> DATA once CPM has accepted its
// first valid cyclic frame and PPM has transmitted for the first
// time, and fires the DATA callback.
func (c *CMDEV) OnFirstCyclicExchange() error {
	c.mu.Lock()
	if c.state != StateWData {
		c.mu.Unlock()
		return ErrWrongState{c.state}
	}
	c.state = StateData
	c.mu.Unlock()
	return c.fireOrAbort(EventData)
}

func (c *CMDEV) transition(from, to State) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return ErrWrongState{c.state}
	}
	c.state = to
	c.mu.Unlock()
	return nil
}

func (c *CMDEV) fireOrAbort(ev CallbackEvent) error {
	if c.cb == nil {
		return nil
	}
	if err := c.cb(ev, nil); err != nil {
		c.Abort(ErrorTuple{ErrorCode: 0x81, ErrorDecode: 0x81, ErrorCode1: CompCMDEV, ErrorCode2: appErrCode(ev)})
		return err
	}
	return nil
}

// CompCMDEV is this machine's error_code_1 component identifier.
const CompCMDEV byte = 0x01

func appErrCode(ev CallbackEvent) byte {
	switch ev {
	case EventStartup:
		return 0x01
	case EventPrmEnd:
		return 0x02
	case EventApplRdy:
		return 0x03
	default:
		return 0xFF
	}
}

// Abort transitions to ABORT from any state, tears down every
// subordinate machine, and fires the ABORT callback with the error
// tuple.
func (c *CMDEV) Abort(fault ErrorTuple) {
	c.mu.Lock()
	if c.state == StateAbort {
		c.mu.Unlock()
		return
	}
	c.state = StateAbort
	c.fault = &fault
	teardown := c.teardown
	cb := c.cb
	c.mu.Unlock()

	if teardown != nil {
		teardown()
	}
	if cb != nil {
		_ = cb(EventAbort, &fault)
	}
}

// LastFault returns the error tuple that caused the most recent
// abort, if any.
func (c *CMDEV) LastFault() *ErrorTuple {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}
