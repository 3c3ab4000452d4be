// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cmdev

import (
	"errors"
	"testing"
)

type recorder struct {
	events    []CallbackEvent
	tornDown  bool
	failOn    CallbackEvent
	hasFail   bool
	lastFault *ErrorTuple
}

func (r *recorder) cb(ev CallbackEvent, fault *ErrorTuple) error {
	r.events = append(r.events, ev)
	if fault != nil {
		r.lastFault = fault
	}
	if r.hasFail && ev == r.failOn {
		return errors.New("refused")
	}
	return nil
}

func (r *recorder) teardown() { r.tornDown = true }

func walkToData(t *testing.T, c *CMDEV) {
	t.Helper()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"connect", c.OnConnect},
		{"accept", c.OnApplicationAccept},
		{"startup", c.OnStartupConfirmed},
		{"confirm", c.OnConfirm},
		{"prmend", c.OnParamEnd},
		{"appready", func() error { return c.ApplicationReady(true) }},
		{"readysent", c.OnApplicationReadySent},
		{"ctrlconfirm", c.OnControllerConfirm},
		{"cyclic", c.OnFirstCyclicExchange},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	r := &recorder{}
	c := New(r.cb, r.teardown)

	if c.State() != StatePowerOn {
		t.Fatal("not starting in POWER_ON")
	}
	walkToData(t, c)
	if c.State() != StateData {
		t.Fatalf("want DATA, got %s", c.State())
	}

	want := []CallbackEvent{EventStartup, EventPrmEnd, EventApplRdy, EventData}
	if len(r.events) != len(want) {
		t.Fatalf("events: %v", r.events)
	}
	for i := range want {
		if r.events[i] != want[i] {
			t.Fatalf("event order: %v", r.events)
		}
	}
}

func TestEventsRefusedInWrongState(t *testing.T) {
	r := &recorder{}
	c := New(r.cb, r.teardown)

	if err := c.OnParamEnd(); err == nil {
		t.Fatal("param end accepted in POWER_ON")
	}
	if err := c.OnControllerConfirm(); err == nil {
		t.Fatal("controller confirm accepted in POWER_ON")
	}
	if err := c.ApplicationReady(true); err == nil {
		t.Fatal("application ready accepted in POWER_ON")
	}
}

func TestApplicationReadyRetry(t *testing.T) {
	r := &recorder{}
	c := New(r.cb, r.teardown)
	_ = c.OnConnect()
	_ = c.OnApplicationAccept()
	_ = c.OnStartupConfirmed()
	_ = c.OnConfirm()
	_ = c.OnParamEnd()

	if err := c.ApplicationReady(false); err == nil {
		t.Fatal("incomplete iops accepted")
	}
	if c.State() != StateWPeRes {
		t.Fatal("failed ready attempt changed state")
	}
	if err := c.ApplicationReady(true); err != nil {
		t.Fatalf("retry refused: %v", err)
	}
}

func TestCallbackFailureAborts(t *testing.T) {
	r := &recorder{failOn: EventPrmEnd, hasFail: true}
	c := New(r.cb, r.teardown)
	_ = c.OnConnect()
	_ = c.OnApplicationAccept()
	_ = c.OnStartupConfirmed()
	_ = c.OnConfirm()

	if err := c.OnParamEnd(); err == nil {
		t.Fatal("callback failure not surfaced")
	}
	if c.State() != StateAbort {
		t.Fatalf("want ABORT, got %s", c.State())
	}
	if !r.tornDown {
		t.Fatal("teardown not run")
	}
	if r.events[len(r.events)-1] != EventAbort {
		t.Fatal("abort callback missing")
	}
}

func TestAbortFromAnyState(t *testing.T) {
	for _, steps := range []int{0, 1, 4, 9} {
		r := &recorder{}
		c := New(r.cb, r.teardown)
		all := []func() error{
			c.OnConnect, c.OnApplicationAccept, c.OnStartupConfirmed, c.OnConfirm,
			c.OnParamEnd, func() error { return c.ApplicationReady(true) },
			c.OnApplicationReadySent, c.OnControllerConfirm, c.OnFirstCyclicExchange,
		}
		for i := 0; i < steps; i++ {
			_ = all[i]()
		}
		fault := ErrorTuple{ErrorCode: 0xCF, ErrorDecode: 0x81, ErrorCode1: 0xFD, ErrorCode2: 0x05}
		c.Abort(fault)
		if c.State() != StateAbort {
			t.Fatalf("after %d steps: want ABORT, got %s", steps, c.State())
		}
		if !r.tornDown {
			t.Fatal("teardown not run")
		}
		if got := c.LastFault(); got == nil || *got != fault {
			t.Fatalf("fault not recorded: %+v", got)
		}
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	r := &recorder{}
	c := New(r.cb, r.teardown)
	c.Abort(ErrorTuple{ErrorCode: 1})
	n := len(r.events)
	c.Abort(ErrorTuple{ErrorCode: 2})
	if len(r.events) != n {
		t.Fatal("second abort fired callbacks again")
	}
	if c.LastFault().ErrorCode != 1 {
		t.Fatal("second abort overwrote the original fault")
	}
}
