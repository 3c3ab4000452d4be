// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package sched

import "testing"

func TestTickFiresDueTimers(t *testing.T) {
	s := New(8)
	var fired []string
	cb := func(arg interface{}, now uint64) { fired = append(fired, arg.(string)) }

	if _, err := s.Schedule(1000, cb, "a", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(3000, cb, "b", "b"); err != nil {
		t.Fatal(err)
	}

	s.Tick(500)
	if len(fired) != 0 {
		t.Fatalf("fired too early: %v", fired)
	}
	s.Tick(1000)
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("want [a], got %v", fired)
	}
	s.Tick(5000)
	if len(fired) != 2 || fired[1] != "b" {
		t.Fatalf("want [a b], got %v", fired)
	}
}

func TestEqualExpiryRunsInInsertionOrder(t *testing.T) {
	s := New(8)
	var fired []string
	cb := func(arg interface{}, now uint64) { fired = append(fired, arg.(string)) }
	for _, name := range []string{"first", "second", "third"} {
		if _, err := s.Schedule(100, cb, name, name); err != nil {
			t.Fatal(err)
		}
	}
	s.Tick(100)
	want := []string{"first", "second", "third"}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("order broken: %v", fired)
		}
	}
}

func TestListStaysSorted(t *testing.T) {
	s := New(16)
	cb := func(interface{}, uint64) {}
	delays := []uint64{500, 100, 900, 300, 700, 200}
	for _, d := range delays {
		if _, err := s.Schedule(d, cb, nil, "t"); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Sorted() {
		t.Fatal("expiry list not sorted after inserts")
	}
	s.Tick(250)
	if !s.Sorted() {
		t.Fatal("expiry list not sorted after tick")
	}
}

func TestCancelAndReschedule(t *testing.T) {
	s := New(4)
	fired := 0
	cb := func(interface{}, uint64) { fired++ }

	h, err := s.Schedule(100, cb, nil, "x")
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel(h)
	s.Tick(1000)
	if fired != 0 {
		t.Fatal("cancelled timer fired")
	}
	// cancel of a stale handle is a no-op
	s.Cancel(h)

	h, err = s.Schedule(100, cb, nil, "y")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Reschedule(h, 500); err != nil {
		t.Fatal(err)
	}
	s.Tick(1100) // original expiry would be 1100; rescheduled is 1500
	if fired != 0 {
		t.Fatal("rescheduled timer fired at the old expiry")
	}
	s.Tick(1500)
	if fired != 1 {
		t.Fatal("rescheduled timer did not fire")
	}
	if err := s.Reschedule(h, 10); err == nil {
		t.Fatal("reschedule of a fired handle must fail")
	}
}

func TestCallbackMayRescheduleItself(t *testing.T) {
	s := New(4)
	count := 0
	var cb Callback
	cb = func(interface{}, uint64) {
		count++
		if count < 3 {
			s.Schedule(100, cb, nil, "self")
		}
	}
	s.Schedule(100, cb, nil, "self")
	for now := uint64(100); now <= 1000; now += 100 {
		s.Tick(now)
	}
	if count != 3 {
		t.Fatalf("want 3 firings, got %d", count)
	}
}

func TestScheduleFull(t *testing.T) {
	s := New(2)
	cb := func(interface{}, uint64) {}
	s.Schedule(10, cb, nil, "a")
	s.Schedule(10, cb, nil, "b")
	if _, err := s.Schedule(10, cb, nil, "c"); err == nil {
		t.Fatal("want ErrFull")
	}
	if s.InUseCount() != 2 {
		t.Fatalf("want 2 in use, got %d", s.InUseCount())
	}
}
