// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package diag

import "testing"

var testKey = SubslotKey{API: 0, Slot: 1, Subslot: 1}

func std(ch uint16, extVal uint32) Standard {
	return Standard{
		Channel:      ch,
		Properties:   ChannelProperties{Fault: true, Specifier: AppearanceAppears},
		ErrorType:    0x0100,
		ExtErrorType: 0x0001,
		ExtValue:     extVal,
		Qualifier:    0,
	}
}

func TestAddIsUpsert(t *testing.T) {
	s := New(8)

	change, err := s.AddStandard(testKey, std(4, 0))
	if err != nil || change != ChangeAdded {
		t.Fatalf("first add: change=%v err=%v", change, err)
	}
	change, err = s.AddStandard(testKey, std(4, 1234))
	if err != nil || change != ChangeUpdated {
		t.Fatalf("second add: change=%v err=%v", change, err)
	}
	if s.InUseCount() != 1 {
		t.Fatalf("duplicate add grew the list: %d items", s.InUseCount())
	}
	items := s.Traverse(testKey, FilterAll)
	if len(items) != 1 || items[0].Standard.ExtValue != 1234 {
		t.Fatalf("value not updated in place: %+v", items)
	}
}

func TestUpdateRefusesWhenAbsent(t *testing.T) {
	s := New(8)
	if err := s.UpdateStandard(testKey, std(4, 0)); err == nil {
		t.Fatal("update of absent record accepted")
	}
	if _, err := s.AddStandard(testKey, std(4, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStandard(testKey, std(4, 99)); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveTwiceFails(t *testing.T) {
	s := New(8)
	if _, err := s.AddStandard(testKey, std(4, 0)); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveStandard(testKey, 4, 0x0100, 0x0001); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveStandard(testKey, 4, 0x0100, 0x0001); err == nil {
		t.Fatal("second remove must fail")
	}
	if s.InUseCount() != 0 {
		t.Fatal("arena leak after remove")
	}
}

func TestArenaExhaustion(t *testing.T) {
	s := New(2)
	if _, err := s.AddStandard(testKey, std(1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddStandard(testKey, std(2, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddStandard(testKey, std(3, 0)); err == nil {
		t.Fatal("want out-of-resources")
	}
	// freeing one slot makes room again
	if err := s.RemoveStandard(testKey, 1, 0x0100, 0x0001); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddStandard(testKey, std(3, 0)); err != nil {
		t.Fatalf("arena slot not recycled: %v", err)
	}
}

func TestUSIUpsertByUSIOnly(t *testing.T) {
	s := New(4)
	change, err := s.AddUSI(testKey, USI{USI: 0x0010, Bytes: []byte{1}})
	if err != nil || change != ChangeAdded {
		t.Fatalf("add: %v %v", change, err)
	}
	change, err = s.AddUSI(testKey, USI{USI: 0x0010, Bytes: []byte{2}})
	if err != nil || change != ChangeUpdated {
		t.Fatalf("upsert: %v %v", change, err)
	}
	if err := s.UpdateUSI(testKey, USI{USI: 0x0011}); err == nil {
		t.Fatal("update of absent usi accepted")
	}
	if err := s.RemoveUSI(testKey, 0x0010); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveUSI(testKey, 0x0010); err == nil {
		t.Fatal("second usi remove must fail")
	}
}

func TestSeverityIsDisjunction(t *testing.T) {
	s := New(8)
	s.AddStandard(testKey, Standard{Channel: 1, ErrorType: 1, Properties: ChannelProperties{MaintenanceReq: true}})
	s.AddStandard(testKey, Standard{Channel: 2, ErrorType: 1, Properties: ChannelProperties{Fault: true}})

	sev := s.Severity(testKey)
	if !sev.MaintenanceRequired || !sev.Fault || sev.MaintenanceDemanded {
		t.Fatalf("severity wrong: %+v", sev)
	}

	s.RemoveStandard(testKey, 2, 1, 0)
	sev = s.Severity(testKey)
	if sev.Fault {
		t.Fatal("fault bit stuck after removal")
	}
}

func TestTraverseFilters(t *testing.T) {
	s := New(8)
	s.AddStandard(testKey, Standard{Channel: 1, ErrorType: 1, Properties: ChannelProperties{Fault: true}})
	s.AddStandard(testKey, Standard{Channel: 2, ErrorType: 1, Properties: ChannelProperties{MaintenanceDem: true}})
	s.AddUSI(testKey, USI{USI: 0x0005, Bytes: []byte{0xAB}})

	tests := []struct {
		filter Filter
		want   int
	}{
		{FilterAll, 3},
		{FilterFaultStandard, 1},
		{FilterFaultAll, 2}, // the usi record counts as fault-worthy
		{FilterMaintenanceDemanded, 1},
		{FilterMaintenanceRequired, 0},
	}
	for _, tt := range tests {
		if got := len(s.Traverse(testKey, tt.filter)); got != tt.want {
			t.Fatalf("filter %v: want %d, got %d", tt.filter, tt.want, got)
		}
	}
}

func TestChannelPropertiesRoundTrip(t *testing.T) {
	props := ChannelProperties{
		Specifier:      AppearanceDisappearsOthersRemain,
		MaintenanceDem: true,
		Fault:          true,
		Accumulative:   true,
	}
	got := UnpackChannelProperties(PackChannelProperties(props))
	if got != props {
		t.Fatalf("round trip: want %+v, got %+v", props, got)
	}
}

func TestListsArePerSubslot(t *testing.T) {
	s := New(8)
	other := SubslotKey{API: 0, Slot: 2, Subslot: 1}
	s.AddStandard(testKey, std(1, 0))
	s.AddStandard(other, std(1, 0))
	if len(s.Traverse(testKey, FilterAll)) != 1 || len(s.Traverse(other, FilterAll)) != 1 {
		t.Fatal("lists leaked across subslots")
	}
	if err := s.RemoveStandard(other, 1, 0x0100, 0x0001); err != nil {
		t.Fatal(err)
	}
	if len(s.Traverse(testKey, FilterAll)) != 1 {
		t.Fatal("removal in one subslot affected another")
	}
}

func TestDump(t *testing.T) {
	s := New(8)
	s.AddStandard(testKey, std(1, 7))
	s.AddUSI(testKey, USI{USI: 0x0003, Bytes: []byte{9}})
	all := s.Dump()
	if len(all) != 2 {
		t.Fatalf("want 2 dumped items, got %d", len(all))
	}
}
