// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package diag implements the diagnosis store: a fixed-capacity arena
// of diagnosis records linked, per subslot, as singly-linked lists
// addressed by arena index rather than pointer. A record is a
// two-variant sum type, standard or manufacturer (USI).
package diag

import "sync"

// Severity bits recomputed on every modification.
type Severity struct {
	MaintenanceRequired bool
	MaintenanceDemanded bool
	Fault               bool
}

// Appearance is the 2-bit appearance field carried in
// ChannelProperties.
type Appearance uint8

const (
	AppearanceAppears Appearance = iota
	AppearanceDisappears
	AppearanceDisappearsOthersRemain
	AppearanceAllDisappears
)

// ChannelProperties is the unpacked view of the standard variant's
// properties bitfield: severity, appearance, and individual-vs-group
// grouping.
type ChannelProperties struct {
	Specifier      Appearance
	MaintenanceReq bool
	MaintenanceDem bool
	Fault          bool
	IsGroupDiag    bool
	Accumulative   bool
}

// PackChannelProperties flattens ChannelProperties to its 16-bit wire
// field: maintenance-required bit 0, maintenance-demanded bit 1, fault
// bit 2, group bit 3, accumulative bit 4, appearance specifier in
// bits 8-9.
func PackChannelProperties(p ChannelProperties) uint16 {
	var v uint16
	if p.MaintenanceReq {
		v |= 1 << 0
	}
	if p.MaintenanceDem {
		v |= 1 << 1
	}
	if p.Fault {
		v |= 1 << 2
	}
	if p.IsGroupDiag {
		v |= 1 << 3
	}
	if p.Accumulative {
		v |= 1 << 4
	}
	v |= uint16(p.Specifier&0x3) << 8
	return v
}

// UnpackChannelProperties is the inverse of PackChannelProperties.
func UnpackChannelProperties(v uint16) ChannelProperties {
	return ChannelProperties{
		MaintenanceReq: v&(1<<0) != 0,
		MaintenanceDem: v&(1<<1) != 0,
		Fault:          v&(1<<2) != 0,
		IsGroupDiag:    v&(1<<3) != 0,
		Accumulative:   v&(1<<4) != 0,
		Specifier:      Appearance((v >> 8) & 0x3),
	}
}

// Standard is the "standard" diagnosis variant.
type Standard struct {
	Channel      uint16
	Properties   ChannelProperties
	ErrorType    uint16
	ExtErrorType uint16
	ExtValue     uint32
	Qualifier    uint32
}

// key returns the tuple records are upserted on.
func (s Standard) key() (uint16, uint16, uint16) { return s.Channel, s.ErrorType, s.ExtErrorType }

// USI is the "manufacturer" diagnosis variant: a USI discriminator in
// [0, 0x7FFF] plus up to 220 opaque bytes.
type USI struct {
	USI   uint16
	Bytes []byte
}

const MaxUSIBytes = 220

// Kind discriminates the two-variant sum type.
type Kind int

const (
	KindStandard Kind = iota
	KindUSI
)

// Item is the tagged-variant diagnosis record. Only the field matching
// Kind is meaningful.
type Item struct {
	Kind     Kind
	Standard Standard
	USI      USI
}

const noItem = -1

type record struct {
	inUse bool
	item  Item
	next  int // index of next item in this subslot's list, or noItem
}

// ChangeKind reports what an add/update/remove call actually did, used
// by callers that emit a diagnosis alarm on change.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

// Filter selects records for Traverse.
type Filter int

const (
	FilterFaultStandard Filter = iota
	FilterFaultAll
	FilterAll
	FilterMaintenanceRequired
	FilterMaintenanceDemanded
)

// ErrNotFound is returned by update_*/remove_* when no matching
// record exists in the subslot's list.
type ErrNotFound struct{}

func (ErrNotFound) Error() string { return "diagnosis record not found" }

// ErrOutOfResources is returned when the arena free-list is
// exhausted.
type ErrOutOfResources struct{}

func (ErrOutOfResources) Error() string { return "diagnosis arena exhausted" }

// SubslotKey identifies the owning subslot; diag is agnostic to the
// identification tree's own representation and only needs a
// comparable key.
type SubslotKey struct {
	API     uint32
	Slot    uint16
	Subslot uint16
}

// Store is the fixed-capacity diagnosis arena plus per-subslot list
// heads. Construct with New.
type Store struct {
	mu      sync.Mutex
	arena   []record
	freeTop int // head of the arena free list, threaded through record.next
	heads   map[SubslotKey]int
}

// New allocates a store with room for capacity diagnosis items across
// all subslots.
func New(capacity int) *Store {
	s := &Store{
		arena: make([]record, capacity),
		heads: make(map[SubslotKey]int),
	}
	for i := range s.arena {
		s.arena[i].next = i + 1
	}
	if capacity > 0 {
		s.arena[capacity-1].next = noItem
	} else {
		s.freeTop = noItem
	}
	return s
}

func (s *Store) alloc() (int, error) {
	if s.freeTop == noItem {
		return -1, ErrOutOfResources{}
	}
	idx := s.freeTop
	s.freeTop = s.arena[idx].next
	s.arena[idx].inUse = true
	return idx, nil
}

func (s *Store) release(idx int) {
	s.arena[idx] = record{next: s.freeTop}
	s.freeTop = idx
}

// AddStandard upserts by (channel, error_type, ext_error_type): if a
// matching record exists in the subslot's list, its ext_value and
// qualifier are updated in place (ChangeUpdated); otherwise a new
// record is allocated and linked at the list head (ChangeAdded).
func (s *Store) AddStandard(key SubslotKey, rec Standard) (ChangeKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := s.headOrSentinel(key); idx != noItem; idx = s.arena[idx].next {
		it := &s.arena[idx].item
		if it.Kind == KindStandard {
			if a, b, c := it.Standard.key(); a == rec.Channel && b == rec.ErrorType && c == rec.ExtErrorType {
				it.Standard.ExtValue = rec.ExtValue
				it.Standard.Qualifier = rec.Qualifier
				it.Standard.Properties = rec.Properties
				s.recomputeSeverity(key)
				return ChangeUpdated, nil
			}
		}
	}

	idx, err := s.alloc()
	if err != nil {
		return 0, err
	}
	s.arena[idx].item = Item{Kind: KindStandard, Standard: rec}
	s.arena[idx].next = s.headOrSentinel(key)
	s.heads[key] = idx
	s.recomputeSeverity(key)
	return ChangeAdded, nil
}

func (s *Store) headOrSentinel(key SubslotKey) int {
	if h, ok := s.heads[key]; ok {
		return h
	}
	return noItem
}

// UpdateStandard refuses when no matching record is present.
func (s *Store) UpdateStandard(key SubslotKey, rec Standard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.headOrSentinel(key)
	for idx != noItem {
		it := &s.arena[idx].item
		if it.Kind == KindStandard {
			if a, b, c := it.Standard.key(); a == rec.Channel && b == rec.ErrorType && c == rec.ExtErrorType {
				it.Standard.ExtValue = rec.ExtValue
				it.Standard.Qualifier = rec.Qualifier
				it.Standard.Properties = rec.Properties
				s.recomputeSeverity(key)
				return nil
			}
		}
		idx = s.arena[idx].next
	}
	return ErrNotFound{}
}

// RemoveStandard unlinks the matching record and returns it to the
// free list.
func (s *Store) RemoveStandard(key SubslotKey, channel, errorType, extErrorType uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := noItem
	idx := s.headOrSentinel(key)
	for idx != noItem {
		it := &s.arena[idx].item
		if it.Kind == KindStandard {
			if a, b, c := it.Standard.key(); a == channel && b == errorType && c == extErrorType {
				next := s.arena[idx].next
				if prev == noItem {
					if next == noItem {
						delete(s.heads, key)
					} else {
						s.heads[key] = next
					}
				} else {
					s.arena[prev].next = next
				}
				s.release(idx)
				s.recomputeSeverity(key)
				return nil
			}
		}
		prev = idx
		idx = s.arena[idx].next
	}
	return ErrNotFound{}
}

// AddUSI upserts by USI only: one record per USI per subslot.
func (s *Store) AddUSI(key SubslotKey, rec USI) (ChangeKind, error) {
	if len(rec.Bytes) > MaxUSIBytes {
		rec.Bytes = rec.Bytes[:MaxUSIBytes]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.headOrSentinel(key)
	for idx != noItem {
		it := &s.arena[idx].item
		if it.Kind == KindUSI && it.USI.USI == rec.USI {
			it.USI.Bytes = rec.Bytes
			return ChangeUpdated, nil
		}
		idx = s.arena[idx].next
	}
	newIdx, err := s.alloc()
	if err != nil {
		return 0, err
	}
	s.arena[newIdx].item = Item{Kind: KindUSI, USI: rec}
	s.arena[newIdx].next = s.headOrSentinel(key)
	s.heads[key] = newIdx
	return ChangeAdded, nil
}

// UpdateUSI refuses when no record with the given USI is present.
func (s *Store) UpdateUSI(key SubslotKey, rec USI) error {
	if len(rec.Bytes) > MaxUSIBytes {
		rec.Bytes = rec.Bytes[:MaxUSIBytes]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := s.headOrSentinel(key); idx != noItem; idx = s.arena[idx].next {
		it := &s.arena[idx].item
		if it.Kind == KindUSI && it.USI.USI == rec.USI {
			it.USI.Bytes = rec.Bytes
			return nil
		}
	}
	return ErrNotFound{}
}

// RemoveUSI unlinks the record matching usi.
func (s *Store) RemoveUSI(key SubslotKey, usi uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := noItem
	idx := s.headOrSentinel(key)
	for idx != noItem {
		it := &s.arena[idx].item
		if it.Kind == KindUSI && it.USI.USI == usi {
			next := s.arena[idx].next
			if prev == noItem {
				if next == noItem {
					delete(s.heads, key)
				} else {
					s.heads[key] = next
				}
			} else {
				s.arena[prev].next = next
			}
			s.release(idx)
			return nil
		}
		prev = idx
		idx = s.arena[idx].next
	}
	return ErrNotFound{}
}

// Traverse enumerates items in key's list matching filter, e.g. for
// answering read-record requests.
func (s *Store) Traverse(key SubslotKey, filter Filter) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for idx := s.headOrSentinel(key); idx != noItem; idx = s.arena[idx].next {
		it := s.arena[idx].item
		if matchesFilter(it, filter) {
			out = append(out, it)
		}
	}
	return out
}

func matchesFilter(it Item, f Filter) bool {
	switch f {
	case FilterAll:
		return true
	case FilterFaultAll:
		return it.Kind == KindUSI || it.Standard.Properties.Fault
	case FilterFaultStandard:
		return it.Kind == KindStandard && it.Standard.Properties.Fault
	case FilterMaintenanceRequired:
		return it.Kind == KindStandard && it.Standard.Properties.MaintenanceReq
	case FilterMaintenanceDemanded:
		return it.Kind == KindStandard && it.Standard.Properties.MaintenanceDem
	default:
		return false
	}
}

// Severity recomputes and returns the disjunction of the subslot's
// list.
func (s *Store) Severity(key SubslotKey) Severity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.severityLocked(key)
}

func (s *Store) severityLocked(key SubslotKey) Severity {
	var sev Severity
	for idx := s.headOrSentinel(key); idx != noItem; idx = s.arena[idx].next {
		it := s.arena[idx].item
		if it.Kind != KindStandard {
			continue
		}
		sev.MaintenanceRequired = sev.MaintenanceRequired || it.Standard.Properties.MaintenanceReq
		sev.MaintenanceDemanded = sev.MaintenanceDemanded || it.Standard.Properties.MaintenanceDem
		sev.Fault = sev.Fault || it.Standard.Properties.Fault
	}
	return sev
}

func (s *Store) recomputeSeverity(key SubslotKey) {
	// severityLocked recomputes on demand; nothing to cache today, but
	// the call site marks where a cached summary would be refreshed if
	// ident starts storing one per subslot.
	_ = s.severityLocked(key)
}

// KeyedItem pairs an item with its owning subslot, for snapshotting.
type KeyedItem struct {
	Key  SubslotKey
	Item Item
}

// Dump enumerates every record in the store, e.g. for the persisted
// diagnosis snapshot.
func (s *Store) Dump() []KeyedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KeyedItem
	for key, head := range s.heads {
		for idx := head; idx != noItem; idx = s.arena[idx].next {
			out = append(out, KeyedItem{Key: key, Item: s.arena[idx].item})
		}
	}
	return out
}

// InUseCount reports arena occupancy, for diagnostics and tests.
func (s *Store) InUseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.arena {
		if s.arena[i].inUse {
			n++
		}
	}
	return n
}
