// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"bytes"
	"testing"

	"github.com/rob-gra/pnio/internal/testnet"
)

func TestPortRecordsPersist(t *testing.T) {
	files := testnet.NewFiles()
	s := newPortStore(files)

	check := []byte{0x01, 0x02, 0x03}
	if !s.writeRecord(0x8001, IndexPDPortDataCheck, check) {
		t.Fatal("check record refused")
	}
	if !s.writeRecord(0x8001, IndexPDPortDataAdjust, []byte{0x09}) {
		t.Fatal("adjust record refused")
	}
	if s.writeRecord(0x8001, 0x1234, nil) {
		t.Fatal("unknown index accepted")
	}

	s2 := newPortStore(files)
	body, ok := s2.readRecord(0x8001, IndexPDPortDataCheck)
	if !ok {
		t.Fatal("check record lost across restart")
	}
	if !bytes.HasSuffix(body, check) {
		t.Fatalf("record payload mangled: %v", body)
	}
	if _, ok := s2.readRecord(0x8002, IndexPDPortDataCheck); !ok {
		t.Fatal("absent port must still answer with an empty record")
	}
}

func TestSNMPStringsPersist(t *testing.T) {
	files := testnet.NewFiles()
	s := newPortStore(files)
	s.mu.Lock()
	s.sysContact, s.sysName, s.sysLocation = "ops@example.com", "dev", "hall b"
	s.save()
	s.mu.Unlock()

	s2 := newPortStore(files)
	s2.mu.Lock()
	defer s2.mu.Unlock()
	if s2.sysContact != "ops@example.com" || s2.sysName != "dev" || s2.sysLocation != "hall b" {
		t.Fatalf("snmp strings lost: %q %q %q", s2.sysContact, s2.sysName, s2.sysLocation)
	}
}

func TestPortStoreReset(t *testing.T) {
	files := testnet.NewFiles()
	s := newPortStore(files)
	s.writeRecord(0x8001, IndexPDPortDataCheck, []byte{1})
	s.reset()
	if b, _ := files.Load(portFileName); len(b) != 0 {
		t.Fatal("reset kept the port file")
	}
	body, _ := s.readRecord(0x8001, IndexPDPortDataCheck)
	// only the subslot prefix remains
	if len(body) != 8 {
		t.Fatalf("record survived reset: %v", body)
	}
}
