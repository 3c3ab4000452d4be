// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"testing"

	"github.com/rob-gra/pnio/internal/testnet"
)

func TestIMRecordsPersistAcrossRestart(t *testing.T) {
	files := testnet.NewFiles()
	seed := IMRecords{IM2: IM2{Date: "2024-01-02 10:00"}}

	s := newIMStore(IM0{VendorID: 0x0493}, seed, files)
	if ok, err := s.writeRecord(IndexIM1, append(padded("conveyor", 32), padded("line 4", 22)...)); !ok || err != nil {
		t.Fatalf("write im1: ok=%v err=%v", ok, err)
	}

	// a second store over the same files sees the written record and
	// keeps the seeded one
	s2 := newIMStore(IM0{VendorID: 0x0493}, seed, files)
	s2.mu.Lock()
	im1, im2 := s2.recs.IM1, s2.recs.IM2
	s2.mu.Unlock()
	if im1.TagFunction != "conveyor" || im1.TagLocation != "line 4" {
		t.Fatalf("im1 lost: %+v", im1)
	}
	if im2.Date != "2024-01-02 10:00" {
		t.Fatalf("seed lost: %+v", im2)
	}
}

func TestIMCorruptFileFallsBack(t *testing.T) {
	files := testnet.NewFiles()
	files.Save(imFileName, []byte{0xDE, 0xAD})
	s := newIMStore(IM0{}, IMRecords{IM3: IM3{Descriptor: "seeded"}}, files)
	s.mu.Lock()
	desc := s.recs.IM3.Descriptor
	s.mu.Unlock()
	if desc != "seeded" {
		t.Fatal("corrupt file clobbered the seed")
	}
}

func TestIM0ReadOnly(t *testing.T) {
	s := newIMStore(IM0{VendorID: 1}, IMRecords{}, nil)
	if _, ok := s.readRecord(IndexIM0); !ok {
		t.Fatal("im0 not readable")
	}
	if ok, _ := s.writeRecord(IndexIM0, make([]byte, 64)); ok {
		t.Fatal("im0 accepted a write")
	}
	if _, ok := s.readRecord(0x1234); ok {
		t.Fatal("non-i&m index served")
	}
}

func TestIMReset(t *testing.T) {
	files := testnet.NewFiles()
	s := newIMStore(IM0{}, IMRecords{}, files)
	s.writeRecord(IndexIM3, padded("to be erased", 54))
	if err := s.reset(); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	desc := s.recs.IM3.Descriptor
	s.mu.Unlock()
	if desc != "" {
		t.Fatal("reset kept a record")
	}
	if b, _ := files.Load(imFileName); len(b) != 0 {
		t.Fatal("reset kept the file")
	}
}

func TestPadTrim(t *testing.T) {
	p := padded("ab", 4)
	if string(p) != "ab  " {
		t.Fatalf("padded: %q", p)
	}
	if trimmed(p) != "ab" {
		t.Fatalf("trimmed: %q", trimmed(p))
	}
	if trimmed([]byte{'x', 0, 0}) != "x" {
		t.Fatal("nul bytes not trimmed")
	}
}
