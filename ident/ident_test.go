// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package ident

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlugInvariants(t *testing.T) {
	tr := New(0)

	require.NoError(t, tr.PlugSubmodule(1, 1, 0x101, DirInput, 1, 0))

	// double plug refused
	err := tr.PlugSubmodule(1, 1, 0x101, DirInput, 1, 0)
	require.Error(t, err)

	// direction/size consistency
	tests := []struct {
		dir    Direction
		in, out int
		ok     bool
	}{
		{DirNone, 0, 0, true},
		{DirNone, 1, 0, false},
		{DirInput, 1, 0, true},
		{DirInput, 0, 0, false},
		{DirInput, 1, 1, false},
		{DirOutput, 0, 2, true},
		{DirOutput, 2, 2, false},
		{DirInputOutput, 1, 1, true},
		{DirInputOutput, 1, 0, false},
	}
	sub := uint16(10)
	for _, tt := range tests {
		err := tr.PlugSubmodule(2, sub, 0x200, tt.dir, tt.in, tt.out)
		if tt.ok {
			require.NoError(t, err, "dir=%v in=%d out=%d", tt.dir, tt.in, tt.out)
		} else {
			require.Error(t, err, "dir=%v in=%d out=%d", tt.dir, tt.in, tt.out)
		}
		sub++
	}
}

func TestPullModuleRemovesAllSubmodules(t *testing.T) {
	tr := New(0)
	require.NoError(t, tr.PlugSubmodule(3, 1, 0x300, DirInput, 2, 0))
	require.NoError(t, tr.PlugSubmodule(3, 2, 0x301, DirOutput, 0, 2))

	tr.PullModule(3)
	_, ok := tr.Lookup(3, 1)
	require.False(t, ok)
	_, ok = tr.Lookup(3, 2)
	require.False(t, ok)

	// a pulled slot can be re-plugged with a new layout
	require.NoError(t, tr.PlugSubmodule(3, 1, 0x302, DirNone, 0, 0))
}

func TestOwnership(t *testing.T) {
	tr := New(0)
	require.NoError(t, tr.PlugSubmodule(1, 1, 0x101, DirInput, 1, 0))
	require.NoError(t, tr.SetOwner(1, 1, AREP(5), OwnerControllerOwned))

	s, ok := tr.Lookup(1, 1)
	require.True(t, ok)
	require.Equal(t, AREP(5), s.Owner)
	require.Equal(t, OwnerControllerOwned, s.Ownership)

	tr.ReleaseOwner(AREP(5))
	s, _ = tr.Lookup(1, 1)
	require.Equal(t, NoAREP, s.Owner)
	require.Equal(t, OwnerFree, s.Ownership)
}

func TestDiffOutcomes(t *testing.T) {
	tr := New(0)
	require.NoError(t, tr.PlugSubmodule(1, 1, 0x101, DirInput, 1, 0)) // matches expected
	require.NoError(t, tr.PlugSubmodule(2, 1, 0x201, DirInput, 1, 0)) // ident differs
	require.NoError(t, tr.PlugSubmodule(3, 1, 0x301, DirInput, 1, 0)) // not expected at all

	tr.SetExpected(1, 1, 0x101)
	tr.SetExpected(2, 1, 0x202)
	tr.SetExpected(4, 1, 0x401) // expected, not plugged

	byIdent := map[uint16]SubmoduleDiff{}
	var states = map[uint16]ModuleState{}
	for _, md := range tr.Diff() {
		states[md.Slot] = md.State
		for _, e := range md.Entries {
			byIdent[e.Slot] = e
		}
	}

	require.Equal(t, IdentOK, byIdent[1].Ident)
	require.Equal(t, ModuleOK, states[1])
	require.Equal(t, IdentSubstitute, byIdent[2].Ident)
	require.Equal(t, ModuleSubstitute, states[2])
	require.Equal(t, IdentWrong, byIdent[3].Ident)
	require.Equal(t, ModuleWrong, states[3])
	require.Equal(t, IdentNone, byIdent[4].Ident)
	require.Equal(t, ModuleMissing, states[4])
}

func TestDiffARInfo(t *testing.T) {
	tr := New(0)
	require.NoError(t, tr.PlugSubmodule(1, 1, 0x101, DirInput, 1, 0))
	tr.SetExpected(1, 1, 0x101)
	require.NoError(t, tr.SetOwner(1, 1, AREP(1), OwnerControllerOwned))

	diff := tr.Diff()
	require.Len(t, diff, 1)
	require.Equal(t, ARInfoOwn, diff[0].Entries[0].AR)
}

func TestClearExpected(t *testing.T) {
	tr := New(0)
	tr.SetExpected(1, 1, 0x101)
	tr.ClearExpected()
	require.Empty(t, tr.Diff())
}

func TestPlugDAP(t *testing.T) {
	tr := New(0)
	require.NoError(t, tr.PlugDAP(0x8000, 0x8001, 2))

	for _, sub := range []uint16{1, 0x8000, 0x8001, 0x8002} {
		_, ok := tr.Lookup(0, sub)
		require.True(t, ok, "dap subslot %#x missing", sub)
	}
	_, ok := tr.Lookup(0, 0x8003)
	require.False(t, ok)
}
