// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenesisHCVIsStable(t *testing.T) {
	require.Equal(t, GenesisHCV(), GenesisHCV())
}

func TestNextHCVChainsOnPredecessor(t *testing.T) {
	g := GenesisHCV()
	reqDigest := digestBytes([]byte("op1"))

	h1 := nextHCV(g, reqDigest, 1, 0)
	h1Again := nextHCV(g, reqDigest, 1, 0)
	require.Equal(t, h1, h1Again)

	h1DifferentView := nextHCV(g, reqDigest, 1, 1)
	require.NotEqual(t, h1, h1DifferentView)

	h2 := nextHCV(h1, digestBytes([]byte("op2")), 2, 0)
	require.NotEqual(t, h1, h2)
}

func TestVersionVectorUpdateAndEntry(t *testing.T) {
	vv := NewVersionVector()
	require.True(t, vv.IsEmpty())

	h := GenesisHCV()
	vv.Update(0, 1, 5, h)
	require.False(t, vv.IsEmpty())

	e, ok := vv.Entry(0)
	require.True(t, ok)
	require.Equal(t, ReplicaID(0), e.ReplicaID)
	require.Equal(t, SeqNum(5), e.Seq)

	_, ok = vv.Entry(1)
	require.False(t, ok)
}

func TestCurrentSystemStateRequiresQuorum(t *testing.T) {
	vv := NewVersionVector()
	h := GenesisHCV()
	// f=1 needs a quorum of 2f+1=3.
	vv.Update(0, 1, 5, h)
	vv.Update(1, 1, 5, h)
	_, ok := vv.CurrentSystemState(1)
	require.False(t, ok)

	vv.Update(2, 1, 5, h)
	entry, ok := vv.CurrentSystemState(1)
	require.True(t, ok)
	require.Equal(t, SeqNum(5), entry.Seq)
	require.Equal(t, h, entry.HCV)
}

func TestDivergesDetectsForkedHCVAtSameSlot(t *testing.T) {
	a := VersionVectorEntry{ReplicaID: 0, View: 1, Seq: 5, HCV: GenesisHCV()}
	b := VersionVectorEntry{ReplicaID: 0, View: 1, Seq: 5, HCV: nextHCV(GenesisHCV(), digestBytes([]byte("x")), 5, 1)}
	require.True(t, Diverges(a, b))

	c := VersionVectorEntry{ReplicaID: 1, View: 1, Seq: 5, HCV: b.HCV}
	require.False(t, Diverges(a, c)) // different replica, not a fork signal
}
