// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeReplicaTransport records every send a Replica makes without any
// network delay, for driving view-change unit tests synchronously on the
// calling goroutine (the methods under test never block on the event
// loop, so Start() is unnecessary here).
type fakeReplicaTransport struct {
	mu         sync.Mutex
	broadcasts []Message
	unicasts   []Message
	replies    []*Reply
}

func (f *fakeReplicaTransport) Unicast(_ ReplicaID, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts = append(f.unicasts, msg)
	return nil
}

func (f *fakeReplicaTransport) Broadcast(_ ReplicaID, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeReplicaTransport) Reply(_ ClientID, msg *Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, msg)
	return nil
}

func (f *fakeReplicaTransport) lastBroadcast() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

func newTestReplica(t *testing.T, id ReplicaID, ring *KeyRing) (*Replica, *fakeReplicaTransport) {
	transport := &fakeReplicaTransport{}
	params := ReplicaParams{
		ID: id, N: 4, F: 1, WatermarkWindow: 100,
		RequestTimeout: time.Second, ViewChangeTimeout: time.Second,
		Keys: ring,
	}
	r := NewReplica(params, transport, nil, echoApplicationStateMachine{}, nil, nil)
	return r, transport
}

func TestBeginViewChangeBroadcastsOwnVote(t *testing.T) {
	rings, _ := buildClusterKeys(t, []ReplicaID{0, 1, 2, 3}, "nobody")
	r, transport := newTestReplica(t, 0, rings[0])

	r.beginViewChange("request timeout")

	require.Equal(t, StatusViewChanging, r.status)
	require.Equal(t, View(1), r.viewChangeTarget)

	vc, ok := transport.lastBroadcast().(*ViewChange)
	require.True(t, ok)
	require.Equal(t, View(1), vc.NewView)
	require.Equal(t, ReplicaID(0), vc.Sender)
}

func TestViewChangeCatchUpRule(t *testing.T) {
	rings, _ := buildClusterKeys(t, []ReplicaID{0, 1, 2, 3}, "nobody")
	r, _ := newTestReplica(t, 0, rings[0])

	signVC := func(sender ReplicaID, target View) *ViewChange {
		vc := &ViewChange{NewView: target, Sender: sender, HCVLatest: GenesisHCV()}
		vc.Sig = Sign(rings[sender].SignSK, digestBytesOf(vc))
		return vc
	}

	// f=1: a single VIEW-CHANGE for a higher view is not enough to catch up.
	r.handleViewChangeMsg(signVC(1, 5))
	require.Equal(t, StatusActive, r.status)

	// f+1=2 distinct senders for the same higher view triggers catch-up.
	r.handleViewChangeMsg(signVC(2, 5))
	require.Equal(t, StatusViewChanging, r.status)
	require.Equal(t, View(5), r.viewChangeTarget)
}

func TestViewChangeRejectsBadSignature(t *testing.T) {
	rings, _ := buildClusterKeys(t, []ReplicaID{0, 1, 2, 3}, "nobody")
	r, _ := newTestReplica(t, 0, rings[0])

	vc := &ViewChange{NewView: 3, Sender: 1, HCVLatest: GenesisHCV(), Sig: []byte("not-a-real-signature")}
	r.handleViewChangeMsg(vc)

	require.Equal(t, int64(1), r.metrics.Snapshot().Malformed)
	require.Equal(t, StatusActive, r.status)
}

func TestNewPrimaryAssemblesAndInstallsNewView(t *testing.T) {
	ids := []ReplicaID{0, 1, 2, 3}
	rings, _ := buildClusterKeys(t, ids, "nobody")

	target := View(1) // Primary(1, 4) == replica 1
	require.Equal(t, ReplicaID(1), Primary(target, 4))

	r, transport := newTestReplica(t, 1, rings[1])

	sign := func(vc *ViewChange) *ViewChange {
		vc.Sig = Sign(rings[vc.Sender].SignSK, digestBytesOf(vc))
		return vc
	}

	r.handleViewChangeMsg(sign(&ViewChange{NewView: target, Sender: 1, HCVLatest: GenesisHCV()}))
	r.handleViewChangeMsg(sign(&ViewChange{NewView: target, Sender: 2, HCVLatest: GenesisHCV()}))
	require.Equal(t, View(0), r.view) // not yet: only 2 of 2f+1=3 votes
	r.handleViewChangeMsg(sign(&ViewChange{NewView: target, Sender: 3, HCVLatest: GenesisHCV()}))

	require.Equal(t, target, r.view)
	require.Equal(t, StatusActive, r.status)

	var sawNewView bool
	transport.mu.Lock()
	for _, msg := range transport.broadcasts {
		if _, ok := msg.(*NewView); ok {
			sawNewView = true
		}
	}
	transport.mu.Unlock()
	require.True(t, sawNewView)
}
