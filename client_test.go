// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingTransport captures every request broadcast by a Client,
// standing in for memnet when a test only needs to inspect what the
// client sent rather than run a live cluster.
type recordingTransport struct {
	mu   sync.Mutex
	sent []*Request
}

func (rt *recordingTransport) Broadcast(req *Request) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sent = append(rt.sent, req)
	return nil
}

func (rt *recordingTransport) last() *Request {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.sent) == 0 {
		return nil
	}
	return rt.sent[len(rt.sent)-1]
}

func testClientKeys(t *testing.T, replicas []ReplicaID) (*KeyRing, map[ReplicaID]MACKey) {
	_, sk, err := GenerateKeyPair()
	require.NoError(t, err)
	macKeys := make(map[ReplicaID]MACKey)
	for _, id := range replicas {
		macKeys[id] = randomMACKey(t)
	}
	return &KeyRing{SignSK: sk, MACKeys: macKeys}, macKeys
}

func TestClientSubmitResolvesOnQuorum(t *testing.T) {
	replicas := []ReplicaID{0, 1, 2, 3}
	keys, macKeys := testClientKeys(t, replicas)
	transport := &recordingTransport{}
	client := NewClient(ClientParams{ID: "alice", N: 4, F: 1, RequestTimeout: time.Second, Keys: keys}, transport, noopTimer{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan SubmitOutcome, 1)
	errCh := make(chan error, 1)
	go func() {
		outcome, err := client.Submit(ctx, []byte("do-it"))
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- outcome
	}()

	// Wait for the request to be broadcast, then reply from a matching
	// quorum of 2f+1=3 replicas with identical (view, result, hcv).
	require.Eventually(t, func() bool { return transport.last() != nil }, time.Second, 5*time.Millisecond)
	req := transport.last()

	hcv := nextHCV(GenesisHCV(), digestBytes([]byte("do-it")), 1, 0)
	for _, id := range []ReplicaID{0, 1, 2} {
		reply := &Reply{View: 0, Seq: 1, Timestamp: req.Timestamp, Client: "alice", Sender: id, Result: []byte("ack"), HCVSender: hcv}
		reply.Auth = Authenticate(macKeys[id], digestBytesOf(reply))
		client.HandleReply(reply)
	}

	select {
	case outcome := <-resultCh:
		require.Equal(t, []byte("ack"), outcome.Result)
		require.False(t, outcome.ForkAlarm)
	case err := <-errCh:
		t.Fatalf("submit failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for quorum resolution")
	}
}

func TestClientRejectsReplyWithBadAuth(t *testing.T) {
	replicas := []ReplicaID{0, 1, 2, 3}
	keys, _ := testClientKeys(t, replicas)
	transport := &recordingTransport{}
	client := NewClient(ClientParams{ID: "alice", N: 4, F: 1, RequestTimeout: time.Second, Keys: keys}, transport, noopTimer{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := client.Submit(ctx, []byte("op"))
		done <- err
	}()

	require.Eventually(t, func() bool { return transport.last() != nil }, time.Second, 5*time.Millisecond)
	req := transport.last()

	var wrongKey MACKey
	wrongKey[0] = 0xff
	reply := &Reply{View: 0, Seq: 1, Timestamp: req.Timestamp, Client: "alice", Sender: 0, Result: []byte("ack")}
	reply.Auth = Authenticate(wrongKey, digestBytesOf(reply))
	client.HandleReply(reply) // forged MAC, dropped silently

	err := <-done
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientDetectsForkAlarmOnDivergentHCV(t *testing.T) {
	replicas := []ReplicaID{0, 1, 2, 3}
	keys, macKeys := testClientKeys(t, replicas)
	transport := &recordingTransport{}
	client := NewClient(ClientParams{ID: "alice", N: 4, F: 1, RequestTimeout: time.Second, Keys: keys}, transport, noopTimer{}, nil)

	// Seed the client's version vector as if an earlier round already
	// recorded replica 0 at (view 0, seq 1) with one HCV.
	earlier := nextHCV(GenesisHCV(), digestBytes([]byte("first")), 1, 0)
	client.vv.Update(0, 0, 1, earlier)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resultCh := make(chan SubmitOutcome, 1)
	go func() {
		outcome, err := client.Submit(ctx, []byte("second"))
		require.NoError(t, err)
		resultCh <- outcome
	}()

	require.Eventually(t, func() bool { return transport.last() != nil }, time.Second, 5*time.Millisecond)
	req := transport.last()

	// A different HCV reported for the same (view, seq) replica 0 already
	// voted on: a hash-chain fork.
	forked := nextHCV(GenesisHCV(), digestBytes([]byte("different-branch")), 1, 0)
	for _, id := range []ReplicaID{0, 1, 2} {
		reply := &Reply{View: 0, Seq: 1, Timestamp: req.Timestamp, Client: "alice", Sender: id, Result: []byte("ack"), HCVSender: forked}
		reply.Auth = Authenticate(macKeys[id], digestBytesOf(reply))
		client.HandleReply(reply)
	}

	outcome := <-resultCh
	require.True(t, outcome.ForkAlarm)
}
