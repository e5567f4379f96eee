// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"
)

// noopTimer never fires; the happy-path cluster test below completes well
// within any timeout, so no retransmission/view-change machinery needs to
// engage.
type noopTimer struct{}

func (noopTimer) Schedule(time.Duration, TimerToken) error { return nil }
func (noopTimer) Cancel(TimerToken)                         {}

// echoApplicationStateMachine returns the operation bytes verbatim as the
// result, with the state digest folded over them — enough determinism for
// a cluster test without a real ledger.
type echoApplicationStateMachine struct{}

func (echoApplicationStateMachine) Apply(op []byte) ([]byte, Digest) {
	var d Digest
	sha3.ShakeSum256(d[:], op)
	return op, d
}

func randomMACKey(t *testing.T) MACKey {
	var k MACKey
	_, err := rand.Read(k[:])
	require.NoError(t, err)
	return k
}

// buildClusterKeys wires a fully pairwise-keyed cluster: every pair of
// replicas shares one symmetric MAC key (for PRE-PREPARE/PREPARE/COMMIT
// authenticators), every replica can verify every other's Ed25519 sig
// (for VIEW-CHANGE/NEW-VIEW), and every replica shares a pairwise MAC key
// with the client (for REPLY) while trusting the client's REQUEST
// signature.
func buildClusterKeys(t *testing.T, replicas []ReplicaID, client ClientID) (map[ReplicaID]*KeyRing, *KeyRing) {
	pub := make(map[ReplicaID]PublicKey)
	priv := make(map[ReplicaID]PrivateKey)
	for _, id := range replicas {
		pk, sk, err := GenerateKeyPair()
		require.NoError(t, err)
		pub[id] = pk
		priv[id] = sk
	}

	pairwise := make(map[[2]ReplicaID]MACKey)
	pairKey := func(a, b ReplicaID) MACKey {
		if a > b {
			a, b = b, a
		}
		k := [2]ReplicaID{a, b}
		if mk, ok := pairwise[k]; ok {
			return mk
		}
		mk := randomMACKey(t)
		pairwise[k] = mk
		return mk
	}

	clientPK, clientSK, err := GenerateKeyPair()
	require.NoError(t, err)
	clientReplicaKey := make(map[ReplicaID]MACKey)
	for _, id := range replicas {
		clientReplicaKey[id] = randomMACKey(t)
	}

	rings := make(map[ReplicaID]*KeyRing)
	for _, id := range replicas {
		verify := make(map[ReplicaID]PublicKey)
		mac := make(map[ReplicaID]MACKey)
		for _, other := range replicas {
			if other == id {
				continue
			}
			verify[other] = pub[other]
			mac[other] = pairKey(id, other)
		}
		rings[id] = &KeyRing{
			SelfID:         id,
			SignSK:         priv[id],
			VerifyPK:       verify,
			MACKeys:        mac,
			ClientVerifyPK: map[ClientID]PublicKey{client: clientPK},
			ClientMACKeys:  map[ClientID]MACKey{client: clientReplicaKey[id]},
		}
	}

	clientRing := &KeyRing{
		SignSK:  clientSK,
		MACKeys: clientReplicaKey,
	}

	return rings, clientRing
}
