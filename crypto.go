// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DigestSize is the fixed width, in bytes, of every digest and HCV value.
const DigestSize = 64

// Digest is a fixed-width collision-resistant hash over a canonical
// byte encoding.
type Digest [DigestSize]byte

func (d Digest) Bytes() []byte { return d[:] }

func (d Digest) String() string { return fmt.Sprintf("%x", d[:8]) }

// digestBytes uses SHAKE256 with a 64B output, matching the teacher's
// choice of primitive.
func digestBytes(data []byte) Digest {
	var d Digest
	sha3.ShakeSum256(d[:], data)
	return d
}

// PublicKey and PrivateKey are Ed25519 keys, reused for both REQUEST and
// VIEW-CHANGE signatures: public-key signatures are required wherever a
// single message must convince any future recipient (view-change
// evidence, client requests); per-hop MACs suffice for PRE-PREPARE,
// PREPARE, and COMMIT since those are consumed by their immediate
// recipients only.
type PublicKey = ed25519.PublicKey
type PrivateKey = ed25519.PrivateKey

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// Sign produces a detached Ed25519 signature over digest.
func Sign(sk PrivateKey, digest Digest) []byte {
	return ed25519.Sign(sk, digest[:])
}

// VerifySig checks an Ed25519 signature over digest.
func VerifySig(pk PublicKey, digest Digest, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pk, digest[:], sig)
}

// macKeySize is the MAC key length in bytes; blake2b accepts keys of up
// to 64 bytes, so a 32-byte key is always valid.
const macKeySize = 32

// MACKey is a pairwise symmetric key shared between two replicas (or a
// replica and a client) used to authenticate per-hop protocol messages.
type MACKey [macKeySize]byte

// Authenticator is one MAC tag, keyed to a single intended recipient.
type Authenticator [blake2b.Size256]byte

// Authenticate computes the per-hop MAC of digest under key. The caller
// is expected to compute one Authenticator per recipient using that
// recipient's pairwise key, forming the "MAC vector" of spec §4.1b.
func Authenticate(key MACKey, digest Digest) Authenticator {
	h, err := blake2b.New256(key[:])
	if err != nil {
		// Only returns an error for an invalid key size, which macKeySize
		// guarantees cannot happen.
		panic(err)
	}
	h.Write(digest[:])
	var out Authenticator
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyAuthenticator checks a MAC tag in constant time.
func VerifyAuthenticator(key MACKey, digest Digest, tag Authenticator) bool {
	want := Authenticate(key, digest)
	return subtle.ConstantTimeCompare(want[:], tag[:]) == 1
}

// KeyRing resolves the cryptographic material a replica or client needs:
// its own signing key, and for every peer, the peer's verification key
// (REQUEST/VIEW-CHANGE) and the pairwise MAC key used to authenticate
// per-hop messages exchanged with that peer.
type KeyRing struct {
	SelfID ReplicaID
	SignSK PrivateKey
	// VerifyPK verifies other replicas' VIEW-CHANGE/NEW-VIEW signatures.
	VerifyPK map[ReplicaID]PublicKey
	// MACKeys are pairwise symmetric keys shared with each other replica,
	// used for the PRE-PREPARE/PREPARE/COMMIT/CHECKPOINT authenticator
	// vector.
	MACKeys map[ReplicaID]MACKey
	// ClientVerifyPK verifies REQUEST signatures from each client.
	ClientVerifyPK map[ClientID]PublicKey
	// ClientMACKeys are pairwise symmetric keys shared with each client,
	// used to authenticate REPLY (the sole recipient being that client).
	ClientMACKeys map[ClientID]MACKey
}

func (kr *KeyRing) verifyPK(id ReplicaID) (PublicKey, bool) {
	pk, ok := kr.VerifyPK[id]
	return pk, ok
}

func (kr *KeyRing) macKey(id ReplicaID) (MACKey, bool) {
	k, ok := kr.MACKeys[id]
	return k, ok
}

func (kr *KeyRing) clientVerifyPK(id ClientID) (PublicKey, bool) {
	pk, ok := kr.ClientVerifyPK[id]
	return pk, ok
}

func (kr *KeyRing) clientMACKey(id ClientID) (MACKey, bool) {
	k, ok := kr.ClientMACKeys[id]
	return k, ok
}
