// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import "fmt"

// HCV is the hash-chain version: a per-replica scalar summarizing the
// executed prefix of the log. Two honest replicas that have committed
// the same prefix must publish identical HCVs.
type HCV Digest

// Digest returns the underlying fixed-width digest, used wherever an HCV
// needs to be folded into another canonical encoding.
func (h HCV) Digest() Digest { return Digest(h) }

func (h HCV) String() string { return fmt.Sprintf("%x", h[:8]) }

func (h HCV) Equal(o HCV) bool { return h == o }

// hcvGenesisLabel is the well-known constant HCV_0, §3's "well-known
// constant" — the source pins no concrete genesis value, so this
// implementation fixes one (see DESIGN.md, "Hash-chain version vector").
const hcvGenesisLabel = "bft2f/hcv-genesis/v1"

// GenesisHCV is HCV_0.
func GenesisHCV() HCV {
	return HCV(digestBytes([]byte(hcvGenesisLabel)))
}

// nextHCV computes hcv_n = H(hcv_{n-1} || digest(request_n) || n || v)
// per spec §3/§4.3. executeEntry is the only caller that advances a
// replica's own HCV with it, at execution time; handleRequest also calls
// it to extrapolate the primary's hcv_primary for a PRE-PREPARE.
func nextHCV(prev HCV, reqDigest Digest, n SeqNum, v View) HCV {
	b := newEncoder().digestField(prev.Digest()).digestField(reqDigest).u64(uint64(n)).u64(uint64(v)).bytes()
	return HCV(digestBytes(b))
}

// VersionVectorEntry records one replica's reported position: the id of
// the replica the entry is *about*, the view and sequence number it had
// executed through, and the HCV at that point.
type VersionVectorEntry struct {
	ReplicaID ReplicaID
	View      View
	Seq       SeqNum
	HCV       HCV
}

// VersionVector collects, for an observer (a replica or a client),
// the latest entry reported by each peer — the Go rendering of
// original_source/library/version_vector.py's VersionVector.
type VersionVector struct {
	entries map[ReplicaID]VersionVectorEntry
}

func NewVersionVector() *VersionVector {
	return &VersionVector{entries: make(map[ReplicaID]VersionVectorEntry)}
}

// Update records or replaces the entry reported for replica id.
func (vv *VersionVector) Update(id ReplicaID, view View, seq SeqNum, hcv HCV) {
	vv.entries[id] = VersionVectorEntry{ReplicaID: id, View: view, Seq: seq, HCV: hcv}
}

// Entry returns the last entry recorded for id, if any.
func (vv *VersionVector) Entry(id ReplicaID) (VersionVectorEntry, bool) {
	e, ok := vv.entries[id]
	return e, ok
}

func (vv *VersionVector) IsEmpty() bool { return len(vv.entries) == 0 }

// CurrentSystemState returns an entry that 2f+1 or more sources agree on
// for a given (seq, hcv) pair — the lowest-id reporter among that
// agreeing set, matching version_vector.py's get_current_system_state.
// A zero-value entry and false mean no such quorum exists yet.
func (vv *VersionVector) CurrentSystemState(f int) (VersionVectorEntry, bool) {
	type key struct {
		seq SeqNum
		hcv HCV
	}
	groups := make(map[key][]VersionVectorEntry)
	for _, e := range vv.entries {
		k := key{seq: e.Seq, hcv: e.HCV}
		groups[k] = append(groups[k], e)
	}
	quorum := 2*f + 1
	for _, group := range groups {
		if len(group) >= quorum {
			best := group[0]
			for _, e := range group[1:] {
				if e.ReplicaID < best.ReplicaID {
					best = e
				}
			}
			return best, true
		}
	}
	return VersionVectorEntry{}, false
}

// Diverges reports whether two entries reported for the same replica at
// the same (view, seq) carry different HCVs — a detectable
// inconsistency per §3's invariant, and the basis of proof-of-misbehavior
// for HCV forks.
func Diverges(a, b VersionVectorEntry) bool {
	return a.ReplicaID == b.ReplicaID && a.View == b.View && a.Seq == b.Seq && a.HCV != b.HCV
}
