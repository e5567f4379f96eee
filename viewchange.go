// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NoOpDigest marks a NEW-VIEW slot that could not be matched to any
// prepared request and is filled with a null no-op, per §4.4's NEW-VIEW
// selection rule.
var NoOpDigest Digest

// viewChangeState holds the replica's bookkeeping for the view-change
// subprotocol: collected VIEW-CHANGE votes per target view, and the
// growing timeout schedule (Open Question decision #2, DESIGN.md).
type viewChangeState struct {
	votes                map[View]map[ReplicaID]*ViewChange
	checkpointWitnesses  map[SeqNum][]Checkpoint
	backoffPolicy        *backoff.ExponentialBackOff
	attempts             int
}

func newViewChangeState() *viewChangeState {
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2.0
	return &viewChangeState{
		votes:               make(map[View]map[ReplicaID]*ViewChange),
		checkpointWitnesses: make(map[SeqNum][]Checkpoint),
		backoffPolicy:       b,
	}
}

func (vs *viewChangeState) nextTimeout(base time.Duration) time.Duration {
	vs.backoffPolicy.InitialInterval = base
	if vs.attempts == 0 {
		vs.backoffPolicy.Reset()
	}
	vs.attempts++
	d := vs.backoffPolicy.NextBackOff()
	if d == backoff.Stop {
		return base
	}
	return d
}

func (vs *viewChangeState) resetAttempts() { vs.attempts = 0; vs.backoffPolicy.Reset() }

// beginViewChange is triggered by a request timeout, observed
// equivocation, or a catch-up rule (§4.4a-c). The replica stops
// accepting normal-operation messages for the current view, broadcasts
// a signed VIEW-CHANGE for target (defaulting to view+1), and arms a
// growing retransmission timer.
func (r *Replica) beginViewChange(reason string) {
	r.beginViewChangeTo(r.view+1, reason)
}

func (r *Replica) beginViewChangeTo(target View, reason string) {
	if r.status == StatusViewChanging && target <= r.viewChangeTarget {
		return
	}
	r.log.WithError(timeoutErr(fmt.Errorf("%s", reason))).WithField("target_view", target).Warn("initiating view change")
	r.status = StatusViewChanging
	r.viewChangeTarget = target
	r.metrics.ViewChanges.Add(1)

	proof := r.gatherCheckpointProof()
	vc := &ViewChange{
		NewView:         target,
		Sender:          r.params.ID,
		LastStable:      r.stableCheckpoint,
		CheckpointProof: proof,
		PreparedSet:     r.msgLog.PreparedCertificates(r.stableCheckpoint),
		HCVLatest:       r.hcv,
	}
	vc.Sig = Sign(r.params.Keys.SignSK, digestBytesOf(vc))

	r.handleViewChangeMsg(vc)
	_ = r.transport.Broadcast(r.params.ID, vc)

	r.viewChangeTimer++
	if r.timer != nil {
		delay := r.vcState.nextTimeout(r.params.ViewChangeTimeout)
		_ = r.timer.Schedule(delay, r.viewChangeTimer)
	}
}

func (r *Replica) gatherCheckpointProof() []Checkpoint {
	return r.vcState.checkpointWitnesses[r.stableCheckpoint]
}

// handleViewChangeMsg records a VIEW-CHANGE vote, applies the f+1
// catch-up rule (§4.4c), and, if this replica is the prospective primary
// of the target view, attempts to assemble a NEW-VIEW once 2f+1 votes
// are in.
func (r *Replica) handleViewChangeMsg(vc *ViewChange) {
	if vc.Sender != r.params.ID {
		pk, ok := r.params.Keys.verifyPK(vc.Sender)
		if !ok || !VerifySig(pk, digestBytesOf(vc), vc.Sig) {
			r.reject(KindMalformed, ErrInvalidSig)
			return
		}
	}

	byView, ok := r.vcState.votes[vc.NewView]
	if !ok {
		byView = make(map[ReplicaID]*ViewChange)
		r.vcState.votes[vc.NewView] = byView
	}
	byView[vc.Sender] = vc

	// Catch-up rule: f+1 VIEW-CHANGEs for a higher view than our own
	// target means we're behind; join that view-change round (§4.4c).
	if vc.NewView > r.view && len(byView) >= r.params.F+1 {
		if r.status != StatusViewChanging || vc.NewView > r.viewChangeTarget {
			r.beginViewChangeTo(vc.NewView, "catch-up quorum of f+1 view-change votes")
		}
	}

	if Primary(vc.NewView, r.params.N) != r.params.ID {
		return
	}
	if len(byView) < 2*r.params.F+1 {
		return
	}
	r.tryAssembleNewView(vc.NewView, byView)
}

// tryAssembleNewView builds the NEW-VIEW message once 2f+1 VIEW-CHANGEs
// for targetView have been collected: for every sequence in the
// reconstructed range, either the request that appears prepared in the
// highest v' <= v among the collected votes, or a null no-op (§4.4).
func (r *Replica) tryAssembleNewView(targetView View, votes map[ReplicaID]*ViewChange) {
	voteList := make([]*ViewChange, 0, len(votes))
	for _, vc := range votes {
		voteList = append(voteList, vc)
	}

	minStable := voteList[0].LastStable
	maxSeq := minStable
	for _, vc := range voteList {
		if vc.LastStable < minStable {
			minStable = vc.LastStable
		}
		for _, cert := range vc.PreparedSet {
			if cert.PP.Seq > maxSeq {
				maxSeq = cert.PP.Seq
			}
		}
	}

	var pps []PrePrepare
	for seq := minStable + 1; seq <= maxSeq; seq++ {
		chosen, ok := selectPreparedForSeq(voteList, seq)
		if ok {
			pps = append(pps, PrePrepare{View: targetView, Sender: r.params.ID, Seq: seq, Digest: chosen.PP.Digest})
		} else {
			pps = append(pps, PrePrepare{View: targetView, Sender: r.params.ID, Seq: seq, Digest: NoOpDigest})
		}
	}

	nv := &NewView{
		NewView:       targetView,
		Sender:        r.params.ID,
		ViewChangeSet: dereferenceVCs(voteList),
		PrePrepareSet: pps,
	}
	nv.Sig = Sign(r.params.Keys.SignSK, digestBytesOf(nv))

	_ = r.transport.Broadcast(r.params.ID, nv)
	r.handleNewViewMsg(nv)
}

func dereferenceVCs(vcs []*ViewChange) []ViewChange {
	out := make([]ViewChange, len(vcs))
	for i, vc := range vcs {
		out[i] = *vc
	}
	return out
}

// selectPreparedForSeq implements the contested-slot tie-break: take the
// certificate from the highest view among the collected VIEW-CHANGEs
// that prepared seq.
func selectPreparedForSeq(votes []*ViewChange, seq SeqNum) (PreparedCert, bool) {
	var best *PreparedCert
	var bestView View
	for _, vc := range votes {
		for _, cert := range vc.PreparedSet {
			if cert.PP.Seq != seq {
				continue
			}
			if best == nil || cert.PP.View > bestView {
				c := cert
				best = &c
				bestView = cert.PP.View
			}
		}
	}
	if best == nil {
		return PreparedCert{}, false
	}
	return *best, true
}

// handleNewViewMsg installs a validated NEW-VIEW: the replica enters
// active status in the new view and re-drives the reinstalled slots
// through the normal prepare/commit/execute path, so the HCV chain is
// (re)computed exactly once, at execution time (§4.3), from the
// NEW-VIEW's own ordered request selection rather than from any HCV the
// new primary might have claimed.
func (r *Replica) handleNewViewMsg(nv *NewView) {
	if nv.NewView <= r.view {
		r.log.WithError(outOfRange(ErrStaleView)).Debug("dropping new-view at or below current view")
		return // view monotonicity: never regress (§8)
	}
	if nv.Sender != r.params.ID {
		pk, ok := r.params.Keys.verifyPK(nv.Sender)
		if !ok || !VerifySig(pk, digestBytesOf(nv), nv.Sig) {
			r.reject(KindMalformed, ErrInvalidSig)
			return
		}
	}

	sorted := append([]PrePrepare(nil), nv.PrePrepareSet...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for _, pp := range sorted {
		entry := r.msgLog.Entry(pp.Seq)
		entry.View = nv.NewView
		entry.Seq = pp.Seq
		entry.Digest = pp.Digest
		if pp.Digest != NoOpDigest {
			if req, ok := r.requestByDigest(pp.Digest); ok {
				entry.Req = req
			}
		} else {
			entry.Req = &Request{} // no-op
		}
		entry.PP = &pp
		if entry.Status < StatusPrePrepared {
			entry.Status = StatusPrePrepared
		}
	}

	// The NEW-VIEW's checkpoint proof vouches that every voter already
	// held a stable checkpoint at minStable = sorted[0].Seq-1; a replica
	// that had not itself executed that far advances its execution
	// cursor to match; otherwise executePending would wait forever on
	// slots the NEW-VIEW never reinstalls (§4.4, state-transfer is out
	// of scope — see traits.go's CheckpointStore).
	if len(sorted) > 0 {
		minStable := sorted[0].Seq - 1
		if minStable > 0 && (!r.haveExecuted || minStable > r.lastExecuted) {
			r.lastExecuted = minStable
			r.haveExecuted = true
		}
	}

	r.view = nv.NewView
	r.status = StatusActive
	delete(r.vcState.votes, nv.NewView)
	r.vcState.resetAttempts()
	if r.params.N > 0 {
		r.nextSeq = maxSeqPlusOne(sorted, r.nextSeq)
	}

	for _, pp := range sorted {
		entry, _ := r.msgLog.Peek(pp.Seq)
		if entry != nil && entry.Req != nil && entry.Status == StatusPrePrepared {
			r.startOwnPrepare(entry, pp.Digest)
		}
	}
}

// requestByDigest looks up a previously seen request by its digest, the
// way a replica fills in a NEW-VIEW slot it already pre-prepared in an
// earlier view.
func (r *Replica) requestByDigest(digest Digest) (*Request, bool) {
	for _, entry := range r.msgLog.entries {
		if entry.Digest == digest && entry.Req != nil {
			return entry.Req, true
		}
	}
	return nil, false
}

func maxSeqPlusOne(pps []PrePrepare, current SeqNum) SeqNum {
	max := current
	for _, pp := range pps {
		if pp.Seq+1 > max {
			max = pp.Seq + 1
		}
	}
	return max
}
