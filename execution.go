// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import "fmt"

// handleRequest implements normal-operation REQUEST handling, grounded
// on teacher pkg/handler.go's HandleRequest generalized with at-most-once
// replay and HCV-aware primary sequencing (§4.4).
func (r *Replica) handleRequest(req *Request) {
	if r.status != StatusActive {
		return
	}

	last, seen := r.lastTimestamp[req.Client]
	if seen && req.Timestamp < last {
		// Stale: older than anything already handled. Drop.
		r.reject(KindOutOfRange, ErrTimestampNotNew)
		return
	}
	if seen && req.Timestamp == last {
		// Duplicate of the most recently executed request: replay the
		// cached reply rather than re-executing (§4.4-v, §8 at-most-once).
		if cached, ok := r.lastReply[req.Client]; ok {
			_ = r.transport.Reply(req.Client, cached)
		}
		return
	}

	pk, ok := r.clientVerifyKey(req.Client)
	if !ok || !VerifySig(pk, req.digest(), req.Sig) {
		r.reject(KindMalformed, ErrInvalidSig)
		return
	}

	if !r.isPrimary() {
		r.pendingForward[req.Client] = req
		_ = r.transport.Unicast(r.primary(), req)
		r.startRequestTimer(req.Client)
		return
	}

	if sequenced, ok := r.sequencedTimestamp[req.Client]; ok && req.Timestamp <= sequenced {
		// Already pre-prepared (but not yet executed): the same request
		// arrived twice, e.g. once multicast directly and once forwarded by
		// a backup. Drop the duplicate rather than double-sequence it.
		return
	}
	r.sequencedTimestamp[req.Client] = req.Timestamp

	seq := r.nextSeq
	r.nextSeq++
	digest := req.digest()
	entry := r.msgLog.Entry(seq)
	entry.View = r.view
	entry.Seq = seq
	entry.Digest = digest
	entry.Req = req

	hcvPrimary := nextHCV(r.hcv, digest, seq, r.view)
	pp := PrePrepare{
		View:       r.view,
		Sender:     r.params.ID,
		Seq:        seq,
		Digest:     digest,
		HCVPrimary: hcvPrimary,
	}
	pp.Auth = r.authVectorFor(digestBytesOf(&pp), r.otherReplicas())
	entry.PP = &pp
	entry.Status = StatusPrePrepared

	ppMsg := &PrePrepareMsg{PP: pp, Req: *req}
	_ = r.transport.Broadcast(r.params.ID, ppMsg)
	r.startOwnPrepare(entry, digest)
}

func digestBytesOf(m Message) Digest { return digestBytes(m.canonical()) }

// handlePrePrepare implements a backup's acceptance rule (§4.4): view
// matches, n in range, no conflicting prior pre-prepare, piggybacked
// request's digest matches.
func (r *Replica) handlePrePrepare(msg *PrePrepareMsg) {
	if r.status != StatusActive {
		return
	}
	pp, req := msg.PP, msg.Req

	if pp.View != r.view {
		r.reject(KindOutOfRange, ErrUnmatchedView)
		return
	}
	if !r.msgLog.InWatermarks(SeqNum(pp.Seq)) {
		r.reject(KindOutOfRange, ErrOutOfWatermark)
		return
	}
	if pp.Sender != r.primary() {
		r.reject(KindMalformed, ErrUnknownSender)
		return
	}
	if !r.verifyAuthFrom(pp.Sender, digestBytesOf(&pp), pp.Auth) {
		r.reject(KindMalformed, ErrInvalidAuth)
		return
	}
	if digestBytes(req.canonical()) != pp.Digest {
		r.reject(KindMalformed, ErrUnmatchedDigest)
		return
	}
	pk, ok := r.clientVerifyKey(req.Client)
	if !ok || !VerifySig(pk, req.digest(), req.Sig) {
		r.reject(KindMalformed, ErrInvalidSig)
		return
	}

	entry := r.msgLog.Entry(pp.Seq)
	if entry.PP != nil {
		if entry.PP.Digest != pp.Digest {
			// Two different digests at the same (v, n) from the primary:
			// proof of equivocation (§4.4-ii).
			r.reject(KindEquivocation, ErrUnmatchedPP)
			r.beginViewChange(fmt.Sprintf("primary equivocation at seq %d", pp.Seq))
		}
		return
	}

	entry.View = pp.View
	entry.Seq = pp.Seq
	entry.Digest = pp.Digest
	entry.Req = &req
	entry.PP = &pp
	entry.Status = StatusPrePrepared

	r.cancelPendingForward(req.Client, pp.Digest)
	r.startOwnPrepare(entry, pp.Digest)
}

// cancelPendingForward clears a backup's bookkeeping for a request it
// forwarded to the primary once that request's matching PRE-PREPARE has
// arrived, canceling the retransmit timer armed in handleRequest so a
// completed round doesn't also escalate into a spurious view change
// (§4.4a: "received no matching PRE-PREPARE within bound").
func (r *Replica) cancelPendingForward(client ClientID, digest Digest) {
	fwd, ok := r.pendingForward[client]
	if !ok || fwd.digest() != digest {
		return
	}
	delete(r.pendingForward, client)
	if token, ok := r.requestTimers[client]; ok {
		delete(r.requestTimers, client)
		if r.timer != nil {
			r.timer.Cancel(token)
		}
	}
}

// startOwnPrepare generates this replica's own PREPARE vote for entry
// and both processes it locally and broadcasts it, mirroring teacher
// pkg/handler.go's "Handle self prepare" pattern.
func (r *Replica) startOwnPrepare(entry *LogEntry, digest Digest) {
	p := Prepare{
		View:      entry.View,
		Seq:       entry.Seq,
		Digest:    digest,
		HCVSender: r.hcv,
		Sender:    r.params.ID,
	}
	p.Auth = r.authVectorFor(digestBytesOf(&p), r.otherReplicas())
	r.handlePrepare(&p)
	_ = r.transport.Broadcast(r.params.ID, &p)
}

// handlePrepare counts PREPAREs for (v, n, d) from distinct senders; on
// 2f plus the pre-prepare, the entry is prepared and a COMMIT is emitted
// (§4.4).
func (r *Replica) handlePrepare(p *Prepare) {
	if r.status != StatusActive {
		return
	}
	if p.View != r.view {
		r.reject(KindOutOfRange, ErrUnmatchedView)
		return
	}
	if !r.msgLog.InWatermarks(p.Seq) {
		r.reject(KindOutOfRange, ErrOutOfWatermark)
		return
	}
	if p.Sender != r.params.ID && !r.verifyAuthFrom(p.Sender, digestBytesOf(p), p.Auth) {
		r.reject(KindMalformed, ErrInvalidAuth)
		return
	}

	entry := r.msgLog.Entry(p.Seq)
	if entry.PP != nil && entry.PP.Digest != p.Digest {
		// Contradicts the accepted pre-prepare: dropped, but counted for
		// misbehavior accounting (§4.4-iii).
		r.reject(KindEquivocation, ErrUnmatchedDigest)
		return
	}

	count := entry.addPrepareVote(p.Digest, p.Sender)
	if entry.Status != StatusPrePrepared || entry.PP == nil {
		return
	}
	if !r.prepareQuorumMet(count) {
		return
	}

	entry.Status = StatusPrepared
	c := Commit{
		View:      entry.View,
		Seq:       entry.Seq,
		Digest:    entry.Digest,
		HCVSender: r.hcv,
		Sender:    r.params.ID,
	}
	c.Auth = r.authVectorFor(digestBytesOf(&c), r.otherReplicas())
	r.handleCommit(&c)
	_ = r.transport.Broadcast(r.params.ID, &c)
}

// handleCommit counts COMMITs for (v, n, d); on 2f+1 including its own,
// the entry is committed and execution is attempted in sequence order
// (§4.4). COMMITs that outrun their pre-prepare are buffered in the log
// (the entry simply accumulates votes against an empty PP) and
// re-examined once the pre-prepare arrives (§4.4-iv).
func (r *Replica) handleCommit(c *Commit) {
	if r.status != StatusActive {
		return
	}
	if c.View != r.view {
		r.reject(KindOutOfRange, ErrUnmatchedView)
		return
	}
	if !r.msgLog.InWatermarks(c.Seq) {
		r.reject(KindOutOfRange, ErrOutOfWatermark)
		return
	}
	if c.Sender != r.params.ID && !r.verifyAuthFrom(c.Sender, digestBytesOf(c), c.Auth) {
		r.reject(KindMalformed, ErrInvalidAuth)
		return
	}

	entry := r.msgLog.Entry(c.Seq)
	if entry.PP != nil && entry.PP.Digest != c.Digest {
		// Contradicts the accepted pre-prepare: dropped, but counted for
		// misbehavior accounting, mirroring handlePrepare's check.
		r.reject(KindEquivocation, ErrUnmatchedDigest)
		return
	}

	count := entry.addCommitVote(c.Digest, c.Sender)
	if !r.quorumsMet(count) {
		return
	}
	// Bind the slot's digest to whichever one actually reached the
	// 2f+1 quorum, not whatever the most recently arrived COMMIT
	// carried — a minority/Byzantine COMMIT must never steer execution.
	entry.Digest = c.Digest
	if entry.Status == StatusEmpty || entry.Status == StatusPrePrepared || entry.Status == StatusPrepared {
		entry.Status = StatusCommitted
	}

	r.executePending()
}

// executePending applies every contiguously committed entry in
// ascending sequence order (§4.4 "Execution").
func (r *Replica) executePending() {
	for {
		var next SeqNum
		if r.haveExecuted {
			next = r.lastExecuted + 1
		} else {
			next = 0
		}
		entry, ok := r.msgLog.Peek(next)
		if !ok || entry.Status != StatusCommitted || entry.Req == nil {
			return
		}
		r.executeEntry(entry)
	}
}

func (r *Replica) executeEntry(entry *LogEntry) {
	result, stateDigest := r.app.Apply(entry.Req.Op)
	hcv := nextHCV(r.hcv, entry.Digest, entry.Seq, entry.View)
	r.hcv = hcv
	entry.HCV = hcv
	entry.Status = StatusExecuted
	r.lastExecuted = entry.Seq
	r.haveExecuted = true
	r.metrics.Executed.Add(1)

	client := entry.Req.Client
	r.lastTimestamp[client] = entry.Req.Timestamp
	r.vv.Update(r.params.ID, entry.View, entry.Seq, hcv)

	reply := &Reply{
		View:      entry.View,
		Seq:       entry.Seq,
		Timestamp: entry.Req.Timestamp,
		Client:    client,
		Sender:    r.params.ID,
		Result:    result,
		HCVSender: hcv,
	}
	if key, ok := r.params.Keys.clientMACKey(client); ok {
		reply.Auth = Authenticate(key, digestBytesOf(reply))
	}
	r.lastReply[client] = reply
	_ = r.transport.Reply(client, reply)

	if r.params.CheckpointInterval > 0 && uint64(entry.Seq)%uint64(r.params.CheckpointInterval) == 0 {
		cp := &Checkpoint{
			Seq:         entry.Seq,
			StateDigest: stateDigest,
			HCV:         hcv,
			Sender:      r.params.ID,
		}
		cp.Auth = r.authVectorFor(digestBytesOf(cp), r.otherReplicas())
		if r.store != nil {
			_ = r.store.Save(entry.Seq, stateDigest)
		}
		_ = r.transport.Broadcast(r.params.ID, cp)
	}
}

// handleCheckpoint tallies CHECKPOINT witnesses; on 2f+1 matching, the
// checkpoint is stable and the watermark window advances, truncating
// the log below it (§4.2/§6, replacing the "unbounded in-memory log"
// redesign flag).
func (r *Replica) handleCheckpoint(cp *Checkpoint) {
	r.checkpointVotes(cp)
}

// startRequestTimer arms (or re-arms) the retransmit/escalation timer for
// a request this replica forwarded to the primary on behalf of client.
// Tokens are tracked per client, since several clients' requests can be
// in flight to the primary at once.
func (r *Replica) startRequestTimer(client ClientID) {
	r.nextTimerToken++
	token := r.nextTimerToken
	r.requestTimers[client] = token
	if r.timer != nil {
		_ = r.timer.Schedule(r.params.RequestTimeout, token)
	}
}

func (r *Replica) handleTimer(ev TimerEvent) {
	if ev.View != r.view {
		r.log.WithError(outOfRange(ErrStaleView)).Debug("ignoring timer fire from an abandoned view")
		return // stale-view fire, ignored per §5 cancellation rule
	}
	if ev.Token == r.viewChangeTimer {
		r.beginViewChange("view-change timeout")
		return
	}
	for client, token := range r.requestTimers {
		if token == ev.Token {
			// No matching PRE-PREPARE arrived within bound: escalate
			// (§4.4a). The forward stays pending; a view change will
			// either produce a new primary that re-sequences it or, on
			// recovery, the client's own retransmit will re-trigger a
			// forward.
			delete(r.requestTimers, client)
			r.beginViewChange("request timeout")
			return
		}
	}
}
