// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReplicaStatus is the replica's own coarse state, distinct from a log
// entry's Status: active, view-changing, or recovering (§4.4).
type ReplicaStatus int

const (
	StatusActive ReplicaStatus = iota
	StatusViewChanging
	StatusRecovering
)

// event is the engine's sealed input-queue element. Every input —
// network message, timer fire, or a verified-crypto callback — is
// serialized onto one channel and processed to quiescence one at a time
// (§5), so no lock guards replica state.
type event struct {
	msg       Message
	timer     *TimerEvent
	verified  *verifiedMsg
	stopEvent bool
}

// verifiedMsg is posted back onto the input queue by the async crypto
// pool once a message's signature/MAC has been checked off the hot
// path. It is tagged with the view under which verification was
// requested so a stale result from an abandoned view can be discarded on
// arrival (§5 cancellation rule).
type verifiedMsg struct {
	msg Message
	ok  bool
	err error
	view View
}

// Replica is the BFT2f protocol engine for one replica. All state is
// bound to this value — no package-level/global mutable state — so many
// replicas may coexist in one process, per §9's "Global per-process
// state" redesign.
type Replica struct {
	params    ReplicaParams
	transport Transport
	timer     Timer
	app       ApplicationStateMachine
	store     CheckpointStore
	log       *logrus.Entry

	inbox  chan event
	done   chan struct{}
	wg     sync.WaitGroup
	verify *errgroup.Group
	verifyCtx context.Context
	verifyCancel context.CancelFunc

	// --- protocol state, touched only from the run() goroutine ---
	view    View
	status  ReplicaStatus
	msgLog  *Log
	vv      *VersionVector
	hcv     HCV
	lastExecuted SeqNum
	haveExecuted bool
	nextSeq SeqNum

	lastTimestamp      map[ClientID]int64
	lastReply          map[ClientID]*Reply
	sequencedTimestamp map[ClientID]int64

	nextTimerToken  TimerToken
	requestTimers   map[ClientID]TimerToken
	viewChangeTimer TimerToken
	viewChangeTarget View
	pendingForward  map[ClientID]*Request

	vcState *viewChangeState

	// checkpointVotesBySeq tallies CHECKPOINT witnesses per sequence, keyed
	// by the reported state digest, so 2f+1 matching votes can be detected.
	checkpointVotesBySeq map[SeqNum]map[Digest]*quorumCounter
	stableCheckpoint     SeqNum

	metrics Metrics
}

// NewReplica constructs a replica. Call Start to begin its event loop.
func NewReplica(params ReplicaParams, transport Transport, timer Timer, app ApplicationStateMachine, store CheckpointStore, logger *logrus.Entry) *Replica {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	r := &Replica{
		params:        params,
		transport:     transport,
		timer:         timer,
		app:           app,
		store:         store,
		log:           logger.WithField("replica", params.ID),
		inbox:         make(chan event, 256),
		done:          make(chan struct{}),
		verify:        g,
		verifyCtx:     ctx,
		verifyCancel:  cancel,
		view:          0,
		status:        StatusActive,
		msgLog:        NewLog(0, params.WatermarkWindow),
		vv:            NewVersionVector(),
		hcv:           GenesisHCV(),
		nextSeq:       0,
		lastTimestamp:      make(map[ClientID]int64),
		lastReply:          make(map[ClientID]*Reply),
		sequencedTimestamp: make(map[ClientID]int64),
		pendingForward:     make(map[ClientID]*Request),
		requestTimers:      make(map[ClientID]TimerToken),
		vcState:       newViewChangeState(),
		checkpointVotesBySeq: make(map[SeqNum]map[Digest]*quorumCounter),
	}
	return r
}

// Start launches the single-threaded event loop goroutine.
func (r *Replica) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the event loop. It does not wait for the async crypto
// pool; in-flight verifications simply have their results dropped since
// no one reads the inbox any more.
func (r *Replica) Stop() {
	close(r.done)
	r.verifyCancel()
	r.wg.Wait()
}

// Inject delivers a network message into the engine, per §6's
// inject(event) API surface; timer fires go through InjectTimer. It is
// safe to call from any goroutine.
func (r *Replica) Inject(msg Message) {
	select {
	case r.inbox <- event{msg: msg}:
	case <-r.done:
	}
}

// InjectTimer delivers a timer fire.
func (r *Replica) InjectTimer(ev TimerEvent) {
	select {
	case r.inbox <- event{timer: &ev}:
	case <-r.done:
	}
}

func (r *Replica) Metrics() MetricsSnapshot { return r.metrics.Snapshot() }

func (r *Replica) ID() ReplicaID { return r.params.ID }
func (r *Replica) View() View    { return r.view }

func (r *Replica) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.inbox:
			r.process(ev)
		}
	}
}

// process dispatches one event from the single input queue. Messages are
// routed by dispatch's type switch over the sealed Message variants; Go
// does not check that switch for exhaustiveness, and a kind without a
// case (such as *Reply) reaches its default branch and is logged and
// dropped.
func (r *Replica) process(ev event) {
	switch {
	case ev.timer != nil:
		r.handleTimer(*ev.timer)
	case ev.verified != nil:
		r.handleVerified(*ev.verified)
	case ev.msg != nil:
		r.dispatch(ev.msg)
	}
}

func (r *Replica) dispatch(msg Message) {
	switch m := msg.(type) {
	case *Request:
		r.handleRequest(m)
	case *PrePrepareMsg:
		r.handlePrePrepare(m)
	case *Prepare:
		r.handlePrepare(m)
	case *Commit:
		r.handleCommit(m)
	case *Checkpoint:
		r.handleCheckpoint(m)
	case *ViewChange:
		r.handleViewChangeMsg(m)
	case *NewView:
		r.handleNewViewMsg(m)
	default:
		r.log.Warnf("dropping message of unknown kind %T", m)
	}
}

func (r *Replica) handleVerified(v verifiedMsg) {
	if v.view != r.view {
		// Async crypto result for an abandoned view; discard (§5).
		return
	}
	if !v.ok {
		r.reject(KindMalformed, v.err)
		return
	}
	r.dispatch(v.msg)
}

// verifyAsync offloads verification to the errgroup pool and re-injects
// the message (tagged with the requesting view) once done, instead of
// blocking the single ordering point on crypto (§5).
func (r *Replica) verifyAsync(msg Message, check func() error) {
	view := r.view
	r.verify.Go(func() error {
		err := check()
		select {
		case r.inbox <- event{verified: &verifiedMsg{msg: msg, ok: err == nil, err: err, view: view}}:
		case <-r.done:
		}
		return nil // errors are carried in verifiedMsg, not surfaced via the group
	})
}

func (r *Replica) isPrimary() bool { return Primary(r.view, r.params.N) == r.params.ID }
func (r *Replica) primary() ReplicaID { return Primary(r.view, r.params.N) }

func (r *Replica) quorumsMet(total int) bool { return total >= 2*r.params.F+1 }
func (r *Replica) prepareQuorumMet(total int) bool { return total >= 2*r.params.F }

// fatal halts the replica rather than emit a contradiction, protecting
// the hash chain's integrity (§7 kind 6).
func (r *Replica) fatal(err error) {
	r.log.WithError(fatalInternal(err)).Error("fatal internal invariant violation; halting replica")
	close(r.done)
}

// reject records a rejected inbound message under its outcome Kind: the
// matching counter is incremented and the classified cause logged, per
// the error handling design's malformed/out-of-range/equivocation split
// (§7).
func (r *Replica) reject(kind Kind, cause error) {
	var oe *OutcomeError
	switch kind {
	case KindMalformed:
		r.metrics.Malformed.Add(1)
		oe = malformed(cause)
	case KindOutOfRange:
		r.metrics.OutOfRange.Add(1)
		oe = outOfRange(cause)
	case KindEquivocation:
		r.metrics.Equivocations.Add(1)
		oe = equivocation(cause)
	default:
		oe = wrapKind(kind, cause)
	}
	r.log.WithError(oe).Debug("rejecting inbound message")
}

func (r *Replica) authVectorFor(digest Digest, recipients []ReplicaID) map[ReplicaID]Authenticator {
	out := make(map[ReplicaID]Authenticator, len(recipients))
	for _, rid := range recipients {
		if rid == r.params.ID {
			continue
		}
		key, ok := r.params.Keys.macKey(rid)
		if !ok {
			continue
		}
		out[rid] = Authenticate(key, digest)
	}
	return out
}

func (r *Replica) otherReplicas() []ReplicaID {
	out := make([]ReplicaID, 0, r.params.N-1)
	for i := 0; i < r.params.N; i++ {
		id := ReplicaID(i)
		if id != r.params.ID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Replica) verifyAuthFrom(sender ReplicaID, digest Digest, auth map[ReplicaID]Authenticator) bool {
	tag, ok := auth[r.params.ID]
	if !ok {
		return false
	}
	key, ok := r.params.Keys.macKey(sender)
	if !ok {
		return false
	}
	return VerifyAuthenticator(key, digest, tag)
}

func (r *Replica) clientVerifyKey(id ClientID) (PublicKey, bool) {
	return r.params.Keys.clientVerifyPK(id)
}

// checkpointVotes tallies a CHECKPOINT witness and, on 2f+1 matching
// votes for the same (seq, state digest), advances the stable checkpoint
// and truncates the log below it (§4.2/§6).
func (r *Replica) checkpointVotes(cp *Checkpoint) {
	if cp.Sender != r.params.ID && !r.verifyAuthFrom(cp.Sender, digestBytesOf(cp), cp.Auth) {
		r.reject(KindMalformed, ErrInvalidAuth)
		return
	}
	if !r.msgLog.InWatermarks(cp.Seq) {
		r.reject(KindOutOfRange, ErrOutOfWatermark)
		return
	}
	bySeq, ok := r.checkpointVotesBySeq[cp.Seq]
	if !ok {
		bySeq = make(map[Digest]*quorumCounter)
		r.checkpointVotesBySeq[cp.Seq] = bySeq
	}
	counter, ok := bySeq[cp.StateDigest]
	if !ok {
		counter = newQuorumCounter()
		bySeq[cp.StateDigest] = counter
	}
	counter.add(cp.Sender)
	if !r.quorumsMet(counter.count()) {
		return
	}
	if cp.Seq <= r.stableCheckpoint {
		return
	}
	r.stableCheckpoint = cp.Seq
	r.msgLog.AdvanceWatermarks(cp.Seq, r.params.WatermarkWindow)
	if r.store != nil {
		_ = r.store.TruncateBelow(cp.Seq)
	}
	delete(r.checkpointVotesBySeq, cp.Seq)
}

func (r *Replica) String() string {
	return fmt.Sprintf("replica[%d view=%d status=%v]", r.params.ID, r.view, r.status)
}
