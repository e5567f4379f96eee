// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ClientTransport is the send-side surface a client needs: broadcast a
// signed request to every replica. Generalizes
// original_source/library/client.py's multicast_request, which sent to
// every replica rather than only the believed primary so the request
// survives a primary that drops it.
type ClientTransport interface {
	Broadcast(req *Request) error
}

// SubmitOutcome is what Submit resolves to: the result the replies
// agreed on, and ForkAlarm, set when replicas reported divergent HCVs —
// f+1 or more replies that agree on (view, result) carry different HCVs,
// or a replica reports a different HCV for a (view, seq) it already
// reported to this client (§4.5, §9's "fork-* consistency"). HCV is the
// quorum's HCV; it is left zero when the within-set check raised the
// alarm.
type SubmitOutcome struct {
	Result    []byte
	HCV       HCV
	ForkAlarm bool
}

type pendingRequest struct {
	req     *Request
	replies map[ReplicaID]*Reply
	done    chan SubmitOutcome
	token   TimerToken
}

// Client is the BFT2f client driver: it signs and multicasts operations,
// collects replies into quorum groups, and resolves each call to Submit
// once 2f+1 matching replies arrive or the context is canceled. Grounded
// on original_source/library/client.py's make_request/handle_reply, with
// the Python's background socket-listener thread replaced by the
// caller feeding replies through HandleReply — mirroring the
// teacher's traits.go separation between transport and core logic.
type Client struct {
	params    ClientParams
	transport ClientTransport
	timer     Timer
	log       *logrus.Entry

	mu            sync.Mutex
	vv            *VersionVector
	nextTimestamp int64
	pending       map[int64]*pendingRequest
	backoffPolicy *backoff.ExponentialBackOff
}

// NewClient constructs a client driver. It does not start any goroutine:
// replies must be delivered via HandleReply and timer fires via
// HandleTimer by the caller's transport glue.
func NewClient(params ClientParams, transport ClientTransport, timer Timer, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	b := backoff.NewExponentialBackOff()
	b.Multiplier = 2.0
	return &Client{
		params:        params,
		transport:     transport,
		timer:         timer,
		log:           logger.WithField("client", params.ID),
		vv:            NewVersionVector(),
		pending:       make(map[int64]*pendingRequest),
		backoffPolicy: b,
	}
}

// Submit signs and broadcasts op, then blocks until either a quorum of
// 2f+1 matching replies resolves it, a fork alarm is raised, or ctx is
// canceled (§4.5).
func (c *Client) Submit(ctx context.Context, op []byte) (SubmitOutcome, error) {
	c.mu.Lock()
	c.nextTimestamp++
	ts := c.nextTimestamp
	req := &Request{Client: c.params.ID, Timestamp: ts, Op: op}
	req.Sig = Sign(c.params.Keys.SignSK, req.digest())

	pr := &pendingRequest{req: req, replies: make(map[ReplicaID]*Reply), done: make(chan SubmitOutcome, 1), token: TimerToken(ts)}
	c.pending[ts] = pr
	c.mu.Unlock()

	c.backoffPolicy.Reset()
	if err := c.transport.Broadcast(req); err != nil {
		return SubmitOutcome{}, err
	}
	c.armRetransmit(pr)

	select {
	case outcome := <-pr.done:
		return outcome, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, ts)
		c.mu.Unlock()
		return SubmitOutcome{}, ctx.Err()
	}
}

func (c *Client) armRetransmit(pr *pendingRequest) {
	if c.timer == nil {
		return
	}
	delay := c.backoffPolicy.NextBackOff()
	if delay == backoff.Stop {
		delay = c.params.RequestTimeout
	}
	_ = c.timer.Schedule(delay, pr.token)
}

// HandleTimer retransmits a still-pending request on retransmit timeout,
// matching client.py's lack of any request giving up — BFT2f clients
// retry indefinitely since liveness depends on an eventual view change
// unsticking a stalled primary.
func (c *Client) HandleTimer(ev TimerEvent) {
	c.mu.Lock()
	var pr *pendingRequest
	for _, p := range c.pending {
		if p.token == ev.Token {
			pr = p
			break
		}
	}
	c.mu.Unlock()
	if pr == nil {
		return
	}
	c.log.WithField("timestamp", pr.req.Timestamp).Debug("retransmitting request")
	_ = c.transport.Broadcast(pr.req)
	c.armRetransmit(pr)
}

// agreedResultKey groups replies on (view, result) alone, ignoring HCV,
// so divergent HCVs within such a group are exactly what the within-set
// fork check below is looking for.
type agreedResultKey struct {
	view   View
	result string
}

// HandleReply tallies a REPLY for the pending request it answers. Two
// independent fork-* checks run before the reply is folded into a
// quorum group (§4.5, §9, §8 scenario 4):
//
//   - within this single reply set: if at least f+1 distinct replicas
//     agree on (view, result) but report two or more distinct HCVs for
//     it, that disagreement alone proves a fork, even if no group ever
//     reaches the 2f+1 needed to resolve Submit normally. Grounded on
//     original_source/library/client.py:198-204's handle_reply, which
//     rebuilds the version vector from every received reply and
//     compares it against get_current_system_state(f).hcd rather than
//     only the replies inside a would-be quorum.
//   - across rounds: a replica's newly reported (view, seq, hcv) is
//     checked against this client's previously recorded entry for that
//     replica.
//
// Either check raises the alarm; Submit then resolves with
// ForkAlarm=true instead of waiting for (or in place of) a normal
// quorum.
func (c *Client) HandleReply(reply *Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[reply.Timestamp]
	if !ok || reply.Client != c.params.ID {
		return
	}
	if key, has := c.params.Keys.macKey(reply.Sender); has {
		if !VerifyAuthenticator(key, digestBytesOf(reply), reply.Auth) {
			c.log.WithError(malformed(ErrInvalidAuth)).WithField("sender", reply.Sender).Debug("dropping reply with bad authenticator")
			return
		}
	}
	pr.replies[reply.Sender] = reply

	byResult := make(map[agreedResultKey][]*Reply)
	for _, r := range pr.replies {
		k := agreedResultKey{view: r.View, result: string(r.Result)}
		byResult[k] = append(byResult[k], r)
	}

	minAgree := c.params.F + 1
	var forkGroup []*Reply
	for _, group := range byResult {
		if len(group) < minAgree {
			continue
		}
		hcvs := make(map[HCV]struct{}, len(group))
		for _, r := range group {
			hcvs[r.HCVSender] = struct{}{}
		}
		if len(hcvs) > 1 {
			forkGroup = group
			break
		}
	}
	if forkGroup != nil {
		c.log.WithError(forkAlarm(ErrUnmatchedDigest)).Warn("fork alarm: f+1 replicas agree on (view, result) but report divergent HCVs")
		delete(c.pending, reply.Timestamp)
		if c.timer != nil {
			c.timer.Cancel(pr.token)
		}
		pr.done <- SubmitOutcome{Result: forkGroup[0].Result, ForkAlarm: true}
		return
	}

	groups := make(map[replyKey][]*Reply)
	for _, r := range pr.replies {
		groups[r.key()] = append(groups[r.key()], r)
	}

	quorum := 2*c.params.F + 1
	for k, group := range groups {
		if len(group) < quorum {
			continue
		}

		diverged := false
		for _, r := range group {
			if prior, had := c.vv.Entry(r.Sender); had {
				candidate := VersionVectorEntry{ReplicaID: r.Sender, View: r.View, Seq: r.Seq, HCV: r.HCVSender}
				if Diverges(prior, candidate) {
					diverged = true
				}
			}
			c.vv.Update(r.Sender, r.View, r.Seq, r.HCVSender)
		}

		delete(c.pending, reply.Timestamp)
		if c.timer != nil {
			c.timer.Cancel(pr.token)
		}
		if diverged {
			c.log.WithError(forkAlarm(ErrUnmatchedDigest)).Warn("fork alarm: divergent HCV reported for an already-recorded replica slot")
		}
		pr.done <- SubmitOutcome{Result: []byte(k.result), HCV: k.hcv, ForkAlarm: diverged}
		return
	}
}

func (c *Client) String() string {
	return fmt.Sprintf("client[%s]", c.params.ID)
}
