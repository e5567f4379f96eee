// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

// Package memnet is an in-memory, channel-based reference implementation
// of the engine's Transport and ClientTransport contracts, grounded on
// the teacher's node_test.go chanNodeCommunicator: per-participant
// buffered channels plus a randomized artificial delay, used to drive
// cluster-level tests without a real network.
package memnet

import (
	"math/rand"
	"time"

	bft2f "github.com/bft2f-project/bft2f"
)

// Delivery is one message handed to a participant's inbox, tagged with
// which kind of endpoint it targets.
type Delivery struct {
	Msg    bft2f.Message
	Reply  *bft2f.Reply
	Req    *bft2f.Request
}

// Network is a shared fabric of per-replica and per-client inboxes.
// Construct one Network per test and wire a *ReplicaLink per replica and
// *ClientLink per client.
type Network struct {
	replicaInboxes map[bft2f.ReplicaID]chan Delivery
	clientInboxes  map[bft2f.ClientID]chan Delivery
	minDelay       time.Duration
	maxJitter      time.Duration
}

// NewNetwork builds a fabric for the given replica and client ids. A
// zero minDelay/maxJitter adds no induced delay, though every delivery
// still runs on its own goroutine, so arrival order is not fixed; the
// teacher's own test fixture instead always injects 100-200ms of jitter
// to shake out ordering bugs.
func NewNetwork(replicas []bft2f.ReplicaID, clients []bft2f.ClientID, minDelay, maxJitter time.Duration) *Network {
	n := &Network{
		replicaInboxes: make(map[bft2f.ReplicaID]chan Delivery, len(replicas)),
		clientInboxes:  make(map[bft2f.ClientID]chan Delivery, len(clients)),
		minDelay:       minDelay,
		maxJitter:      maxJitter,
	}
	for _, id := range replicas {
		n.replicaInboxes[id] = make(chan Delivery, 256)
	}
	for _, id := range clients {
		n.clientInboxes[id] = make(chan Delivery, 256)
	}
	return n
}

func (n *Network) delay() {
	if n.minDelay == 0 && n.maxJitter == 0 {
		return
	}
	d := n.minDelay
	if n.maxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(n.maxJitter)))
	}
	time.Sleep(d)
}

// ReplicaLink adapts one replica's view of the fabric to bft2f.Transport.
type ReplicaLink struct {
	self    bft2f.ReplicaID
	net     *Network
}

// NewReplicaLink returns the Transport a replica with identity self
// should be constructed with.
func (n *Network) NewReplicaLink(self bft2f.ReplicaID) *ReplicaLink {
	return &ReplicaLink{self: self, net: n}
}

func (l *ReplicaLink) Unicast(to bft2f.ReplicaID, msg bft2f.Message) error {
	ch, ok := l.net.replicaInboxes[to]
	if !ok {
		return nil
	}
	go func() {
		l.net.delay()
		ch <- Delivery{Msg: msg}
	}()
	return nil
}

func (l *ReplicaLink) Broadcast(from bft2f.ReplicaID, msg bft2f.Message) error {
	for to, ch := range l.net.replicaInboxes {
		if to == from {
			continue
		}
		ch := ch
		go func() {
			l.net.delay()
			ch <- Delivery{Msg: msg}
		}()
	}
	return nil
}

func (l *ReplicaLink) Reply(to bft2f.ClientID, msg *bft2f.Reply) error {
	ch, ok := l.net.clientInboxes[to]
	if !ok {
		return nil
	}
	go func() {
		l.net.delay()
		ch <- Delivery{Reply: msg}
	}()
	return nil
}

// ReplicaInbox exposes a replica's raw delivery channel so a test driver can
// pump it into Replica.Inject/InjectTimer without memnet depending on
// the engine's internals.
func (n *Network) ReplicaInbox(id bft2f.ReplicaID) <-chan Delivery { return n.replicaInboxes[id] }

// ClientLink adapts one client's view of the fabric to bft2f.ClientTransport.
type ClientLink struct {
	self bft2f.ClientID
	net  *Network
}

func (n *Network) NewClientLink(self bft2f.ClientID) *ClientLink {
	return &ClientLink{self: self, net: n}
}

// Broadcast multicasts a request to every replica in the fabric,
// matching original_source/library/client.py's multicast_request, which
// sends to every known replica rather than only the believed primary.
func (l *ClientLink) Broadcast(req *bft2f.Request) error {
	for _, ch := range l.net.replicaInboxes {
		ch := ch
		go func() {
			l.net.delay()
			ch <- Delivery{Req: req}
		}()
	}
	return nil
}

func (n *Network) ClientInbox(id bft2f.ClientID) <-chan Delivery { return n.clientInboxes[id] }
