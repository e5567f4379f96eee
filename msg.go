// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

// Message is a closed tagged variant. Every wire message implements it,
// and the unexported marker method makes it impossible for a type
// outside this package to satisfy the interface, replacing the teacher's
// runtime type-switch-on-any dispatch (see DESIGN.md, "Message model").
// The compiler does not check the engine's type switches over Message
// for exhaustiveness: a variant without a case reaches the switch's
// default branch.
type Message interface {
	messageKind() tag
	msgView() View
	// canonical returns the deterministic byte encoding used both for
	// digesting and for authenticator computation.
	canonical() []byte
}

// Request is a client operation: <REQUEST, op, t, c>_sig_c.
type Request struct {
	Client    ClientID
	Timestamp int64
	Op        []byte
	Sig       []byte
}

func (r *Request) messageKind() tag { return tagRequest }
func (r *Request) msgView() View    { return 0 }

// canonical encodes the request body only, excluding Sig: signatures and
// MACs are always computed over the canonical encoding of the signed
// fields, never including the signature itself.
func (r *Request) canonical() []byte {
	return newEncoder().u8(uint8(tagRequest)).strField(string(r.Client)).i64(r.Timestamp).bytesField(r.Op).bytes()
}

func (r *Request) digest() Digest { return digestBytes(r.canonical()) }

// PrePrepare is the primary's sequencing assignment: <PRE-PREPARE, v, n,
// d, hcv_primary>_auth.
type PrePrepare struct {
	View       View
	Sender     ReplicaID // the primary
	Seq        SeqNum
	Digest     Digest // digest of the piggybacked Request
	HCVPrimary HCV
	Auth       map[ReplicaID]Authenticator
}

func (p *PrePrepare) messageKind() tag { return tagPrePrepare }
func (p *PrePrepare) msgView() View    { return p.View }

func (p *PrePrepare) canonical() []byte {
	return newEncoder().preamble(tagPrePrepare, p.View, p.Sender).
		u64(uint64(p.Seq)).digestField(p.Digest).digestField(p.HCVPrimary.Digest()).bytes()
}

// PrePrepareMsg piggybacks the full request alongside the pre-prepare,
// matching the wire-level pairing in teacher node.go's HandlePrePrepare.
type PrePrepareMsg struct {
	PP  PrePrepare
	Req Request
}

func (p *PrePrepareMsg) messageKind() tag  { return p.PP.messageKind() }
func (p *PrePrepareMsg) msgView() View     { return p.PP.msgView() }
func (p *PrePrepareMsg) canonical() []byte { return p.PP.canonical() }

// Prepare is a backup's vote: <PREPARE, v, n, d, i>_auth.
type Prepare struct {
	View      View
	Seq       SeqNum
	Digest    Digest
	HCVSender HCV
	Sender    ReplicaID
	Auth      map[ReplicaID]Authenticator
}

func (p *Prepare) messageKind() tag { return tagPrepare }
func (p *Prepare) msgView() View    { return p.View }

func (p *Prepare) canonical() []byte {
	return newEncoder().preamble(tagPrepare, p.View, p.Sender).
		u64(uint64(p.Seq)).digestField(p.Digest).digestField(p.HCVSender.Digest()).bytes()
}

// Commit is a replica's commit vote: <COMMIT, v, n, D(m), i>_auth.
type Commit struct {
	View      View
	Seq       SeqNum
	Digest    Digest
	HCVSender HCV
	Sender    ReplicaID
	Auth      map[ReplicaID]Authenticator
}

func (c *Commit) messageKind() tag { return tagCommit }
func (c *Commit) msgView() View    { return c.View }

func (c *Commit) canonical() []byte {
	return newEncoder().preamble(tagCommit, c.View, c.Sender).
		u64(uint64(c.Seq)).digestField(c.Digest).digestField(c.HCVSender.Digest()).bytes()
}

// Reply is a replica's outcome report to a client: <REPLY, v, t, c, i,
// r>_auth, carrying the sender's HCV at its highest executed sequence.
type Reply struct {
	View      View
	Seq       SeqNum // the replica's sequence number at execution, for the client's version vector
	Timestamp int64
	Client    ClientID
	Sender    ReplicaID
	Result    []byte
	HCVSender HCV
	Auth      Authenticator // keyed to the client, the sole recipient
}

func (r *Reply) messageKind() tag { return tagReply }
func (r *Reply) msgView() View    { return r.View }

func (r *Reply) canonical() []byte {
	return newEncoder().preamble(tagReply, r.View, r.Sender).
		u64(uint64(r.Seq)).i64(r.Timestamp).strField(string(r.Client)).bytesField(r.Result).digestField(r.HCVSender.Digest()).bytes()
}

// replyKey is the tuple a client quorum-matches replies on.
type replyKey struct {
	view   View
	result string
	hcv    HCV
}

func (r *Reply) key() replyKey {
	return replyKey{view: r.View, result: string(r.Result), hcv: r.HCVSender}
}

// Checkpoint carries a stable-state witness: <CHECKPOINT, n, D(s), hcv,
// i>_auth.
type Checkpoint struct {
	Seq         SeqNum
	StateDigest Digest
	HCV         HCV
	Sender      ReplicaID
	Auth        map[ReplicaID]Authenticator
}

func (c *Checkpoint) messageKind() tag { return tagCheckpoint }
func (c *Checkpoint) msgView() View    { return 0 }

func (c *Checkpoint) canonical() []byte {
	return newEncoder().u8(uint8(tagCheckpoint)).u64(uint64(c.Seq)).
		digestField(c.StateDigest).digestField(c.HCV.Digest()).u64(uint64(c.Sender)).bytes()
}

// PreparedCert is a prepared certificate: one PRE-PREPARE plus 2f
// matching PREPAREs from distinct replicas.
type PreparedCert struct {
	PP       PrePrepare
	Prepares []Prepare
}

// ViewChange is the signed evidence a replica broadcasts to move to
// v_new: its latest stable checkpoint with proof, the prepared
// certificates it holds above that checkpoint, and its current HCV.
type ViewChange struct {
	NewView         View
	Sender          ReplicaID
	LastStable      SeqNum
	CheckpointProof []Checkpoint
	PreparedSet     []PreparedCert
	HCVLatest       HCV
	Sig             []byte
}

func (v *ViewChange) messageKind() tag { return tagViewChange }
func (v *ViewChange) msgView() View    { return v.NewView }

func (v *ViewChange) canonical() []byte {
	e := newEncoder().u8(uint8(tagViewChange)).u64(uint64(v.NewView)).u64(uint64(v.Sender)).
		u64(uint64(v.LastStable)).digestField(v.HCVLatest.Digest()).u32(uint32(len(v.PreparedSet)))
	for _, pc := range v.PreparedSet {
		e.u64(uint64(pc.PP.Seq)).digestField(pc.PP.Digest)
	}
	return e.bytes()
}

// NewView is the prospective primary's evidence-carrying installation
// message for v_new: the union of collected VIEW-CHANGEs and, for every
// sequence in the reconstructed range, either the prepared request or a
// null no-op pre-prepare.
type NewView struct {
	NewView       View
	Sender        ReplicaID
	ViewChangeSet []ViewChange
	PrePrepareSet []PrePrepare
	Sig           []byte
}

func (n *NewView) messageKind() tag { return tagNewView }
func (n *NewView) msgView() View    { return n.NewView }

func (n *NewView) canonical() []byte {
	e := newEncoder().u8(uint8(tagNewView)).u64(uint64(n.NewView)).u64(uint64(n.Sender)).
		u32(uint32(len(n.PrePrepareSet)))
	for _, pp := range n.PrePrepareSet {
		e.u64(uint64(pp.Seq)).digestField(pp.Digest)
	}
	return e.bytes()
}
