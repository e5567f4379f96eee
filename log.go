// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import "sort"

// Status is a log entry's position in the DAG empty -> pre-prepared ->
// prepared -> committed -> executed, with the empty -> committed
// catch-up edge permitted when commit-certificate evidence arrives
// before the earlier phases (§4.4-iv).
type Status int

const (
	StatusEmpty Status = iota
	StatusPrePrepared
	StatusPrepared
	StatusCommitted
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusPrePrepared:
		return "pre-prepared"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// quorumCounter tracks distinct-sender votes for one (view, seq, digest)
// slot, generalizing teacher pkg/handler.go's ReplicaCounter[T] pattern
// into a type-agnostic counter the log entry can reuse for both PREPARE
// and COMMIT tallies.
type quorumCounter struct {
	senders map[ReplicaID]struct{}
}

func newQuorumCounter() *quorumCounter {
	return &quorumCounter{senders: make(map[ReplicaID]struct{})}
}

func (c *quorumCounter) add(id ReplicaID) { c.senders[id] = struct{}{} }
func (c *quorumCounter) has(id ReplicaID) bool {
	_, ok := c.senders[id]
	return ok
}
func (c *quorumCounter) count() int { return len(c.senders) }

// LogEntry is one sequence slot in a replica's message log.
type LogEntry struct {
	View   View
	Seq    SeqNum
	Digest Digest
	Req    *Request
	PP     *PrePrepare
	Status Status
	HCV    HCV // valid once Status == StatusExecuted

	prepareVotes map[Digest]*quorumCounter
	commitVotes  map[Digest]*quorumCounter
	ownPrepared  bool
	ownCommitted bool
}

func newLogEntry(seq SeqNum) *LogEntry {
	return &LogEntry{
		Seq:          seq,
		Status:       StatusEmpty,
		prepareVotes: make(map[Digest]*quorumCounter),
		commitVotes:  make(map[Digest]*quorumCounter),
	}
}

// addPrepareVote records a PREPARE for (digest) from sender and returns
// the number of distinct senders now recorded for that digest.
func (e *LogEntry) addPrepareVote(digest Digest, sender ReplicaID) int {
	c, ok := e.prepareVotes[digest]
	if !ok {
		c = newQuorumCounter()
		e.prepareVotes[digest] = c
	}
	c.add(sender)
	return c.count()
}

func (e *LogEntry) addCommitVote(digest Digest, sender ReplicaID) int {
	c, ok := e.commitVotes[digest]
	if !ok {
		c = newQuorumCounter()
		e.commitVotes[digest] = c
	}
	c.add(sender)
	return c.count()
}

// Log is a watermark-bounded, indexed store of protocol messages and
// quorum witnesses for one replica (or, read-only, for inspection by
// tests). It enforces §4.2's low <= n <= high acceptance rule and drives
// checkpoint-based truncation, replacing the teacher's/source's
// unbounded in-memory accumulation (§9 "Unbounded in-memory log").
type Log struct {
	entries map[SeqNum]*LogEntry
	low     SeqNum
	high    SeqNum
}

// NewLog creates a log with the given initial watermark window.
func NewLog(low, windowSize SeqNum) *Log {
	return &Log{
		entries: make(map[SeqNum]*LogEntry),
		low:     low,
		high:    low + windowSize,
	}
}

func (l *Log) InWatermarks(seq SeqNum) bool { return seq >= l.low && seq <= l.high }

// Entry returns the entry for seq, creating it (as StatusEmpty) on first
// reference per the lifecycle rule in §3: "log entries are created on
// first evidence of a sequence number."
func (l *Log) Entry(seq SeqNum) *LogEntry {
	e, ok := l.entries[seq]
	if !ok {
		e = newLogEntry(seq)
		l.entries[seq] = e
	}
	return e
}

// Peek returns the entry for seq without creating one.
func (l *Log) Peek(seq SeqNum) (*LogEntry, bool) {
	e, ok := l.entries[seq]
	return e, ok
}

// AdvanceWatermarks moves the low watermark to a newly stable checkpoint
// sequence and discards entries below it.
func (l *Log) AdvanceWatermarks(stable SeqNum, windowSize SeqNum) {
	if stable < l.low {
		return
	}
	for seq := range l.entries {
		if seq < stable {
			delete(l.entries, seq)
		}
	}
	l.low = stable
	l.high = stable + windowSize
}

// PreparedCertificates returns, for every entry strictly above floor with
// Status >= StatusPrepared and a recorded pre-prepare, the certificate
// used to build VIEW-CHANGE's prepared_set (§4.4). Each certificate holds
// only the pre-prepare: the log records which replicas sent PREPAREs, not
// the PREPARE messages, so Prepares is left empty.
func (l *Log) PreparedCertificates(floor SeqNum) []PreparedCert {
	var certs []PreparedCert
	var seqs []SeqNum
	for seq, e := range l.entries {
		if seq > floor && e.Status >= StatusPrepared && e.PP != nil {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		e := l.entries[seq]
		certs = append(certs, PreparedCert{PP: *e.PP})
	}
	return certs
}
