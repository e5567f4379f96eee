// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"errors"
	"fmt"
)

// Kind classifies an outcome per the protocol's error handling design:
// malformed input, out-of-range sequence/view, detected equivocation, a
// timeout escalation, a client-observed fork-* alarm, or a fatal local
// invariant violation.
type Kind int

const (
	KindMalformed Kind = iota
	KindOutOfRange
	KindEquivocation
	KindTimeout
	KindForkAlarm
	KindFatalInternal
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindOutOfRange:
		return "out-of-range"
	case KindEquivocation:
		return "equivocation"
	case KindTimeout:
		return "timeout"
	case KindForkAlarm:
		return "fork-alarm"
	case KindFatalInternal:
		return "fatal-internal"
	default:
		return "unknown"
	}
}

// OutcomeError wraps an underlying cause with the Kind that governs how
// the engine or client reacts to it. Kinds malformed/out-of-range/timeout
// are recovered from locally; equivocation and fork-alarm are surfaced as
// first-class outcomes to the caller; fatal-internal halts the replica.
type OutcomeError struct {
	Kind Kind
	Err  error
}

func (e *OutcomeError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *OutcomeError) Unwrap() error { return e.Err }

func wrapKind(kind Kind, err error) *OutcomeError {
	return &OutcomeError{Kind: kind, Err: err}
}

func malformed(err error) *OutcomeError     { return wrapKind(KindMalformed, err) }
func outOfRange(err error) *OutcomeError    { return wrapKind(KindOutOfRange, err) }
func equivocation(err error) *OutcomeError  { return wrapKind(KindEquivocation, err) }
func timeoutErr(err error) *OutcomeError    { return wrapKind(KindTimeout, err) }
func forkAlarm(err error) *OutcomeError     { return wrapKind(KindForkAlarm, err) }
func fatalInternal(err error) *OutcomeError { return wrapKind(KindFatalInternal, err) }

// IsKind reports whether err (or a wrapped cause) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var oe *OutcomeError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

var (
	ErrTimestampNotNew = errors.New("request timestamp not newer than the latest handled for this client")
	ErrInvalidSig      = errors.New("invalid signature")
	ErrInvalidAuth     = errors.New("invalid authenticator")
	ErrUnmatchedDigest = errors.New("request digest does not match the digest carried in the message")
	ErrUnmatchedView   = errors.New("view does not match current replica view")
	ErrUnmatchedPP     = errors.New("conflicting pre-prepare for the same (view, seq)")
	ErrOutOfWatermark  = errors.New("sequence number outside [low, high] watermark")
	ErrUnknownSender   = errors.New("sender is not a recognized replica id")
	ErrNoSuchEntry     = errors.New("no log entry for the given (view, seq)")
	ErrViewChanging    = errors.New("replica is not accepting normal-operation messages while view-changing")
	ErrStaleView       = errors.New("message view is older than a view this replica has already left")
	ErrFutureView      = errors.New("message view is further ahead than the acceptance window allows")
	ErrInvariant       = errors.New("internal invariant violated")
)
