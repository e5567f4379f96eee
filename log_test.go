// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogWatermarks(t *testing.T) {
	l := NewLog(0, 10)
	require.True(t, l.InWatermarks(0))
	require.True(t, l.InWatermarks(10))
	require.False(t, l.InWatermarks(11))
}

func TestLogEntryCreatedOnFirstReference(t *testing.T) {
	l := NewLog(0, 10)
	_, ok := l.Peek(3)
	require.False(t, ok)

	e := l.Entry(3)
	require.Equal(t, StatusEmpty, e.Status)

	_, ok = l.Peek(3)
	require.True(t, ok)
}

func TestAdvanceWatermarksTruncatesBelowStable(t *testing.T) {
	l := NewLog(0, 10)
	l.Entry(1)
	l.Entry(5)
	l.Entry(9)

	l.AdvanceWatermarks(5, 10)
	require.Equal(t, SeqNum(5), l.low)
	require.Equal(t, SeqNum(15), l.high)

	_, ok := l.Peek(1)
	require.False(t, ok)
	_, ok = l.Peek(5)
	require.True(t, ok)
	_, ok = l.Peek(9)
	require.True(t, ok)
}

func TestQuorumCounterDistinctSenders(t *testing.T) {
	c := newQuorumCounter()
	c.add(1)
	c.add(2)
	c.add(1) // duplicate sender, not a second vote
	require.Equal(t, 2, c.count())
	require.True(t, c.has(1))
	require.False(t, c.has(3))
}

func TestPreparedCertificatesAboveFloor(t *testing.T) {
	l := NewLog(0, 10)
	e1 := l.Entry(1)
	e1.Status = StatusPrepared
	e1.PP = &PrePrepare{Seq: 1, Digest: digestBytes([]byte("a"))}

	e2 := l.Entry(2)
	e2.Status = StatusPrePrepared // not prepared yet, excluded
	e2.PP = &PrePrepare{Seq: 2}

	e3 := l.Entry(3)
	e3.Status = StatusCommitted
	e3.PP = &PrePrepare{Seq: 3, Digest: digestBytes([]byte("c"))}

	certs := l.PreparedCertificates(0)
	require.Len(t, certs, 2)
	require.Equal(t, SeqNum(1), certs[0].PP.Seq)
	require.Equal(t, SeqNum(3), certs[1].PP.Seq)

	certsAboveTwo := l.PreparedCertificates(2)
	require.Len(t, certsAboveTwo, 1)
	require.Equal(t, SeqNum(3), certsAboveTwo[0].PP.Seq)
}
