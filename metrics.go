// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import "sync/atomic"

// Metrics is the counters exposed by Replica.Metrics(), per spec §6's
// API surface. All fields are updated with atomic operations so a
// caller may read them from any goroutine while the engine runs.
type Metrics struct {
	Malformed      atomic.Int64
	OutOfRange     atomic.Int64
	Equivocations  atomic.Int64
	ViewChanges    atomic.Int64
	Executed       atomic.Int64
	ForkAlarms     atomic.Int64
}

// Snapshot is a point-in-time copy safe to log or assert against.
type MetricsSnapshot struct {
	Malformed     int64
	OutOfRange    int64
	Equivocations int64
	ViewChanges   int64
	Executed      int64
	ForkAlarms    int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Malformed:     m.Malformed.Load(),
		OutOfRange:    m.OutOfRange.Load(),
		Equivocations: m.Equivocations.Load(),
		ViewChanges:   m.ViewChanges.Load(),
		Executed:      m.Executed.Load(),
		ForkAlarms:    m.ForkAlarms.Load(),
	}
}
