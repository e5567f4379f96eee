// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

package bft2f

import (
	"encoding/binary"
)

// encoder builds a canonical byte encoding: fixed-width big-endian
// integers, uint32-length-prefixed variable-length fields, no optional
// padding, field order fixed by call order. This is deliberately not
// protobuf or gob: §6 requires digests to be reproducible bit-for-bit
// across independently operated replicas, and neither of the teacher's
// two encodings (protobuf varints, gob's self-describing format) pins a
// byte-stable width for integers.
type encoder struct {
	buf []byte
}

func newEncoder() *encoder { return &encoder{buf: make([]byte, 0, 128)} }

func (e *encoder) u8(v uint8) *encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *encoder) u32(v uint32) *encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *encoder) u64(v uint64) *encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *encoder) i64(v int64) *encoder { return e.u64(uint64(v)) }

// bytesField appends a uint32 length prefix followed by the raw bytes.
func (e *encoder) bytesField(b []byte) *encoder {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

func (e *encoder) strField(s string) *encoder { return e.bytesField([]byte(s)) }

func (e *encoder) digestField(d Digest) *encoder {
	e.buf = append(e.buf, d[:]...)
	return e
}

func (e *encoder) bytes() []byte { return e.buf }

// tag identifies a message variant in its canonical preamble.
type tag uint8

const (
	tagRequest tag = iota + 1
	tagPrePrepare
	tagPrepare
	tagCommit
	tagReply
	tagCheckpoint
	tagViewChange
	tagNewView
)

// preamble writes the fixed {tag, view, sender} header of §4.2 ahead of
// the variant-specific payload. PRE-PREPARE, PREPARE, COMMIT and REPLY
// use it; VIEW-CHANGE and NEW-VIEW write the same three fields directly,
// with the target view. REQUEST and CHECKPOINT carry no such header:
// their encodings start with the tag byte followed by their own fields.
func (e *encoder) preamble(t tag, view View, sender ReplicaID) *encoder {
	return e.u8(uint8(t)).u64(uint64(view)).u64(uint64(sender))
}
