// Copyright (c) 2026 BFT2F Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides a reference, persisted implementation of the
// engine's CheckpointStore contract backed by an embedded badger key-value
// store, grounded on rem1niscence-canopy's store/wrapper_txn.go
// transaction-wrapper pattern (Get/Set/Delete over a badger.Txn),
// simplified to the checkpoint store's narrower Save/TruncateBelow
// surface.
package storage

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"

	bft2f "github.com/bft2f-project/bft2f"
)

var checkpointPrefix = []byte("bft2f/checkpoint/")

// BadgerCheckpointStore persists stable-checkpoint state digests keyed by
// sequence number, so a restarted replica can recover its last stable
// checkpoint without replaying the entire log (§4.2).
type BadgerCheckpointStore struct {
	db *badger.DB
}

// OpenBadgerCheckpointStore opens (creating if absent) a badger database
// at dir for use as a CheckpointStore.
func OpenBadgerCheckpointStore(dir string) (*BadgerCheckpointStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerCheckpointStore{db: db}, nil
}

func (s *BadgerCheckpointStore) Close() error { return s.db.Close() }

func seqKey(seq bft2f.SeqNum) []byte {
	key := make([]byte, len(checkpointPrefix)+8)
	copy(key, checkpointPrefix)
	binary.BigEndian.PutUint64(key[len(checkpointPrefix):], uint64(seq))
	return key
}

// Save persists stateDigest as the checkpoint witness for seq.
func (s *BadgerCheckpointStore) Save(seq bft2f.SeqNum, stateDigest bft2f.Digest) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(seq), stateDigest.Bytes())
	})
}

// TruncateBelow deletes every checkpoint entry strictly below seq,
// mirroring the engine's log-truncation-on-stable-checkpoint rule (§4.2)
// at the persisted-state layer.
func (s *BadgerCheckpointStore) TruncateBelow(seq bft2f.SeqNum) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: checkpointPrefix})
		defer it.Close()
		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if len(key) != len(checkpointPrefix)+8 {
				continue
			}
			n := binary.BigEndian.Uint64(key[len(checkpointPrefix):])
			if bft2f.SeqNum(n) < seq {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Latest returns the highest-sequence checkpoint persisted, if any, used
// to resume a restarted replica at its last known-stable state.
func (s *BadgerCheckpointStore) Latest() (seq bft2f.SeqNum, stateDigest bft2f.Digest, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: checkpointPrefix, Reverse: true})
		defer it.Close()
		// badger's reverse iteration needs seeking past the prefix end.
		seekKey := append(append([]byte{}, checkpointPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seekKey)
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		if len(key) != len(checkpointPrefix)+8 {
			return nil
		}
		n := binary.BigEndian.Uint64(key[len(checkpointPrefix):])
		val, verr := item.ValueCopy(nil)
		if verr != nil {
			return verr
		}
		var d bft2f.Digest
		copy(d[:], val)
		seq = bft2f.SeqNum(n)
		stateDigest = d
		found = true
		return nil
	})
	return
}
