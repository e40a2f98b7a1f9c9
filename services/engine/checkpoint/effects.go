// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Effects is a durable effect-marker store sharing the checkpoint
// database. Markers survive process restart, so a rehydrated shard
// whose side effect already landed replays its recorded digest instead
// of re-executing.
//
// Keys:
//
//	effect/{shardID} -> digest (raw string)
//
// Thread Safety: safe for concurrent use.
type Effects struct {
	db *badger.DB
}

// Effects returns the effect-marker store backed by this checkpoint
// database.
func (s *Store) Effects() *Effects {
	return &Effects{db: s.db}
}

func effectKey(id shard.ID) []byte {
	return []byte("effect/" + string(id))
}

// Mark records that the shard's effect landed with this digest.
func (e *Effects) Mark(ctx context.Context, id shard.ID, digest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(effectKey(id), []byte(digest))
	})
	if err != nil {
		return fmt.Errorf("%w: mark effect %s: %v", ErrStoreUnavailable, id.Short(), err)
	}
	return nil
}

// Lookup returns the recorded digest for a shard, if any.
func (e *Effects) Lookup(ctx context.Context, id shard.ID) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var digest string
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(effectKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			digest = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: lookup effect %s: %v", ErrStoreUnavailable, id.Short(), err)
	}
	return digest, true, nil
}

// Forget drops a marker so the shard re-executes. Healing calls this
// when a checkpointed result must be rebuilt from scratch.
func (e *Effects) Forget(ctx context.Context, id shard.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(effectKey(id))
	})
	if err != nil {
		return fmt.Errorf("%w: forget effect %s: %v", ErrStoreUnavailable, id.Short(), err)
	}
	return nil
}
