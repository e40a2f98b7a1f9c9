// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint provides the durable shard and plan state store.
//
// The store is the single source of truth for execution progress and
// the only component multiple workers write to concurrently. All shard
// writes go through a compare-and-set on the status transition inside a
// BadgerDB transaction, so racing at-least-once writers are safe
// without an external lock: a write for a shard that is already
// complete is a no-op.
//
// Keys:
//
//	shard/{planID}/{shardID} -> Record (JSON)
//	plan/{planID}            -> PlanRecord (JSON)
//
// Backing storage survives process restart; the in-memory mode exists
// for tests only and must not be used in production, because it breaks
// the rehydration contract.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Record is the persisted tuple for one shard. The full shard is kept
// (payload included) so the rehydrator can re-enqueue incomplete work;
// execution output is never stored, only its digest.
type Record struct {
	Shard     shard.Shard `json:"shard"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PlanRecord is the persisted plan index entry.
type PlanRecord struct {
	Plan      shard.Plan `json:"plan"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Config holds configuration for the checkpoint store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is set.
	Path string

	// InMemory enables in-memory mode. Tests only: it violates the
	// durability contract the rehydrator depends on.
	InMemory bool

	// SyncWrites enables synchronous writes. Default true in
	// DefaultConfig; disabled in InMemoryConfig for faster tests.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. If nil, Badger's
	// logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults (durable, synchronous).
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns a test configuration with no disk I/O.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed checkpoint store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db       *badger.DB
	inMemory bool
}

// Open creates and opens a checkpoint store.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a durable checkpoint store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrStoreUnavailable, err)
	}

	return &Store{db: db, inMemory: cfg.InMemory}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InMemory reports whether the store is volatile (tests only).
func (s *Store) InMemory() bool {
	return s.inMemory
}

func shardKey(planID string, id shard.ID) []byte {
	return []byte("shard/" + planID + "/" + string(id))
}

func shardPrefix(planID string) []byte {
	return []byte("shard/" + planID + "/")
}

func planKey(planID string) []byte {
	return []byte("plan/" + planID)
}

// validTransition enforces the shard state machine at the storage
// layer. Writes that would regress a shard are rejected as stale.
func validTransition(from, to shard.Status) bool {
	switch from {
	case shard.StatusPending:
		return to == shard.StatusRunning || to == shard.StatusPending
	case shard.StatusRunning:
		return to == shard.StatusDone || to == shard.StatusFailed || to == shard.StatusRunning
	case shard.StatusFailed:
		// Retry, direct healing, or a healed result landing.
		return to == shard.StatusPending || to == shard.StatusRunning ||
			to == shard.StatusHealed || to == shard.StatusFailed
	}
	return false
}

// PutShard persists a shard record with compare-and-set semantics.
//
// Description:
//
//	Inside a single transaction: if no record exists the write is an
//	insert; if the existing record is already complete (done or healed)
//	the write is a silent no-op, which is what makes racing
//	at-least-once writers safe; if the transition from the existing
//	status is not part of the state machine the write fails with
//	ErrStaleTransition.
//
// Outputs:
//
//	error - Non-nil on storage failure or invalid transition.
func (s *Store) PutShard(ctx context.Context, sh shard.Shard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sh.PlanID == "" || sh.ID == "" {
		return ErrInvalidRecord
	}

	rec := Record{Shard: sh, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(sh.PlanID, sh.ID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First write for this shard.
		case err != nil:
			return err
		default:
			var existing Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("decode existing record: %w", err)
			}
			if existing.Shard.Status.Complete() {
				// Idempotent write: the work is already finished.
				return nil
			}
			if !validTransition(existing.Shard.Status, sh.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrStaleTransition, existing.Shard.Status, sh.Status)
			}
		}
		return txn.Set(shardKey(sh.PlanID, sh.ID), data)
	})
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		return fmt.Errorf("%w: put shard %s: %v", ErrStoreUnavailable, sh.ID.Short(), err)
	}
	return err
}

// Invalidate forcibly overwrites a shard record with a failed one,
// bypassing the complete-is-terminal rule PutShard enforces.
//
// Description:
//
//	Result verification can discover that a checkpointed digest no
//	longer matches the aggregation root. The shard must then re-enter
//	the state machine even though its record says done. Only the
//	healing path calls this; regular writers stay on PutShard.
//
// Outputs:
//
//	error - ErrNotFound if the shard was never checkpointed,
//	        ErrInvalidRecord if sh is not a failed shard.
func (s *Store) Invalidate(ctx context.Context, sh shard.Shard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sh.PlanID == "" || sh.ID == "" || sh.Status != shard.StatusFailed {
		return ErrInvalidRecord
	}

	rec := Record{Shard: sh, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(shardKey(sh.PlanID, sh.ID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return txn.Set(shardKey(sh.PlanID, sh.ID), data)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: invalidate shard %s: %v", ErrStoreUnavailable, sh.ID.Short(), err)
	}
	return err
}

// GetShard returns the record for a shard, or ErrNotFound.
func (s *Store) GetShard(ctx context.Context, planID string, id shard.ID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(shardKey(planID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("%w: get shard: %v", ErrStoreUnavailable, err)
	}
	return rec, err
}

// ListShards returns all shard records for a plan.
func (s *Store) ListShards(ctx context.Context, planID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = shardPrefix(planID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list shards: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// ListIncomplete returns the shards of a plan that are not complete,
// reset to pending if a crash left them marked running.
func (s *Store) ListIncomplete(ctx context.Context, planID string) ([]shard.Shard, error) {
	recs, err := s.ListShards(ctx, planID)
	if err != nil {
		return nil, err
	}

	var out []shard.Shard
	for _, rec := range recs {
		if rec.Shard.Status.Complete() {
			continue
		}
		sh := rec.Shard
		if sh.Status == shard.StatusRunning {
			// The owning worker died with the shard in flight.
			sh.Status = shard.StatusPending
		}
		out = append(out, sh)
	}
	return out, nil
}

// PutPlan persists the plan index entry. Plan writes are last-writer
// wins: only the engine mutates plans, and only on its control path.
func (s *Store) PutPlan(ctx context.Context, p shard.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == "" {
		return ErrInvalidRecord
	}

	data, err := json.Marshal(PlanRecord{Plan: p, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal plan record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(planKey(p.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put plan %s: %v", ErrStoreUnavailable, p.ID, err)
	}
	return nil
}

// GetPlan returns the plan index entry, or ErrNotFound.
func (s *Store) GetPlan(ctx context.Context, planID string) (PlanRecord, error) {
	if err := ctx.Err(); err != nil {
		return PlanRecord{}, err
	}

	var rec PlanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(planKey(planID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return PlanRecord{}, fmt.Errorf("%w: get plan: %v", ErrStoreUnavailable, err)
	}
	return rec, err
}

// ListPlans returns plan records, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, statuses ...shard.PlanStatus) ([]PlanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := make(map[shard.PlanStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []PlanRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("plan/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec PlanRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if len(want) == 0 || want[rec.Plan.Status] {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list plans: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// CountByStatus returns per-status shard counts for a plan.
func (s *Store) CountByStatus(ctx context.Context, planID string) (map[shard.Status]int, error) {
	recs, err := s.ListShards(ctx, planID)
	if err != nil {
		return nil, err
	}

	counts := make(map[shard.Status]int)
	for _, rec := range recs {
		counts[rec.Shard.Status]++
	}
	return counts, nil
}
