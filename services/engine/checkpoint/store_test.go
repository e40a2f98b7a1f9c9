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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testShard(planID string, id shard.ID, status shard.Status) shard.Shard {
	return shard.Shard{
		ID:      id,
		PlanID:  planID,
		Payload: shard.Payload{Kind: "pack_backend"},
		Status:  status,
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sh := testShard("p1", "s1", shard.StatusPending)
	require.NoError(t, s.PutShard(ctx, sh))

	rec, err := s.GetShard(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, shard.StatusPending, rec.Shard.Status)
	assert.Equal(t, "pack_backend", rec.Shard.Payload.Kind)
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetShard(context.Background(), "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutAfterDoneIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sh := testShard("p1", "s1", shard.StatusPending)
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusRunning
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusDone
	sh.ResultDigest = "digest-a"
	require.NoError(t, s.PutShard(ctx, sh))

	// A racing writer finishing late must not clobber the record.
	late := testShard("p1", "s1", shard.StatusFailed)
	require.NoError(t, s.PutShard(ctx, late))

	rec, err := s.GetShard(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, shard.StatusDone, rec.Shard.Status)
	assert.Equal(t, "digest-a", rec.Shard.ResultDigest)
}

func TestStore_InvalidateOverwritesDone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sh := testShard("p1", "s1", shard.StatusPending)
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusRunning
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusDone
	sh.ResultDigest = "digest-a"
	require.NoError(t, s.PutShard(ctx, sh))

	bad := sh
	bad.Status = shard.StatusFailed
	bad.ResultDigest = ""
	bad.LastError = &shard.Failure{Class: shard.FailUnclassified, Message: "digest mismatch"}
	require.NoError(t, s.Invalidate(ctx, bad))

	rec, err := s.GetShard(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, shard.StatusFailed, rec.Shard.Status)
	assert.Empty(t, rec.Shard.ResultDigest)

	// The shard can then travel the failed path again.
	retry := bad
	retry.Status = shard.StatusRunning
	require.NoError(t, s.PutShard(ctx, retry))
}

func TestStore_InvalidateRequiresExistingFailedRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	missing := testShard("p1", "never-written", shard.StatusFailed)
	assert.ErrorIs(t, s.Invalidate(ctx, missing), ErrNotFound)

	require.NoError(t, s.PutShard(ctx, testShard("p1", "s1", shard.StatusPending)))
	notFailed := testShard("p1", "s1", shard.StatusDone)
	assert.ErrorIs(t, s.Invalidate(ctx, notFailed), ErrInvalidRecord)
}

func TestStore_InvalidTransitionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutShard(ctx, testShard("p1", "s1", shard.StatusPending)))

	// pending -> done skips running.
	err := s.PutShard(ctx, testShard("p1", "s1", shard.StatusDone))
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestStore_InvalidRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.PutShard(ctx, shard.Shard{ID: "s1"}), ErrInvalidRecord)
	assert.ErrorIs(t, s.PutShard(ctx, shard.Shard{PlanID: "p1"}), ErrInvalidRecord)
	assert.ErrorIs(t, s.PutPlan(ctx, shard.Plan{}), ErrInvalidRecord)
}

func TestStore_ConcurrentWritersSameShard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutShard(ctx, testShard("p1", "s1", shard.StatusPending)))
	require.NoError(t, s.PutShard(ctx, testShard("p1", "s1", shard.StatusRunning)))

	done := testShard("p1", "s1", shard.StatusDone)
	done.ResultDigest = "winner"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Ignore transaction conflicts; at least one writer lands.
			_ = s.PutShard(ctx, done)
		}()
	}
	wg.Wait()

	rec, err := s.GetShard(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, shard.StatusDone, rec.Shard.Status)
	assert.Equal(t, "winner", rec.Shard.ResultDigest)
}

func TestStore_ListIncomplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutShard(ctx, testShard("p1", "a", shard.StatusPending)))
	require.NoError(t, s.PutShard(ctx, testShard("p1", "b", shard.StatusPending)))
	require.NoError(t, s.PutShard(ctx, testShard("p1", "b", shard.StatusRunning)))
	done := testShard("p1", "c", shard.StatusPending)
	require.NoError(t, s.PutShard(ctx, done))
	done.Status = shard.StatusRunning
	require.NoError(t, s.PutShard(ctx, done))
	done.Status = shard.StatusDone
	require.NoError(t, s.PutShard(ctx, done))

	// Unrelated plan must not leak into the listing.
	require.NoError(t, s.PutShard(ctx, testShard("p2", "z", shard.StatusPending)))

	incomplete, err := s.ListIncomplete(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, incomplete, 2)

	byID := make(map[shard.ID]shard.Shard)
	for _, sh := range incomplete {
		byID[sh.ID] = sh
	}
	assert.Equal(t, shard.StatusPending, byID["a"].Status)
	// Running shards from a dead worker come back as pending.
	assert.Equal(t, shard.StatusPending, byID["b"].Status)
}

func TestStore_PlanIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mkPlan := func(id string, st shard.PlanStatus) shard.Plan {
		return shard.Plan{
			ID:        id,
			JobKind:   "pack_backend",
			Status:    st,
			CreatedAt: time.Now().UTC(),
			SLO:       time.Minute,
		}
	}

	require.NoError(t, s.PutPlan(ctx, mkPlan("p1", shard.PlanRunning)))
	require.NoError(t, s.PutPlan(ctx, mkPlan("p2", shard.PlanCertified)))
	require.NoError(t, s.PutPlan(ctx, mkPlan("p3", shard.PlanPending)))

	got, err := s.GetPlan(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, shard.PlanCertified, got.Plan.Status)

	open, err := s.ListPlans(ctx, shard.PlanPending, shard.PlanRunning)
	require.NoError(t, err)
	require.Len(t, open, 2)

	all, err := s.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.GetPlan(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)

	sh := testShard("p1", "s1", shard.StatusPending)
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusRunning
	require.NoError(t, s.PutShard(ctx, sh))
	sh.Status = shard.StatusDone
	sh.ResultDigest = "d"
	require.NoError(t, s.PutShard(ctx, sh))
	require.NoError(t, s.PutPlan(ctx, shard.Plan{ID: "p1", JobKind: "pack_backend", Status: shard.PlanRunning}))
	require.NoError(t, s.Close())

	reopened, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetShard(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, shard.StatusDone, rec.Shard.Status)
	assert.Equal(t, "d", rec.Shard.ResultDigest)

	plans, err := reopened.ListPlans(ctx, shard.PlanRunning)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestStore_CountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutShard(ctx, testShard("p1", "a", shard.StatusPending)))
	require.NoError(t, s.PutShard(ctx, testShard("p1", "b", shard.StatusPending)))
	require.NoError(t, s.PutShard(ctx, testShard("p1", "b", shard.StatusRunning)))

	counts, err := s.CountByStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[shard.StatusPending])
	assert.Equal(t, 1, counts[shard.StatusRunning])
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
