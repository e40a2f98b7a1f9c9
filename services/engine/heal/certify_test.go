// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heal

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/merkle"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

func newCertifyHarness(t *testing.T, exec *healExecutor) (Certifier, *executor.MemoryEffects) {
	t.Helper()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(exec))
	effects := executor.NewMemoryEffects()
	guard := executor.NewGuard(reg, effects, nil)
	return NewCertifier(guard, effects), effects
}

func TestCertifier_RejectsMalformedDigest(t *testing.T) {
	exec := &healExecutor{kind: "k", idempotent: true}
	certifier, _ := newCertifyHarness(t, exec)

	candidate := shard.Shard{
		ID:           "s1",
		PlanID:       "p1",
		Payload:      shard.Payload{Kind: "k"},
		Status:       shard.StatusFailed,
		Attempt:      2,
		ResultDigest: "short",
	}
	ok, evidence, err := certifier.Certify(context.Background(), shard.Plan{ID: "p1"}, nil, candidate)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, evidence)
	assert.Equal(t, 0, exec.callCount())
}

func TestCertifier_RejectsNonReproducibleDigest(t *testing.T) {
	// The executor lands on testDigest, but the candidate claims a
	// different one. A stale effect marker carrying the claimed digest
	// must not be replayed into agreement.
	exec := &healExecutor{kind: "k", idempotent: true}
	certifier, effects := newCertifyHarness(t, exec)

	claimed := strings.Repeat("cd", 32)
	require.NoError(t, effects.Mark(context.Background(), "s1", claimed))

	candidate := shard.Shard{
		ID:           "s1",
		PlanID:       "p1",
		Payload:      shard.Payload{Kind: "k"},
		Status:       shard.StatusFailed,
		Attempt:      2,
		ResultDigest: claimed,
	}
	ok, _, err := certifier.Certify(context.Background(), shard.Plan{ID: "p1"}, nil, candidate)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, exec.callCount())
}

func TestCertifier_AcceptsReproducibleDigest(t *testing.T) {
	exec := &healExecutor{kind: "k", idempotent: true}
	certifier, _ := newCertifyHarness(t, exec)

	other := shard.Shard{
		ID:           "other",
		PlanID:       "p1",
		Payload:      shard.Payload{Kind: "k"},
		Status:       shard.StatusDone,
		Attempt:      0,
		ResultDigest: strings.Repeat("11", 32),
	}
	candidate := shard.Shard{
		ID:           "s1",
		PlanID:       "p1",
		Payload:      shard.Payload{Kind: "k"},
		Status:       shard.StatusFailed,
		Attempt:      2,
		ResultDigest: testDigest,
	}

	ok, evidence, err := certifier.Certify(context.Background(), shard.Plan{ID: "p1"},
		[]shard.Shard{other, candidate}, candidate)
	require.NoError(t, err)
	assert.True(t, ok)

	// The evidence is the root of the tree over the plan's completed
	// results plus the healed candidate.
	tree, err := merkle.Build([]merkle.Leaf{
		{ShardID: other.ID, Digest: other.ResultDigest, Attempt: other.Attempt},
		{ShardID: candidate.ID, Digest: candidate.ResultDigest, Attempt: candidate.Attempt},
	})
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), evidence)
}

func TestCertifier_SkipsRerunForNonIdempotentKinds(t *testing.T) {
	exec := &healExecutor{kind: "k", idempotent: false}
	certifier, _ := newCertifyHarness(t, exec)

	candidate := shard.Shard{
		ID:           "s1",
		PlanID:       "p1",
		Payload:      shard.Payload{Kind: "k"},
		Status:       shard.StatusFailed,
		Attempt:      3,
		ResultDigest: testDigest,
	}
	ok, evidence, err := certifier.Certify(context.Background(), shard.Plan{ID: "p1"},
		[]shard.Shard{candidate}, candidate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, evidence)
	assert.Equal(t, 0, exec.callCount())
}
