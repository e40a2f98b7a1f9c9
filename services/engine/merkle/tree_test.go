// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merkle

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

func testLeaves(n int) []Leaf {
	leaves := make([]Leaf, n)
	for i := 0; i < n; i++ {
		leaves[i] = Leaf{
			ShardID: shard.ID(fmt.Sprintf("shard-%03d", i)),
			Digest:  fmt.Sprintf("digest-%03d", i),
			Attempt: 1,
		}
	}
	return leaves
}

func TestBuild_DeterministicAcrossOrder(t *testing.T) {
	leaves := testLeaves(7)

	a, err := Build(leaves)
	require.NoError(t, err)

	// Shuffle the input; the root must not move.
	rng := rand.New(rand.NewSource(42))
	shuffled := make([]Leaf, len(leaves))
	copy(shuffled, leaves)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	b, err := Build(shuffled)
	require.NoError(t, err)
	assert.Equal(t, a.Root(), b.Root())
}

func TestBuild_RejectsDuplicateShardID(t *testing.T) {
	leaves := testLeaves(3)
	leaves[2].ShardID = leaves[0].ShardID

	_, err := Build(leaves)
	assert.ErrorIs(t, err, ErrDuplicateLeaf)
}

func TestBuild_EmptyAndSingle(t *testing.T) {
	empty, err := Build(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, empty.Root())
	assert.Equal(t, 0, empty.Size())

	single, err := Build(testLeaves(1))
	require.NoError(t, err)
	assert.NotEqual(t, empty.Root(), single.Root())

	p, err := single.Prove("shard-000")
	require.NoError(t, err)
	assert.True(t, VerifyProof(single.Root(), p))
}

func TestProve_AllLeavesVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 8, 13, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tree, err := Build(testLeaves(n))
			require.NoError(t, err)

			for _, l := range tree.Leaves() {
				p, err := tree.Prove(l.ShardID)
				require.NoError(t, err)
				assert.True(t, VerifyProof(tree.Root(), p),
					"proof for %s must verify", l.ShardID)
			}
		})
	}
}

func TestProve_UnknownLeaf(t *testing.T) {
	tree, err := Build(testLeaves(4))
	require.NoError(t, err)

	_, err = tree.Prove("nope")
	assert.ErrorIs(t, err, ErrUnknownLeaf)
}

func TestVerifyProof_FlippedDigestFailsOnlyThatShard(t *testing.T) {
	leaves := testLeaves(13)
	clean, err := Build(leaves)
	require.NoError(t, err)

	corrupted := make([]Leaf, len(leaves))
	copy(corrupted, leaves)
	corrupted[5].Digest = "tampered"
	dirty, err := Build(corrupted)
	require.NoError(t, err)

	for _, l := range leaves {
		p, err := dirty.Prove(l.ShardID)
		require.NoError(t, err)
		ok := VerifyProof(clean.Root(), p)
		if l.ShardID == leaves[5].ShardID {
			assert.False(t, ok, "tampered shard must fail against the certified root")
		} else {
			// Sibling hashes changed along the tampered path, so some
			// honest proofs fail too; the one guarantee is the tampered
			// leaf never verifies. Honest proofs from the clean tree
			// always do.
			cp, err := clean.Prove(l.ShardID)
			require.NoError(t, err)
			assert.True(t, VerifyProof(clean.Root(), cp))
		}
	}
}

func TestDivergent_LocatesExactlyTheCorruptedShard(t *testing.T) {
	leaves := testLeaves(13)
	reference, err := Build(leaves)
	require.NoError(t, err)

	corrupted := make([]Leaf, len(leaves))
	copy(corrupted, leaves)
	corrupted[7].Digest = "flipped"
	observed, err := Build(corrupted)
	require.NoError(t, err)

	bad, err := reference.Divergent(observed)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, leaves[7].ShardID, bad[0])
}

func TestDivergent_MultipleCorruptions(t *testing.T) {
	leaves := testLeaves(32)
	reference, err := Build(leaves)
	require.NoError(t, err)

	corrupted := make([]Leaf, len(leaves))
	copy(corrupted, leaves)
	corrupted[0].Digest = "x"
	corrupted[17].Attempt = 9
	corrupted[31].Digest = "y"
	observed, err := Build(corrupted)
	require.NoError(t, err)

	bad, err := reference.Divergent(observed)
	require.NoError(t, err)
	require.Len(t, bad, 3)
	assert.Equal(t, leaves[0].ShardID, bad[0])
	assert.Equal(t, leaves[17].ShardID, bad[1])
	assert.Equal(t, leaves[31].ShardID, bad[2])
}

func TestDivergent_IdenticalTrees(t *testing.T) {
	leaves := testLeaves(9)
	a, err := Build(leaves)
	require.NoError(t, err)
	b, err := Build(leaves)
	require.NoError(t, err)

	bad, err := a.Divergent(b)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestDivergent_ShapeMismatch(t *testing.T) {
	a, err := Build(testLeaves(4))
	require.NoError(t, err)
	b, err := Build(testLeaves(5))
	require.NoError(t, err)

	_, err = a.Divergent(b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestHealedAttemptChangesRoot(t *testing.T) {
	leaves := testLeaves(6)
	before, err := Build(leaves)
	require.NoError(t, err)

	// Healing re-executes a shard: new attempt, possibly new digest.
	leaves[2].Attempt = 3
	after, err := Build(leaves)
	require.NoError(t, err)

	assert.NotEqual(t, before.Root(), after.Root())
}

func TestSampleProofs(t *testing.T) {
	tree, err := Build(testLeaves(20))
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))

	proofs := tree.SampleProofs(5, rng)
	require.Len(t, proofs, 5)
	seen := make(map[shard.ID]bool)
	for _, p := range proofs {
		assert.True(t, VerifyProof(tree.Root(), p))
		assert.False(t, seen[p.ShardID], "sample must not repeat a shard")
		seen[p.ShardID] = true
	}

	// Oversized sample clamps to the leaf count.
	assert.Len(t, tree.SampleProofs(100, rng), 20)
	assert.Nil(t, tree.SampleProofs(0, rng))
}
