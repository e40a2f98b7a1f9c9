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
	"fmt"

	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/merkle"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Certifier independently validates a remediated result before a
// ticket may close as healed. A remediation that "succeeds" but fails
// certification counts as a failed attempt.
type Certifier interface {
	// Certify checks the candidate shard (carrying its new digest and
	// attempt) against the plan's other results. Returns whether the
	// result is certified and the evidence (the verified merkle root).
	Certify(ctx context.Context, plan shard.Plan, shards []shard.Shard, candidate shard.Shard) (bool, string, error)
}

// defaultCertifier runs the two independent checks: a policy check on
// the digest, and a merkle inclusion proof of the candidate against a
// tree over the plan's completed results. For idempotent kinds it also
// re-executes the shard once more and requires the digests to agree.
type defaultCertifier struct {
	exec    *executor.Guard
	effects Remediator
}

// NewCertifier creates the default certifier.
func NewCertifier(exec *executor.Guard, effects Remediator) Certifier {
	return &defaultCertifier{exec: exec, effects: effects}
}

func (c *defaultCertifier) Certify(
	ctx context.Context,
	plan shard.Plan,
	shards []shard.Shard,
	candidate shard.Shard,
) (bool, string, error) {
	// Policy check: the digest must be a full sha256 hex string.
	if len(candidate.ResultDigest) != 64 {
		return false, "", nil
	}

	// Reproducibility check: an independent re-execution of an
	// idempotent kind must land on the same digest.
	if exec, ok := c.exec.Registry().Get(candidate.Payload.Kind); ok && exec.Idempotent() {
		if c.effects != nil {
			if err := c.effects.Forget(ctx, candidate.ID); err != nil {
				return false, "", fmt.Errorf("clearing effect marker: %w", err)
			}
		}
		rerun, err := c.exec.Execute(ctx, candidate)
		if err != nil {
			return false, "", nil
		}
		if rerun.Digest != candidate.ResultDigest {
			return false, "", nil
		}
	}

	// Inclusion proof against the plan's completed results.
	leaves := make([]merkle.Leaf, 0, len(shards))
	for _, sh := range shards {
		if sh.ID == candidate.ID {
			continue
		}
		if !sh.Status.Complete() {
			continue
		}
		leaves = append(leaves, merkle.Leaf{
			ShardID: sh.ID,
			Digest:  sh.ResultDigest,
			Attempt: sh.Attempt,
		})
	}
	leaves = append(leaves, merkle.Leaf{
		ShardID: candidate.ID,
		Digest:  candidate.ResultDigest,
		Attempt: candidate.Attempt,
	})

	tree, err := merkle.Build(leaves)
	if err != nil {
		return false, "", fmt.Errorf("building certification tree: %w", err)
	}
	proof, err := tree.Prove(candidate.ID)
	if err != nil {
		return false, "", fmt.Errorf("proving candidate: %w", err)
	}
	if !merkle.VerifyProof(tree.Root(), proof) {
		return false, "", nil
	}

	return true, tree.Root(), nil
}
