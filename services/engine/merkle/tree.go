// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merkle builds the tamper-evident aggregation tree over shard
// results.
//
// Leaves correspond 1:1 to shard result digests in lexicographic shard
// ID order, so two runs over identical inputs produce an identical
// root. Internal nodes hash their children; verification of a single
// leaf walks one root path, and localization of a corrupted leaf
// descends only into differing subtrees, keeping both verification and
// repair O(log n) for a single bad leaf.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Leaf is one shard result entering the tree.
type Leaf struct {
	// ShardID orders the leaves and names them in proofs.
	ShardID shard.ID `json:"shard_id"`

	// Digest is the shard's result digest.
	Digest string `json:"digest"`

	// Attempt is the attempt that produced the digest. Healing bumps
	// it, so a healed shard hashes to a new leaf.
	Attempt int `json:"attempt"`
}

// hash returns the leaf hash: sha256(shardID|digest|attempt).
func (l Leaf) hash() string {
	data := string(l.ShardID) + "|" + l.Digest + "|" + strconv.Itoa(l.Attempt)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// branchHash combines two child hashes: sha256(left|right).
func branchHash(left, right string) string {
	sum := sha256.Sum256([]byte(left + "|" + right))
	return hex.EncodeToString(sum[:])
}

// emptyRoot is the root of a tree with no leaves.
func emptyRoot() string {
	sum := sha256.Sum256([]byte("empty"))
	return hex.EncodeToString(sum[:])
}

// Side identifies which side of a pairing a proof sibling sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Side Side   `json:"side"`
	Hash string `json:"hash"`
}

// Proof is an inclusion proof for one leaf.
type Proof struct {
	ShardID  shard.ID    `json:"shard_id"`
	LeafHash string      `json:"leaf_hash"`
	Path     []ProofStep `json:"path"`
	Root     string      `json:"root"`
}

// Tree is an immutable merkle tree over a canonical leaf set.
//
// Thread Safety: Tree is immutable after Build; safe for concurrent
// reads.
type Tree struct {
	leaves []Leaf
	// levels[0] holds the leaf hashes; each subsequent level halves
	// (odd nodes are paired with themselves). The last level has one
	// entry: the root.
	levels [][]string
	index  map[shard.ID]int
}

// Build constructs the tree from an unordered leaf set.
//
// Description:
//
//	Leaves are sorted lexicographically by shard ID before hashing, so
//	the tree is deterministic for a given leaf set regardless of
//	completion order. An odd node at any level is paired with itself.
//
// Outputs:
//
//	*Tree - The built tree. Never nil; an empty leaf set yields a tree
//	whose root is the well-known empty-tree digest.
//	error - Non-nil if two leaves share a shard ID.
func Build(leaves []Leaf) (*Tree, error) {
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ShardID < sorted[j].ShardID
	})

	index := make(map[shard.ID]int, len(sorted))
	for i, l := range sorted {
		if _, dup := index[l.ShardID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateLeaf, l.ShardID.Short())
		}
		index[l.ShardID] = i
	}

	t := &Tree{leaves: sorted, index: index}

	if len(sorted) == 0 {
		t.levels = [][]string{{emptyRoot()}}
		return t, nil
	}

	level := make([]string, len(sorted))
	for i, l := range sorted {
		level[i] = l.hash()
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, branchHash(left, right))
		}
		t.levels = append(t.levels, next)
		level = next
	}

	return t, nil
}

// Root returns the tree's root digest.
func (t *Tree) Root() string {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.leaves)
}

// Leaves returns the canonical (sorted) leaf slice.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Prove generates the inclusion proof for one shard.
//
// Outputs:
//
//	Proof - Sibling path from the leaf to the root.
//	error - ErrUnknownLeaf if the shard is not in the tree.
func (t *Tree) Prove(id shard.ID) (Proof, error) {
	pos, ok := t.index[id]
	if !ok {
		return Proof{}, fmt.Errorf("%w: %s", ErrUnknownLeaf, id.Short())
	}

	proof := Proof{
		ShardID:  id,
		LeafHash: t.levels[0][pos],
		Root:     t.Root(),
	}

	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibling int
		var side Side
		if pos%2 == 0 {
			sibling = pos + 1
			side = SideRight
		} else {
			sibling = pos - 1
			side = SideLeft
		}
		if sibling >= len(level) {
			// Odd node pairs with itself.
			sibling = pos
			side = SideRight
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, Hash: level[sibling]})
		pos /= 2
	}

	return proof, nil
}

// VerifyProof recomputes the root from a proof and compares it against
// the expected root. Pure function: no tree needed, so spot checks can
// run against nothing but the persisted root.
func VerifyProof(root string, proof Proof) bool {
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Side == SideLeft {
			current = branchHash(step.Hash, current)
		} else {
			current = branchHash(current, step.Hash)
		}
	}
	return current == root && proof.Root == root
}

// SampleProofs returns proofs for a uniform sample of leaves, for
// certification spot checks without re-reading every result.
func (t *Tree) SampleProofs(n int, rng *rand.Rand) []Proof {
	if n <= 0 || len(t.leaves) == 0 {
		return nil
	}
	if n > len(t.leaves) {
		n = len(t.leaves)
	}

	perm := rng.Perm(len(t.leaves))
	proofs := make([]Proof, 0, n)
	for _, idx := range perm[:n] {
		p, err := t.Prove(t.leaves[idx].ShardID)
		if err != nil {
			continue
		}
		proofs = append(proofs, p)
	}
	return proofs
}

// Divergent locates the leaves whose hashes differ between this tree
// (the trusted reference) and another tree built over the same shard
// IDs, by descending only into subtrees whose hashes differ.
//
// Description:
//
//	This is the bisected repair path: after a verification failure,
//	rebuild a tree from the currently persisted digests and compare it
//	against the certified reference. The walk visits O(k log n) nodes
//	for k corrupted leaves and returns exactly the shard IDs needing
//	re-execution, never the whole plan.
//
// Outputs:
//
//	[]shard.ID - Shard IDs of the divergent leaves, in canonical order.
//	error - ErrShapeMismatch if the trees have different leaf sets.
func (t *Tree) Divergent(other *Tree) ([]shard.ID, error) {
	if t.Size() != other.Size() {
		return nil, ErrShapeMismatch
	}
	for i := range t.leaves {
		if t.leaves[i].ShardID != other.leaves[i].ShardID {
			return nil, ErrShapeMismatch
		}
	}
	if t.Root() == other.Root() {
		return nil, nil
	}

	var out []shard.ID
	var descend func(lvl, pos int)
	descend = func(lvl, pos int) {
		if t.levels[lvl][pos] == other.levels[lvl][pos] {
			return
		}
		if lvl == 0 {
			out = append(out, t.leaves[pos].ShardID)
			return
		}
		left := pos * 2
		right := left + 1
		descend(lvl-1, left)
		if right < len(t.levels[lvl-1]) {
			descend(lvl-1, right)
		}
	}
	descend(len(t.levels)-1, 0)

	return out, nil
}
