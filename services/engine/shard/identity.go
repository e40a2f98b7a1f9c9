// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// identityEnvelope is the canonical structure hashed by Identify.
// Field order is fixed; map keys inside Inputs are sorted by
// encoding/json, so the serialized form is deterministic.
type identityEnvelope struct {
	JobKind string   `json:"job_kind"`
	Inputs  any      `json:"inputs"`
	Deps    []string `json:"deps"`
}

// Identify computes the content-addressed ID for a unit of work.
//
// Description:
//
//	Pure function: no I/O, no clock, no randomness. Dependency IDs are
//	sorted before hashing so the ID is independent of submission order.
//	Inputs are normalized through a JSON round-trip so that
//	struct-typed and map-typed inputs with the same content hash
//	identically.
//
// Inputs:
//
//	jobKind - The job kind. Must not be empty.
//	inputs - The shard's inputs. Must be JSON-serializable.
//	deps - Dependency shard IDs, in any order.
//
// Outputs:
//
//	ID - Hex-encoded SHA-256 of the canonical encoding.
//	error - Non-nil if jobKind is empty or inputs cannot be serialized.
func Identify(jobKind string, inputs any, deps []ID) (ID, error) {
	if jobKind == "" {
		return "", ErrEmptyJobKind
	}

	normalized, err := normalize(inputs)
	if err != nil {
		return "", fmt.Errorf("normalize inputs: %w", err)
	}

	sortedDeps := make([]string, len(deps))
	for i, d := range deps {
		sortedDeps[i] = string(d)
	}
	sort.Strings(sortedDeps)

	data, err := json.Marshal(identityEnvelope{
		JobKind: jobKind,
		Inputs:  normalized,
		Deps:    sortedDeps,
	})
	if err != nil {
		return "", fmt.Errorf("marshal identity envelope: %w", err)
	}

	sum := sha256.Sum256(data)
	return ID(hex.EncodeToString(sum[:])), nil
}

// normalize round-trips a value through JSON so that equivalent inputs
// produce byte-identical encodings (maps get sorted keys, struct tags
// collapse to their wire names).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Digest returns the hex-encoded SHA-256 of an executor output. Used
// for Shard.ResultDigest and merkle leaf construction.
func Digest(output []byte) string {
	sum := sha256.Sum256(output)
	return hex.EncodeToString(sum[:])
}
