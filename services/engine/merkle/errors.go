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

import "errors"

var (
	// ErrDuplicateLeaf indicates two leaves share a shard ID.
	ErrDuplicateLeaf = errors.New("duplicate merkle leaf")

	// ErrUnknownLeaf indicates a proof was requested for a shard that
	// is not in the tree.
	ErrUnknownLeaf = errors.New("unknown merkle leaf")

	// ErrShapeMismatch indicates two trees cover different leaf sets
	// and cannot be compared.
	ErrShapeMismatch = errors.New("merkle tree shape mismatch")

	// ErrVerificationMismatch indicates an inclusion proof failed to
	// reproduce the certified root.
	ErrVerificationMismatch = errors.New("merkle verification mismatch")
)
