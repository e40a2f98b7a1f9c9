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

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("checkpoint record not found")

	// ErrInvalidRecord indicates a record with missing plan or shard ID.
	ErrInvalidRecord = errors.New("invalid checkpoint record")

	// ErrStaleTransition indicates a write that would regress the shard
	// state machine; the caller lost a race and should re-read.
	ErrStaleTransition = errors.New("stale status transition")

	// ErrStoreUnavailable indicates the backing database failed. Fatal:
	// the engine refuses new work rather than risking silent data loss.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")
)
