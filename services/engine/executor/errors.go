// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import "errors"

var (
	// ErrUnknownKind indicates no executor is registered for the
	// shard's job kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrDuplicateKind indicates a second executor registration for an
	// already-registered kind.
	ErrDuplicateKind = errors.New("duplicate job kind")

	// ErrInvalidExecutor indicates a nil or unnamed executor.
	ErrInvalidExecutor = errors.New("invalid executor")

	// ErrOverrideRequired indicates a non-idempotent shard was asked to
	// re-execute without the operator override flag on its payload.
	ErrOverrideRequired = errors.New("operator override required for re-execution")
)
