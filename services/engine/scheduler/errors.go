// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import "errors"

var (
	// ErrScheduleRejected indicates admission was refused because the
	// worker pool and queue are at capacity. Callers should retry the
	// whole submission later.
	ErrScheduleRejected = errors.New("schedule rejected: queue at capacity")

	// ErrUnknownPlan indicates the plan is not tracked by the scheduler.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnknownShard indicates the shard is not part of the plan.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrStopped indicates the scheduler is shut down.
	ErrStopped = errors.New("scheduler stopped")

	// ErrDuplicatePlan indicates a plan ID was admitted twice.
	ErrDuplicatePlan = errors.New("duplicate plan")
)
