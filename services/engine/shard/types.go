// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shard defines the core data model of the HyperShard engine:
// plans, shards, content-addressed shard identity, and failure
// classification.
//
// A Plan is the unit of work a caller submits. The Partitioner derives
// Shards from it; each Shard is one independently schedulable unit whose
// ID is a deterministic digest of its job kind, normalized inputs, and
// sorted dependency set. Identical logical work always yields the
// identical ID, which is the basis for cross-run deduplication.
//
// Thread Safety:
//
//	Types in this package are plain values. Treat Shard and Plan as
//	immutable once handed to the scheduler; status mutation goes through
//	the checkpoint store.
package shard

import (
	"time"
)

// ID is a content-addressed shard identifier (hex-encoded SHA-256).
type ID string

// Short returns a truncated form of the ID for logging.
func (id ID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanPending         PlanStatus = "pending"
	PlanRunning         PlanStatus = "running"
	PlanPartiallyFailed PlanStatus = "partially_failed"
	PlanCertified       PlanStatus = "certified"
	PlanAborted         PlanStatus = "aborted"
)

// Terminal reports whether the plan can no longer make progress.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCertified, PlanAborted, PlanPartiallyFailed:
		return true
	}
	return false
}

// Status is the lifecycle state of a Shard.
//
// Transitions: pending -> running -> {done, failed}; failed -> pending
// (bounded retry) or failed -> healed (healing controller, after
// certification).
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusHealed  Status = "healed"
)

// Complete reports whether the shard's work is finished and its result
// digest is final. Healed shards count as complete: healing produces a
// new digest that has already passed certification.
func (s Status) Complete() bool {
	return s == StatusDone || s == StatusHealed
}

// FailureClass categorizes a shard failure for the healing controller.
type FailureClass string

const (
	FailTimeout        FailureClass = "timeout"
	FailConfiguration  FailureClass = "configuration_fault"
	FailDeployment     FailureClass = "deployment_fault"
	FailInfrastructure FailureClass = "infrastructure_fault"
	FailUnclassified   FailureClass = "unclassified"
)

// Failure is a typed shard-level error, small enough to persist in a
// checkpoint record.
type Failure struct {
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	return string(f.Class) + ": " + f.Message
}

// Payload is the tagged union carried by a shard. Kind selects the
// executor; Body is the executor-owned schema, opaque to the engine.
type Payload struct {
	// Kind is the job kind, matching an executor registration.
	Kind string `json:"kind"`

	// Body is the executor-specific payload. Executors own its schema.
	Body []byte `json:"body,omitempty"`

	// OperatorOverride permits re-execution of non-idempotent job kinds.
	// Without it, executors guarding irreversible effects refuse reruns.
	OperatorOverride bool `json:"operator_override,omitempty"`

	// SupersededBy lists the sub-shard IDs a hot-shard split delegated
	// this shard's work to. Empty for shards that were never split.
	SupersededBy []string `json:"superseded_by,omitempty"`
}

// Shard is one schedulable unit derived from a Plan.
type Shard struct {
	// ID is the content-addressed identifier (see Identify).
	ID ID `json:"id"`

	// PlanID is a back-reference to the owning plan.
	PlanID string `json:"plan_id"`

	// Deps lists shard IDs that must be complete before dispatch.
	Deps []ID `json:"deps,omitempty"`

	// Payload is the work description for the executor.
	Payload Payload `json:"payload"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Attempt counts executions, starting at 0 before the first run.
	Attempt int `json:"attempt"`

	// LastError holds the most recent typed failure, if any.
	LastError *Failure `json:"last_error,omitempty"`

	// ResultDigest is the hash of the execution output. The output
	// itself is never checkpointed; the digest keeps records small.
	ResultDigest string `json:"result_digest,omitempty"`
}

// Result is what an executor produces for a completed shard.
type Result struct {
	ShardID  ID            `json:"shard_id"`
	Digest   string        `json:"digest"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

// Plan is the unit of work submitted by a caller. Immutable once
// submitted, except for Status and derived counters.
type Plan struct {
	// ID is caller-supplied or generated at submission.
	ID string `json:"id"`

	// JobKind selects the partition strategy and executor family.
	JobKind string `json:"job_kind"`

	// Spec is the raw, opaque work specification.
	Spec []byte `json:"spec"`

	// SLO bounds the total plan duration.
	SLO time.Duration `json:"slo"`

	// CreatedAt is the submission time (UTC).
	CreatedAt time.Time `json:"created_at"`

	// Status is the current lifecycle state.
	Status PlanStatus `json:"status"`

	// ShardCount is set by the partitioner.
	ShardCount int `json:"shard_count"`

	// RootDigest is the certified merkle root, set when the plan
	// reaches certified.
	RootDigest string `json:"root_digest,omitempty"`
}
