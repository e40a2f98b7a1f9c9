// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the typed event bus of the HyperShard engine.
//
// Every shard status transition, healing action, and autotune decision
// is published here. Notification and reporting collaborators register
// typed handlers instead of pattern-matching on loose messages.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeShardStarted is emitted when a shard begins executing.
	TypeShardStarted Type = "shard.started"

	// TypeShardDone is emitted when a shard completes successfully.
	TypeShardDone Type = "shard.done"

	// TypeShardFailed is emitted when a shard execution fails.
	TypeShardFailed Type = "shard.failed"

	// TypePlanCertified is emitted when a plan's merkle root is certified.
	TypePlanCertified Type = "plan.certified"

	// TypePlanPartiallyFailed is emitted when healing is exhausted and
	// the plan reaches its partially_failed terminal state.
	TypePlanPartiallyFailed Type = "plan.partially_failed"

	// TypePlanAborted is emitted when a caller aborts a plan.
	TypePlanAborted Type = "plan.aborted"

	// TypeHealingTriggered is emitted when a healing ticket opens.
	TypeHealingTriggered Type = "healing.triggered"

	// TypeHealingComplete is emitted when a healing ticket closes.
	TypeHealingComplete Type = "healing.complete"

	// TypeAutotuneSignal is emitted when the autotuner recommends a
	// partitioning change for a job kind.
	TypeAutotuneSignal Type = "autotune.signal"
)

// Event is a single engine event. The Data field holds the typed data
// struct matching the event type.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data is one of ShardStartedData, ShardDoneData, ShardFailedData,
	// PlanCertifiedData, PlanPartiallyFailedData, PlanAbortedData,
	// HealingTriggeredData, HealingCompleteData, or AutotuneSignalData.
	Data any `json:"data,omitempty"`
}

// ShardStartedData accompanies TypeShardStarted.
type ShardStartedData struct {
	PlanID  string   `json:"plan_id"`
	ShardID shard.ID `json:"shard_id"`
	Attempt int      `json:"attempt"`
}

// ShardDoneData accompanies TypeShardDone.
type ShardDoneData struct {
	PlanID       string   `json:"plan_id"`
	ShardID      shard.ID `json:"shard_id"`
	ResultDigest string   `json:"result_digest"`
	DurationMs   int64    `json:"duration_ms"`
}

// ShardFailedData accompanies TypeShardFailed.
type ShardFailedData struct {
	PlanID         string             `json:"plan_id"`
	ShardID        shard.ID           `json:"shard_id"`
	Classification shard.FailureClass `json:"classification"`
	Attempt        int                `json:"attempt"`
}

// PlanCertifiedData accompanies TypePlanCertified.
type PlanCertifiedData struct {
	PlanID     string `json:"plan_id"`
	RootDigest string `json:"root_digest"`
}

// PlanPartiallyFailedData accompanies TypePlanPartiallyFailed.
type PlanPartiallyFailedData struct {
	PlanID      string   `json:"plan_id"`
	OpenTickets []string `json:"open_tickets"`
}

// PlanAbortedData accompanies TypePlanAborted.
type PlanAbortedData struct {
	PlanID string `json:"plan_id"`
}

// HealingTriggeredData accompanies TypeHealingTriggered.
type HealingTriggeredData struct {
	TicketID string   `json:"ticket_id"`
	ShardID  shard.ID `json:"shard_id"`
	Strategy string   `json:"strategy"`
}

// HealingCompleteData accompanies TypeHealingComplete.
type HealingCompleteData struct {
	TicketID string   `json:"ticket_id"`
	ShardID  shard.ID `json:"shard_id"`
	Status   string   `json:"status"`
}

// AutotuneSignalData accompanies TypeAutotuneSignal.
type AutotuneSignalData struct {
	JobKind string  `json:"job_kind"`
	Action  string  `json:"action"`
	Factor  int     `json:"factor"`
	P95Ms   float64 `json:"p95_ms"`
}
