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
	"time"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// TicketStatus is the lifecycle state of a healing ticket.
type TicketStatus string

const (
	// TicketOpen means remediation is in progress.
	TicketOpen TicketStatus = "open"

	// TicketHealed means a strategy succeeded and certification passed.
	TicketHealed TicketStatus = "healed"

	// TicketExhausted means every applicable strategy ran out of
	// attempts. The owning plan becomes partially failed.
	TicketExhausted TicketStatus = "exhausted"

	// TicketEscalated means healing was not attempted (aborted plan,
	// unknown shard) and the failure needs operator attention.
	TicketEscalated TicketStatus = "escalated"
)

// Attempt records one remediation try.
type Attempt struct {
	// Strategy that ran.
	Strategy string `json:"strategy"`

	// Number is the 1-based attempt index within the strategy.
	Number int `json:"number"`

	// Error is empty on success (before certification).
	Error string `json:"error,omitempty"`

	// Certified reports whether certification passed. A remediation
	// that succeeds but fails certification counts as a failed attempt.
	Certified bool `json:"certified"`

	// At is when the attempt finished (UTC).
	At time.Time `json:"at"`
}

// Ticket tracks the healing of one failed shard or corrupted result.
type Ticket struct {
	// ID is a generated ticket identifier.
	ID string `json:"id"`

	// PlanID and ShardID name the subject.
	PlanID  string   `json:"plan_id"`
	ShardID shard.ID `json:"shard_id"`

	// Class is the failure classification driving strategy selection.
	Class shard.FailureClass `json:"class"`

	// Strategy is the currently (or finally) applied strategy name.
	Strategy string `json:"strategy"`

	// Attempts is the full attempt history across strategies.
	Attempts []Attempt `json:"attempts"`

	// Evidence is the certification evidence when healed (the merkle
	// root the healed digest verified against).
	Evidence string `json:"evidence,omitempty"`

	// Status is the ticket's lifecycle state.
	Status TicketStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the ticket is still being worked.
func (t *Ticket) Open() bool {
	return t.Status == TicketOpen
}
