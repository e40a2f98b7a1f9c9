// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heal remediates failed shards and corrupted results.
//
// One control loop consumes failure notices sequentially; there are no
// recursive callbacks between healing and scheduling. For each notice
// the controller opens a ticket, selects a strategy by failure class,
// applies bounded retries with exponential backoff, and requires an
// independent certification before a ticket may close as healed.
// Exhausting every applicable strategy escalates to the exhaustion
// callback, which marks the owning plan partially failed.
package heal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var (
	ticketsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_healing_tickets_total",
		Help: "Healing tickets opened by failure class",
	}, []string{"class"})

	ticketsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_healing_outcomes_total",
		Help: "Healing ticket outcomes",
	}, []string{"status"})

	healingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_healing_attempts_total",
		Help: "Healing attempts by strategy and outcome",
	}, []string{"strategy", "outcome"})
)

// ErrUnknownShard indicates a healing notice named a shard the plan
// view does not track.
var ErrUnknownShard = errors.New("heal: unknown shard")

// Config tunes the healing controller.
type Config struct {
	// MaxAttemptsPerStrategy bounds retries within one strategy.
	// Default: 3.
	MaxAttemptsPerStrategy int

	// InitialBackoff is the wait before the second attempt. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 30s.
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier. Default: 2.0.
	BackoffFactor float64

	// JitterFactor is the jitter fraction (0-1). Default: 0.2.
	JitterFactor float64

	// ExecTimeout bounds each healing re-execution. Default: 30s.
	ExecTimeout time.Duration

	// QueueSize bounds the pending notice queue. Default: 256.
	QueueSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerStrategy: 3,
		InitialBackoff:         1 * time.Second,
		MaxBackoff:             30 * time.Second,
		BackoffFactor:          2.0,
		JitterFactor:           0.2,
		ExecTimeout:            30 * time.Second,
		QueueSize:              256,
	}
}

// PlanView is the controller's window into scheduled plans. The
// scheduler implements it.
type PlanView interface {
	Plan(planID string) (shard.Plan, bool)
	PlanShards(planID string) ([]shard.Shard, error)
	MarkHealed(ctx context.Context, planID string, id shard.ID, digest string, attempt int) error
	Invalidate(ctx context.Context, planID string, id shard.ID, failure *shard.Failure) error
}

// ExhaustedFunc is called when a ticket exhausts all strategies. The
// engine marks the owning plan partially failed.
type ExhaustedFunc func(planID string, ticket Ticket)

// notice is one unit of healing work.
type notice struct {
	planID    string
	shardID   shard.ID
	class     shard.FailureClass
	corrupted bool
}

// Controller is the healing control loop.
//
// Thread Safety: Safe for concurrent use; notices are processed
// one at a time by a single goroutine.
type Controller struct {
	cfg        Config
	view       PlanView
	exec       *executor.Guard
	effects    Remediator
	certifier  Certifier
	strategies map[string]Strategy
	events     events.Publisher
	exhausted  ExhaustedFunc
	logger     *slog.Logger

	queue    chan notice
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	tickets map[string]*Ticket
	byPlan  map[string][]string
}

// New creates a healing controller.
//
// Inputs:
//
//	cfg - Retry budget and backoff; zero values get defaults.
//	view - The scheduler's plan view. Must not be nil.
//	exec - Guarded executor registry for re-runs. Must not be nil.
//	effects - Effect marker remediator. May be nil.
//	certifier - Independent certification. Nil selects the default.
//	pub - Event publisher. Must not be nil.
//	exhausted - Exhaustion callback. May be nil.
func New(
	cfg Config,
	view PlanView,
	exec *executor.Guard,
	effects Remediator,
	certifier Certifier,
	pub events.Publisher,
	exhausted ExhaustedFunc,
	logger *slog.Logger,
) (*Controller, error) {
	if view == nil || exec == nil || pub == nil {
		return nil, fmt.Errorf("heal.New: view, exec, and pub must not be nil")
	}
	def := DefaultConfig()
	if cfg.MaxAttemptsPerStrategy <= 0 {
		cfg.MaxAttemptsPerStrategy = def.MaxAttemptsPerStrategy
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = def.JitterFactor
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if certifier == nil {
		certifier = NewCertifier(exec, effects)
	}

	return &Controller{
		cfg:        cfg,
		view:       view,
		exec:       exec,
		effects:    effects,
		certifier:  certifier,
		strategies: builtinStrategies(effects, logger),
		events:     pub,
		exhausted:  exhausted,
		logger:     logger,
		queue:      make(chan notice, cfg.QueueSize),
		done:       make(chan struct{}),
		tickets:    make(map[string]*Ticket),
		byPlan:     make(map[string][]string),
	}, nil
}

// Start launches the control loop.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case n := <-c.queue:
				c.process(ctx, n)
			}
		}
	}()
}

// Stop shuts the control loop down after the current ticket finishes.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// NotifyFailure enqueues healing for a failed shard. Non-blocking: a
// full queue drops the notice with a warning, and the failure stays
// visible in the checkpoint store for operator resubmission.
func (c *Controller) NotifyFailure(planID string, id shard.ID, class shard.FailureClass) {
	select {
	case c.queue <- notice{planID: planID, shardID: id, class: class}:
	default:
		c.logger.Warn("healing queue full, dropping notice",
			slog.String("plan_id", planID),
			slog.String("shard_id", id.Short()))
	}
}

// HealCorrupted enqueues healing for shards whose results failed
// merkle verification. The shards are invalidated (done -> failed)
// before re-remediation so the state machine stays consistent.
func (c *Controller) HealCorrupted(ctx context.Context, planID string, ids ...shard.ID) error {
	for _, id := range ids {
		failure := &shard.Failure{
			Class:   shard.FailUnclassified,
			Message: "merkle verification mismatch",
		}
		if err := c.view.Invalidate(ctx, planID, id, failure); err != nil {
			return fmt.Errorf("invalidating %s: %w", id.Short(), err)
		}
		if c.effects != nil {
			if err := c.effects.Forget(ctx, id); err != nil {
				return fmt.Errorf("clearing effect marker for %s: %w", id.Short(), err)
			}
		}
		select {
		case c.queue <- notice{planID: planID, shardID: id, class: shard.FailUnclassified, corrupted: true}:
		default:
			c.logger.Warn("healing queue full, dropping corruption notice",
				slog.String("plan_id", planID),
				slog.String("shard_id", id.Short()))
		}
	}
	return nil
}

// Tickets returns the tickets for a plan, newest last.
func (c *Controller) Tickets(planID string) []Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.byPlan[planID]
	out := make([]Ticket, 0, len(ids))
	for _, id := range ids {
		out = append(out, *c.tickets[id])
	}
	return out
}

// OpenTicketIDs returns IDs of tickets not yet closed for a plan.
func (c *Controller) OpenTicketIDs(planID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.byPlan[planID] {
		if t := c.tickets[id]; t != nil && (t.Open() || t.Status == TicketExhausted || t.Status == TicketEscalated) {
			out = append(out, id)
		}
	}
	return out
}

// process works one notice to a terminal ticket state.
func (c *Controller) process(ctx context.Context, n notice) {
	plan, ok := c.view.Plan(n.planID)
	if !ok {
		c.logger.Warn("healing notice for unknown plan", slog.String("plan_id", n.planID))
		return
	}

	shards, err := c.view.PlanShards(n.planID)
	if err != nil {
		c.logger.Error("listing plan shards for healing",
			slog.String("plan_id", n.planID),
			slog.String("error", err.Error()))
		return
	}
	var subject *shard.Shard
	for i := range shards {
		if shards[i].ID == n.shardID {
			subject = &shards[i]
			break
		}
	}

	ticket := c.openTicket(n)
	if subject == nil || subject.Status != shard.StatusFailed {
		// Already healed by a prior ticket, superseded, or unknown.
		c.closeTicket(ticket, TicketEscalated, "")
		return
	}

	chain := []string{strategyFor(n.class)}
	if chain[0] != StrategyReinitialize {
		chain = append(chain, StrategyReinitialize)
	}

	attempt := subject.Attempt
	for _, name := range chain {
		strategy := c.strategies[name]
		ticket.Strategy = name
		c.events.Publish(events.TypeHealingTriggered, events.HealingTriggeredData{
			TicketID: ticket.ID,
			ShardID:  ticket.ShardID,
			Strategy: name,
		})

		backoff := c.cfg.InitialBackoff
		for i := 1; i <= c.cfg.MaxAttemptsPerStrategy; i++ {
			if i > 1 {
				if !c.wait(ctx, jittered(backoff, c.cfg.JitterFactor)) {
					c.closeTicket(ticket, TicketEscalated, "")
					return
				}
				backoff = nextBackoff(backoff, c.cfg.BackoffFactor, c.cfg.MaxBackoff)
			}

			attempt++
			healed, evidence := c.attempt(ctx, plan, shards, strategy, ticket, *subject, attempt, i)
			if healed {
				c.closeTicket(ticket, TicketHealed, evidence)
				return
			}
		}
	}

	c.closeTicket(ticket, TicketExhausted, "")
	if c.exhausted != nil {
		c.exhausted(n.planID, *ticket)
	}
}

// attempt runs one remediate-rerun-certify cycle.
func (c *Controller) attempt(
	ctx context.Context,
	plan shard.Plan,
	shards []shard.Shard,
	strategy Strategy,
	ticket *Ticket,
	subject shard.Shard,
	attempt int,
	number int,
) (bool, string) {
	record := Attempt{Strategy: strategy.Name(), Number: number, At: time.Now().UTC()}

	if err := strategy.Remediate(ctx, ticket, subject); err != nil {
		record.Error = fmt.Sprintf("remediation: %v", err)
		c.recordAttempt(ticket, record)
		healingAttempts.WithLabelValues(strategy.Name(), "remediation_error").Inc()
		return false, ""
	}

	rerun := subject
	rerun.Attempt = attempt

	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	result, err := c.exec.Execute(execCtx, rerun)
	cancel()
	if err != nil {
		record.Error = err.Error()
		c.recordAttempt(ticket, record)
		healingAttempts.WithLabelValues(strategy.Name(), "rerun_failed").Inc()
		return false, ""
	}

	rerun.ResultDigest = result.Digest
	certified, evidence, err := c.certifier.Certify(ctx, plan, shards, rerun)
	if err != nil {
		record.Error = fmt.Sprintf("certification: %v", err)
		c.recordAttempt(ticket, record)
		healingAttempts.WithLabelValues(strategy.Name(), "certify_error").Inc()
		return false, ""
	}
	if !certified {
		record.Error = "certification rejected result"
		c.recordAttempt(ticket, record)
		healingAttempts.WithLabelValues(strategy.Name(), "certify_rejected").Inc()
		// The effect marker from the uncertified run must not satisfy
		// the next attempt.
		if c.effects != nil {
			if err := c.effects.Forget(ctx, subject.ID); err != nil {
				c.logger.Warn("clearing uncertified effect marker failed",
					slog.String("shard_id", subject.ID.Short()),
					slog.String("error", err.Error()))
			}
		}
		return false, ""
	}

	if err := c.view.MarkHealed(ctx, plan.ID, subject.ID, result.Digest, attempt); err != nil {
		record.Error = fmt.Sprintf("marking healed: %v", err)
		c.recordAttempt(ticket, record)
		healingAttempts.WithLabelValues(strategy.Name(), "persist_failed").Inc()
		return false, ""
	}

	record.Certified = true
	c.recordAttempt(ticket, record)
	healingAttempts.WithLabelValues(strategy.Name(), "healed").Inc()
	return true, evidence
}

func (c *Controller) openTicket(n notice) *Ticket {
	t := &Ticket{
		ID:        uuid.NewString(),
		PlanID:    n.planID,
		ShardID:   n.shardID,
		Class:     n.class,
		Status:    TicketOpen,
		CreatedAt: time.Now().UTC(),
	}
	c.mu.Lock()
	c.tickets[t.ID] = t
	c.byPlan[n.planID] = append(c.byPlan[n.planID], t.ID)
	c.mu.Unlock()

	ticketsOpened.WithLabelValues(string(n.class)).Inc()
	c.logger.Info("healing ticket opened",
		slog.String("ticket_id", t.ID),
		slog.String("plan_id", n.planID),
		slog.String("shard_id", n.shardID.Short()),
		slog.String("class", string(n.class)))
	return t
}

func (c *Controller) recordAttempt(t *Ticket, a Attempt) {
	c.mu.Lock()
	t.Attempts = append(t.Attempts, a)
	c.mu.Unlock()
}

func (c *Controller) closeTicket(t *Ticket, status TicketStatus, evidence string) {
	c.mu.Lock()
	t.Status = status
	t.Evidence = evidence
	t.ClosedAt = time.Now().UTC()
	c.mu.Unlock()

	ticketsClosed.WithLabelValues(string(status)).Inc()
	c.events.Publish(events.TypeHealingComplete, events.HealingCompleteData{
		TicketID: t.ID,
		ShardID:  t.ShardID,
		Status:   string(status),
	})
	c.logger.Info("healing ticket closed",
		slog.String("ticket_id", t.ID),
		slog.String("shard_id", t.ShardID.Short()),
		slog.String("status", string(status)),
		slog.Int("attempts", len(t.Attempts)))
}

// wait sleeps for d unless the controller or context shuts down.
func (c *Controller) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

// jittered spreads a backoff over [base*(1-j), base*(1+j)] to avoid
// synchronized retries.
func jittered(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

// nextBackoff doubles (by factor) up to the cap.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
