// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drains pending shards into executors under a
// bounded worker pool.
//
// The scheduler owns the single checkpoint write path for shard
// execution: workers never persist for themselves. Dispatch is gated
// on dependency completion, rotates fairly across plans, enforces a
// per-shard hard timeout, and refuses admission beyond the configured
// pool-plus-queue depth rather than queueing without bound.
//
// Thread Safety:
//
//	Scheduler is safe for concurrent use. All plan state mutations
//	happen under a single mutex; blocking work runs in workers gated
//	by a weighted semaphore.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/hypershard/services/engine/checkpoint"
	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var (
	tracer = otel.Tracer("engine.scheduler")
	meter  = otel.Meter("engine.scheduler")
)

// DefaultShardTimeout bounds a single shard execution when the config
// does not specify one.
const DefaultShardTimeout = 30 * time.Second

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency is the worker pool size. Must be >= 1.
	MaxConcurrency int

	// QueueDepth is the admission bound beyond the pool: total
	// pending+running shards may not exceed MaxConcurrency+QueueDepth.
	QueueDepth int

	// ShardTimeout is the per-shard hard timeout.
	ShardTimeout time.Duration

	// HotCheckInterval is how often running shards are checked against
	// the hot-shard threshold. Zero disables the check.
	HotCheckInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   4,
		QueueDepth:       64,
		ShardTimeout:     DefaultShardTimeout,
		HotCheckInterval: 250 * time.Millisecond,
	}
}

// ThresholdSource supplies the hot-shard latency threshold per job
// kind. The autotuner implements this; a nil source disables splits.
type ThresholdSource interface {
	HotThreshold(jobKind string) (time.Duration, bool)
}

// SplitFunc re-partitions a hot shard into smaller units. Returning a
// single shard (or an error) leaves the original running.
type SplitFunc func(plan shard.Plan, hot shard.Shard) ([]shard.Shard, error)

// running tracks one in-flight shard execution.
type running struct {
	cancel     context.CancelFunc
	start      time.Time
	superseded bool
	splitTried bool
}

// planState is the scheduler's in-memory view of one plan.
type planState struct {
	plan    shard.Plan
	shards  map[shard.ID]*shard.Shard
	order   []shard.ID // admission order, for deterministic scans
	running map[shard.ID]*running
	aborted bool
}

// complete reports whether the shard with the given ID reached
// done or healed.
func (ps *planState) complete(id shard.ID) bool {
	sh, ok := ps.shards[id]
	return ok && sh.Status.Complete()
}

// nextReady returns one dispatchable shard, or nil.
func (ps *planState) nextReady() *shard.Shard {
	if ps.aborted {
		return nil
	}
	for _, id := range ps.order {
		sh := ps.shards[id]
		if sh.Status != shard.StatusPending {
			continue
		}
		ready := true
		for _, dep := range sh.Deps {
			if !ps.complete(dep) {
				ready = false
				break
			}
		}
		if ready {
			return sh
		}
	}
	return nil
}

// settled reports whether the plan has nothing running and nothing
// dispatchable right now.
func (ps *planState) settled() bool {
	return len(ps.running) == 0 && ps.nextReady() == nil
}

// Scheduler assigns pending shards to a bounded worker pool.
type Scheduler struct {
	cfg        Config
	store      *checkpoint.Store
	exec       *executor.Guard
	events     events.Publisher
	thresholds ThresholdSource
	split      SplitFunc
	logger     *slog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	plans   map[string]*planState
	order   []string
	next    int
	backlog int // pending + running shards, for admission control

	settledCh chan string
	wake      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	shardLatency  metric.Float64Histogram
	shardDone     metric.Int64Counter
	shardFailed   metric.Int64Counter
	activeWorkers metric.Int64UpDownCounter
	queueDepth    metric.Int64UpDownCounter
}

// New creates a scheduler.
//
// Inputs:
//
//	cfg - Pool and timeout configuration; zero values get defaults.
//	store - Checkpoint store. Must not be nil.
//	exec - Guarded executor registry. Must not be nil.
//	pub - Event publisher. Must not be nil.
//	thresholds - Hot-shard threshold source. May be nil.
//	split - Hot-shard split hook. May be nil.
func New(
	cfg Config,
	store *checkpoint.Store,
	exec *executor.Guard,
	pub events.Publisher,
	thresholds ThresholdSource,
	split SplitFunc,
	logger *slog.Logger,
) (*Scheduler, error) {
	if store == nil || exec == nil || pub == nil {
		return nil, fmt.Errorf("scheduler.New: store, exec, and pub must not be nil")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	if cfg.ShardTimeout <= 0 {
		cfg.ShardTimeout = DefaultShardTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:        cfg,
		store:      store,
		exec:       exec,
		events:     pub,
		thresholds: thresholds,
		split:      split,
		logger:     logger,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		plans:      make(map[string]*planState),
		settledCh:  make(chan string, 64),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// initMetrics lazily initializes metrics. Metric failures degrade
// observability, never execution.
func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		s.shardLatency, err = meter.Float64Histogram("scheduler_shard_duration_seconds",
			metric.WithDescription("Time spent executing each shard"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "shard_latency: "+err.Error())
		}

		s.shardDone, err = meter.Int64Counter("scheduler_shard_done_total",
			metric.WithDescription("Number of shards completed successfully"),
		)
		if err != nil {
			initErrors = append(initErrors, "shard_done: "+err.Error())
		}

		s.shardFailed, err = meter.Int64Counter("scheduler_shard_failed_total",
			metric.WithDescription("Number of shard executions that failed"),
		)
		if err != nil {
			initErrors = append(initErrors, "shard_failed: "+err.Error())
		}

		s.activeWorkers, err = meter.Int64UpDownCounter("scheduler_active_workers",
			metric.WithDescription("Number of currently executing shards"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_workers: "+err.Error())
		}

		s.queueDepth, err = meter.Int64UpDownCounter("scheduler_queue_depth",
			metric.WithDescription("Pending plus running shards awaiting completion"),
		)
		if err != nil {
			initErrors = append(initErrors, "queue_depth: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some scheduler metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Start launches the dispatch loop. Must be called once.
func (s *Scheduler) Start(ctx context.Context) {
	s.initMetrics()
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	if s.cfg.HotCheckInterval > 0 && s.thresholds != nil && s.split != nil {
		s.wg.Add(1)
		go s.hotLoop()
	}
}

// Stop shuts the scheduler down, waiting for in-flight workers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

// Settled emits plan IDs whenever a plan has no running and no
// dispatchable shards left. Consumers decide whether the plan is
// complete, blocked on healing, or aborted.
func (s *Scheduler) Settled() <-chan string {
	return s.settledCh
}

// AdmitPlan accepts a partitioned plan for execution.
//
// Description:
//
//	Applies backpressure first: if the new shards would push the total
//	pending+running count beyond MaxConcurrency+QueueDepth, the whole
//	submission is refused with ErrScheduleRejected and nothing is
//	persisted. Otherwise every shard is checkpointed pending and the
//	dispatch loop is woken.
func (s *Scheduler) AdmitPlan(ctx context.Context, plan shard.Plan, shards []shard.Shard) error {
	ctx, span := tracer.Start(ctx, "scheduler.AdmitPlan",
		trace.WithAttributes(
			attribute.String("plan_id", plan.ID),
			attribute.Int("shard_count", len(shards)),
		),
	)
	defer span.End()

	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	if _, exists := s.plans[plan.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlan, plan.ID)
	}
	if s.backlog+len(shards) > s.cfg.MaxConcurrency+s.cfg.QueueDepth {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "backpressure")
		return fmt.Errorf("%w: backlog %d + %d shards exceeds %d",
			ErrScheduleRejected, s.backlog, len(shards), s.cfg.MaxConcurrency+s.cfg.QueueDepth)
	}

	ps := &planState{
		plan:    plan,
		shards:  make(map[shard.ID]*shard.Shard, len(shards)),
		order:   make([]shard.ID, 0, len(shards)),
		running: make(map[shard.ID]*running),
	}
	for i := range shards {
		sh := shards[i]
		ps.shards[sh.ID] = &sh
		ps.order = append(ps.order, sh.ID)
	}
	s.plans[plan.ID] = ps
	s.order = append(s.order, plan.ID)
	s.backlog += len(shards)
	if s.queueDepth != nil {
		s.queueDepth.Add(ctx, int64(len(shards)))
	}
	s.mu.Unlock()

	// Persist outside the scheduler lock; the store serializes itself.
	for i := range shards {
		if err := s.store.PutShard(ctx, shards[i]); err != nil &&
			!errors.Is(err, checkpoint.ErrStaleTransition) {
			return fmt.Errorf("checkpointing shard %s: %w", shards[i].ID.Short(), err)
		}
	}

	s.logger.Info("plan admitted",
		slog.String("plan_id", plan.ID),
		slog.String("job_kind", plan.JobKind),
		slog.Int("shards", len(shards)))

	s.kick()
	return nil
}

// Resume re-registers a rehydrated plan whose shards already have
// checkpoint records. Incomplete shards are dispatched; completed ones
// only gate dependencies. Resume bypasses admission backpressure:
// recovering prior work must not be refused.
func (s *Scheduler) Resume(ctx context.Context, plan shard.Plan, shards []shard.Shard) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	s.mu.Lock()
	if _, exists := s.plans[plan.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlan, plan.ID)
	}
	ps := &planState{
		plan:    plan,
		shards:  make(map[shard.ID]*shard.Shard, len(shards)),
		order:   make([]shard.ID, 0, len(shards)),
		running: make(map[shard.ID]*running),
	}
	incomplete := 0
	for i := range shards {
		sh := shards[i]
		ps.shards[sh.ID] = &sh
		ps.order = append(ps.order, sh.ID)
		if !sh.Status.Complete() {
			incomplete++
		}
	}
	s.plans[plan.ID] = ps
	s.order = append(s.order, plan.ID)
	s.backlog += incomplete
	if s.queueDepth != nil {
		s.queueDepth.Add(ctx, int64(incomplete))
	}
	settled := ps.settled()
	s.mu.Unlock()

	s.logger.Info("plan resumed",
		slog.String("plan_id", plan.ID),
		slog.Int("shards", len(shards)),
		slog.Int("incomplete", incomplete))

	if settled {
		// Nothing dispatchable: the crash happened after the last shard
		// finished but before the plan was finalized.
		s.notifySettled(plan.ID)
	}
	s.kick()
	return nil
}

// AbortPlan stops dispatching new shards for a plan immediately.
// In-flight executions finish to preserve executor idempotency
// invariants; the settled signal fires once they drain.
func (s *Scheduler) AbortPlan(planID string) error {
	s.mu.Lock()
	ps, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	ps.aborted = true
	drained := len(ps.running) == 0
	s.mu.Unlock()

	s.logger.Info("plan aborted", slog.String("plan_id", planID))
	if drained {
		s.notifySettled(planID)
	}
	return nil
}

// Requeue transitions failed shards back to pending with a bumped
// attempt count. The healing controller drives this.
func (s *Scheduler) Requeue(ctx context.Context, planID string, ids ...shard.ID) error {
	s.mu.Lock()
	ps, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	updated := make([]shard.Shard, 0, len(ids))
	for _, id := range ids {
		sh, ok := ps.shards[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownShard, id.Short())
		}
		if sh.Status != shard.StatusFailed {
			continue
		}
		sh.Status = shard.StatusPending
		sh.Attempt++
		updated = append(updated, *sh)
		s.backlog++
	}
	s.mu.Unlock()

	for i := range updated {
		if err := s.store.PutShard(ctx, updated[i]); err != nil {
			return fmt.Errorf("checkpointing requeue of %s: %w", updated[i].ID.Short(), err)
		}
	}
	if s.queueDepth != nil {
		s.queueDepth.Add(ctx, int64(len(updated)))
	}

	s.kick()
	return nil
}

// MarkHealed records a certified healing outcome for a failed shard.
// The attempt the certified digest was produced on is recorded too,
// because the attempt counter is part of the shard's aggregation leaf.
func (s *Scheduler) MarkHealed(ctx context.Context, planID string, id shard.ID, digest string, attempt int) error {
	s.mu.Lock()
	ps, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	sh, ok := ps.shards[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownShard, id.Short())
	}
	sh.Status = shard.StatusHealed
	sh.ResultDigest = digest
	sh.Attempt = attempt
	sh.LastError = nil
	snapshot := *sh
	settled := ps.settled()
	s.mu.Unlock()

	if err := s.store.PutShard(ctx, snapshot); err != nil {
		return fmt.Errorf("checkpointing healed shard: %w", err)
	}
	if settled {
		s.notifySettled(planID)
	}
	s.kick()
	return nil
}

// Invalidate forcibly fails a completed shard whose checkpointed result
// no longer verifies. This is the healing controller's corruption path
// and the only way a done shard re-enters the state machine.
func (s *Scheduler) Invalidate(ctx context.Context, planID string, id shard.ID, failure *shard.Failure) error {
	s.mu.Lock()
	ps, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	sh, ok := ps.shards[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownShard, id.Short())
	}
	sh.Status = shard.StatusFailed
	sh.ResultDigest = ""
	sh.LastError = failure
	snapshot := *sh
	s.mu.Unlock()

	if err := s.store.Invalidate(ctx, snapshot); err != nil {
		return fmt.Errorf("checkpointing invalidation of %s: %w", id.Short(), err)
	}
	return nil
}

// PlanShards returns the scheduler's current view of a plan's shards,
// in admission order.
func (s *Scheduler) PlanShards(planID string) ([]shard.Shard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	out := make([]shard.Shard, 0, len(ps.order))
	for _, id := range ps.order {
		out = append(out, *ps.shards[id])
	}
	return out, nil
}

// SetPlanMeta updates the tracked plan's status and root digest. The
// engine calls this when a plan that stays registered (for dependency
// gating and corruption healing) reaches certification.
func (s *Scheduler) SetPlanMeta(planID string, status shard.PlanStatus, rootDigest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plans[planID]
	if !ok {
		return
	}
	ps.plan.Status = status
	if rootDigest != "" {
		ps.plan.RootDigest = rootDigest
	}
}

// Plan returns the plan metadata tracked by the scheduler.
func (s *Scheduler) Plan(planID string) (shard.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.plans[planID]
	if !ok {
		return shard.Plan{}, false
	}
	return ps.plan, ok
}

// Release drops a terminal plan from the scheduler's memory. The
// checkpoint store keeps the durable record.
func (s *Scheduler) Release(planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[planID]; !ok {
		return
	}
	delete(s.plans, planID)
	for i, id := range s.order {
		if id == planID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.next >= len(s.order) {
		s.next = 0
	}
}

// kick wakes the dispatch loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notifySettled(planID string) {
	select {
	case s.settledCh <- planID:
	default:
		// A slow consumer drops the hint; it can poll PlanShards.
		s.logger.Warn("settled channel full", slog.String("plan_id", planID))
	}
}

// loop is the dispatch loop: on every wake-up it hands ready shards to
// workers until the semaphore or the ready set is exhausted.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

// dispatch rotates across plans, taking one ready shard per plan per
// round so no plan starves another.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		progressed := false
		n := len(s.order)
		for i := 0; i < n; i++ {
			planID := s.order[(s.next+i)%n]
			ps := s.plans[planID]
			if ps == nil {
				continue
			}
			sh := ps.nextReady()
			if sh == nil {
				continue
			}
			if !s.sem.TryAcquire(1) {
				s.next = (s.next + i) % n
				return
			}

			sh.Status = shard.StatusRunning
			wctx, cancel := context.WithTimeout(s.ctx, s.cfg.ShardTimeout)
			ps.running[sh.ID] = &running{cancel: cancel, start: time.Now()}
			s.backlog--

			s.wg.Add(1)
			go s.runShard(wctx, ps.plan, *sh)
			progressed = true
		}
		if !progressed {
			return
		}
		if n > 0 {
			s.next = (s.next + 1) % n
		}
	}
}

// runShard executes one shard with observability and persists its
// terminal transition. This is the only place shard execution state is
// written.
func (s *Scheduler) runShard(ctx context.Context, plan shard.Plan, sh shard.Shard) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	ctx, span := tracer.Start(ctx, "scheduler.runShard",
		trace.WithAttributes(
			attribute.String("plan_id", plan.ID),
			attribute.String("shard_id", sh.ID.Short()),
			attribute.String("job_kind", sh.Payload.Kind),
			attribute.Int("attempt", sh.Attempt),
		),
	)
	defer span.End()

	if s.activeWorkers != nil {
		s.activeWorkers.Add(ctx, 1)
		defer s.activeWorkers.Add(ctx, -1)
	}
	if s.queueDepth != nil {
		defer s.queueDepth.Add(ctx, -1)
	}

	if err := s.store.PutShard(ctx, sh); err != nil && !errors.Is(err, checkpoint.ErrStaleTransition) {
		s.logger.Error("checkpointing running shard failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}
	s.events.Publish(events.TypeShardStarted, events.ShardStartedData{
		PlanID:  plan.ID,
		ShardID: sh.ID,
	})

	start := time.Now()
	result, err := s.exec.Execute(ctx, sh)
	duration := time.Since(start)

	if s.shardLatency != nil {
		s.shardLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("job_kind", sh.Payload.Kind)),
		)
	}

	s.mu.Lock()
	ps := s.plans[plan.ID]
	var superseded bool
	if ps != nil {
		if rs := ps.running[sh.ID]; rs != nil {
			superseded = rs.superseded
			rs.cancel()
		}
		delete(ps.running, sh.ID)
	}
	s.mu.Unlock()

	switch {
	case superseded:
		s.finishSuperseded(plan, sh)
	case err != nil:
		failure := classify(ctx, err)
		s.finishFailed(ctx, plan, sh, failure, span)
	default:
		s.finishDone(ctx, plan, sh, result, duration, span)
	}

	s.mu.Lock()
	settled := ps != nil && ps.settled()
	s.mu.Unlock()
	if settled {
		s.notifySettled(plan.ID)
	}
	s.kick()
}

func (s *Scheduler) finishDone(
	ctx context.Context,
	plan shard.Plan,
	sh shard.Shard,
	result shard.Result,
	duration time.Duration,
	span trace.Span,
) {
	sh.Status = shard.StatusDone
	sh.ResultDigest = result.Digest
	sh.LastError = nil

	s.mu.Lock()
	if ps := s.plans[plan.ID]; ps != nil {
		if cur, ok := ps.shards[sh.ID]; ok {
			*cur = sh
		}
	}
	s.mu.Unlock()

	if err := s.store.PutShard(context.WithoutCancel(ctx), sh); err != nil &&
		!errors.Is(err, checkpoint.ErrStaleTransition) {
		s.logger.Error("checkpointing done shard failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}

	if s.shardDone != nil {
		s.shardDone.Add(ctx, 1,
			metric.WithAttributes(attribute.String("job_kind", sh.Payload.Kind)))
	}
	span.SetStatus(codes.Ok, "")

	s.events.Publish(events.TypeShardDone, events.ShardDoneData{
		PlanID:       plan.ID,
		ShardID:      sh.ID,
		ResultDigest: result.Digest,
		DurationMs:   duration.Milliseconds(),
	})
	s.logger.Info("shard done",
		slog.String("plan_id", plan.ID),
		slog.String("shard_id", sh.ID.Short()),
		slog.Duration("duration", duration))
}

func (s *Scheduler) finishFailed(
	ctx context.Context,
	plan shard.Plan,
	sh shard.Shard,
	failure *shard.Failure,
	span trace.Span,
) {
	sh.Status = shard.StatusFailed
	sh.LastError = failure

	s.mu.Lock()
	if ps := s.plans[plan.ID]; ps != nil {
		if cur, ok := ps.shards[sh.ID]; ok {
			*cur = sh
		}
	}
	s.mu.Unlock()

	if err := s.store.PutShard(context.WithoutCancel(ctx), sh); err != nil &&
		!errors.Is(err, checkpoint.ErrStaleTransition) {
		s.logger.Error("checkpointing failed shard failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}

	if s.shardFailed != nil {
		s.shardFailed.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("job_kind", sh.Payload.Kind),
				attribute.String("class", string(failure.Class)),
			))
	}
	span.RecordError(failure)
	span.SetStatus(codes.Error, failure.Message)

	s.events.Publish(events.TypeShardFailed, events.ShardFailedData{
		PlanID:         plan.ID,
		ShardID:        sh.ID,
		Classification: failure.Class,
		Attempt:        sh.Attempt,
	})
	s.logger.Warn("shard failed",
		slog.String("plan_id", plan.ID),
		slog.String("shard_id", sh.ID.Short()),
		slog.String("class", string(failure.Class)),
		slog.Int("attempt", sh.Attempt),
		slog.String("error", failure.Message))
}

// finishSuperseded closes out a shard whose work was re-partitioned
// into sub-shards. Its leaf digest delegates to the sub-shard IDs so
// aggregation stays deterministic; no failure event is published
// because the work itself continues in the sub-shards.
func (s *Scheduler) finishSuperseded(plan shard.Plan, sh shard.Shard) {
	s.mu.Lock()
	var subIDs []string
	if ps := s.plans[plan.ID]; ps != nil {
		if cur, ok := ps.shards[sh.ID]; ok {
			subIDs = supersessionIDs(*cur)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	sh.Status = shard.StatusFailed
	sh.LastError = &shard.Failure{
		Class:   shard.FailUnclassified,
		Message: "superseded by hot-shard split",
	}
	if err := s.store.PutShard(ctx, sh); err != nil && !errors.Is(err, checkpoint.ErrStaleTransition) {
		s.logger.Error("checkpointing superseded shard failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}

	sh.Status = shard.StatusHealed
	sh.LastError = nil
	sh.ResultDigest = shard.Digest([]byte("split:" + strings.Join(subIDs, ",")))

	s.mu.Lock()
	if ps := s.plans[plan.ID]; ps != nil {
		if cur, ok := ps.shards[sh.ID]; ok {
			*cur = sh
		}
	}
	s.mu.Unlock()

	if err := s.store.PutShard(ctx, sh); err != nil && !errors.Is(err, checkpoint.ErrStaleTransition) {
		s.logger.Error("checkpointing split delegation failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}

	s.logger.Info("shard superseded by split",
		slog.String("plan_id", plan.ID),
		slog.String("shard_id", sh.ID.Short()),
		slog.Int("sub_shards", len(subIDs)))
}

// hotLoop watches running shards and requests a split when one exceeds
// its job kind's latency threshold. Advisory: a shard that cannot be
// split keeps running until its hard timeout.
func (s *Scheduler) hotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkHotShards()
		}
	}
}

func (s *Scheduler) checkHotShards() {
	type candidate struct {
		plan shard.Plan
		sh   shard.Shard
	}
	var candidates []candidate

	s.mu.Lock()
	for _, ps := range s.plans {
		threshold, ok := s.thresholds.HotThreshold(ps.plan.JobKind)
		if !ok {
			continue
		}
		for id, rs := range ps.running {
			if rs.splitTried || time.Since(rs.start) < threshold {
				continue
			}
			rs.splitTried = true
			candidates = append(candidates, candidate{plan: ps.plan, sh: *ps.shards[id]})
		}
	}
	s.mu.Unlock()

	for _, c := range candidates {
		s.trySplit(c.plan, c.sh)
	}
}

// trySplit re-partitions one hot shard. Shards that other shards
// depend on are never split: dependents name the original ID and
// shard IDs are content-addressed, so rewiring would change identity.
func (s *Scheduler) trySplit(plan shard.Plan, hot shard.Shard) {
	s.mu.Lock()
	ps := s.plans[plan.ID]
	if ps == nil {
		s.mu.Unlock()
		return
	}
	for _, other := range ps.shards {
		for _, dep := range other.Deps {
			if dep == hot.ID {
				s.mu.Unlock()
				return
			}
		}
	}
	s.mu.Unlock()

	subs, err := s.split(plan, hot)
	if err != nil {
		s.logger.Warn("hot-shard split failed",
			slog.String("shard_id", hot.ID.Short()),
			slog.String("error", err.Error()))
		return
	}
	if len(subs) <= 1 {
		return
	}

	s.mu.Lock()
	ps = s.plans[plan.ID]
	if ps == nil {
		s.mu.Unlock()
		return
	}
	rs := ps.running[hot.ID]
	if rs == nil {
		// Finished while we were splitting; keep the original result.
		s.mu.Unlock()
		return
	}
	rs.superseded = true
	// Record the sub-shard IDs on the original for the delegation
	// digest, then admit the subs.
	if cur, ok := ps.shards[hot.ID]; ok {
		cur.Payload.SupersededBy = idStrings(subs)
	}
	for i := range subs {
		sub := subs[i]
		sub.Deps = append([]shard.ID(nil), hot.Deps...)
		if _, exists := ps.shards[sub.ID]; exists {
			continue
		}
		ps.shards[sub.ID] = &sub
		ps.order = append(ps.order, sub.ID)
		s.backlog++
	}
	snapshot := make([]shard.Shard, 0, len(subs))
	for _, sub := range subs {
		if sh, ok := ps.shards[sub.ID]; ok {
			snapshot = append(snapshot, *sh)
		}
	}
	s.mu.Unlock()

	rs.cancel()

	ctx := context.Background()
	for i := range snapshot {
		if err := s.store.PutShard(ctx, snapshot[i]); err != nil &&
			!errors.Is(err, checkpoint.ErrStaleTransition) {
			s.logger.Error("checkpointing sub-shard failed",
				slog.String("shard_id", snapshot[i].ID.Short()),
				slog.String("error", err.Error()))
		}
	}
	s.kick()
}

// supersessionIDs returns the recorded sub-shard IDs, sorted.
func supersessionIDs(sh shard.Shard) []string {
	out := append([]string(nil), sh.Payload.SupersededBy...)
	sort.Strings(out)
	return out
}

func idStrings(shards []shard.Shard) []string {
	out := make([]string, len(shards))
	for i, sh := range shards {
		out[i] = string(sh.ID)
	}
	return out
}

// classify maps an execution error to a typed failure.
func classify(ctx context.Context, err error) *shard.Failure {
	var failure *shard.Failure
	switch {
	case errors.As(err, &failure):
		return failure
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &shard.Failure{Class: shard.FailTimeout, Message: err.Error()}
	case errors.Is(err, executor.ErrOverrideRequired):
		return &shard.Failure{Class: shard.FailConfiguration, Message: err.Error()}
	default:
		return &shard.Failure{Class: shard.FailUnclassified, Message: err.Error()}
	}
}
