// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine assembles the HyperShard execution engine: partitioner,
// scheduler, checkpoint store, merkle aggregation, healing, and
// autotuning behind one facade.
//
// Lifecycle: New wires the components, Start rehydrates incomplete
// plans from the checkpoint store before any new submission is
// accepted, Submit partitions and admits work, and a single settlement
// goroutine drives plans to their terminal states (certified, aborted,
// or partially failed).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hypershard/services/engine/autotune"
	"github.com/AleutianAI/hypershard/services/engine/checkpoint"
	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/heal"
	"github.com/AleutianAI/hypershard/services/engine/merkle"
	"github.com/AleutianAI/hypershard/services/engine/partition"
	"github.com/AleutianAI/hypershard/services/engine/scheduler"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var engineTracer = otel.Tracer("engine")

// Engine-level sentinel errors.
var (
	// ErrNotStarted indicates a call before Start completed rehydration.
	ErrNotStarted = errors.New("engine: not started")

	// ErrUnknownPlan indicates the plan is tracked neither in memory
	// nor in the checkpoint store.
	ErrUnknownPlan = errors.New("engine: unknown plan")

	// ErrInvalidSubmission indicates a submission missing its job kind
	// or work specification.
	ErrInvalidSubmission = errors.New("engine: invalid submission")
)

// Config tunes the engine and its components.
type Config struct {
	// Scheduler holds worker pool, timeout, and hot-shard settings.
	Scheduler scheduler.Config

	// Heal holds the healing retry budget and backoff schedule.
	Heal heal.Config

	// Autotune holds latency objectives per job kind.
	Autotune autotune.Config

	// SpotCheckProofs is the sample size for certification spot checks.
	// Default: 8.
	SpotCheckProofs int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:       scheduler.DefaultConfig(),
		Heal:            heal.DefaultConfig(),
		Autotune:        autotune.DefaultConfig(),
		SpotCheckProofs: 8,
	}
}

// SubmitRequest is an inbound plan submission.
type SubmitRequest struct {
	// PlanID is optional; one is generated when empty.
	PlanID string

	// JobKind selects the partition strategy and executor family.
	JobKind string

	// Spec is the raw work specification (the partitioner's WorkSpec
	// schema).
	Spec []byte

	// SLO bounds the total plan duration. Informational for reporting.
	SLO time.Duration
}

// Status is the caller-facing plan status projection.
type Status struct {
	PlanID       string           `json:"plan_id"`
	Status       shard.PlanStatus `json:"status"`
	ShardsTotal  int              `json:"shards_total"`
	ShardsDone   int              `json:"shards_done"`
	ShardsFailed int              `json:"shards_failed"`
	ShardsHealed int              `json:"shards_healed"`
	RootDigest   string           `json:"root_digest,omitempty"`
	OpenTickets  []string         `json:"open_tickets,omitempty"`
}

// Report is the full plan report: status plus aggregation evidence.
type Report struct {
	Status   Status         `json:"status"`
	Verified bool           `json:"verified"`
	Proofs   []merkle.Proof `json:"proofs,omitempty"`

	// Corrupted lists shard IDs whose checkpointed digests no longer
	// match the certified tree. Healing for them has been enqueued.
	Corrupted []shard.ID `json:"corrupted,omitempty"`
}

// Engine is the assembled execution engine.
//
// Thread Safety: safe for concurrent use.
type Engine struct {
	cfg         Config
	store       *checkpoint.Store
	guard       *executor.Guard
	registry    *partition.Registry
	partitioner *partition.Partitioner
	sched       *scheduler.Scheduler
	healer      *heal.Controller
	tuner       *autotune.Tuner
	emitter     *events.Emitter
	logger      *slog.Logger

	mu        sync.Mutex
	started   bool
	aborted   map[string]bool
	certified map[string]*merkle.Tree
	rng       *rand.Rand

	failSubID string
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New wires an engine from its injected collaborators.
//
// Inputs:
//
//	cfg - Component configuration; zero values get defaults.
//	store - Checkpoint store. Must not be nil and must be durable in
//	production (in-memory backing breaks rehydration).
//	guard - Guarded executor registry. Must not be nil.
//	registry - Partition strategy registry. Must not be nil.
//	emitter - Event bus shared with outbound collaborators. Must not
//	be nil.
func New(
	cfg Config,
	store *checkpoint.Store,
	guard *executor.Guard,
	registry *partition.Registry,
	emitter *events.Emitter,
	logger *slog.Logger,
) (*Engine, error) {
	if store == nil || guard == nil || registry == nil || emitter == nil {
		return nil, fmt.Errorf("engine.New: store, guard, registry, and emitter must not be nil")
	}
	if cfg.SpotCheckProofs <= 0 {
		cfg.SpotCheckProofs = DefaultConfig().SpotCheckProofs
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		guard:     guard,
		registry:  registry,
		emitter:   emitter,
		logger:    logger,
		aborted:   make(map[string]bool),
		certified: make(map[string]*merkle.Tree),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		done:      make(chan struct{}),
	}

	e.tuner = autotune.New(cfg.Autotune, e, emitter, logger)
	e.partitioner = partition.New(registry, e.tuner, logger)

	sched, err := scheduler.New(cfg.Scheduler, store, guard, emitter, e.tuner, e.splitHot, logger)
	if err != nil {
		return nil, err
	}
	e.sched = sched

	effects, _ := guardEffects(guard)
	healer, err := heal.New(cfg.Heal, sched, guard, effects, nil, emitter, e.onExhausted, logger)
	if err != nil {
		return nil, err
	}
	e.healer = healer

	return e, nil
}

// guardEffects extracts the Forget capability when the guard's effect
// store supports it. Stores without Forget disable corruption re-runs
// but not failure healing.
func guardEffects(g *executor.Guard) (heal.Remediator, bool) {
	if r, ok := g.Effects().(heal.Remediator); ok {
		return r, true
	}
	return nil, false
}

// Plan satisfies autotune.KindResolver against the scheduler's memory,
// falling back to the checkpoint store for released plans.
func (e *Engine) Plan(planID string) (shard.Plan, bool) {
	if p, ok := e.sched.Plan(planID); ok {
		return p, true
	}
	rec, err := e.store.GetPlan(context.Background(), planID)
	if err != nil {
		return shard.Plan{}, false
	}
	return rec.Plan, true
}

// splitHot is the scheduler's hot-shard split hook.
func (e *Engine) splitHot(plan shard.Plan, hot shard.Shard) ([]shard.Shard, error) {
	factor := e.tuner.SplitFactor(plan.JobKind)
	if factor < 2 {
		factor = 2
	}
	return e.partitioner.Split(plan, hot, factor)
}

// Start rehydrates incomplete plans, then begins accepting work.
//
// Description:
//
//	Lists every non-terminal plan in the checkpoint store and resumes
//	it: shards the crash left marked running are reset to pending, and
//	completed shards are re-registered only to gate dependencies. Only
//	after every stored plan is resumed does the engine accept new
//	submissions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.sched.Start(ctx)
	e.healer.Start(ctx)
	e.tuner.Attach(e.emitter)
	e.failSubID = e.emitter.Subscribe(e.onShardFailed, events.TypeShardFailed)

	e.wg.Add(1)
	go e.settleLoop()

	if err := e.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrating plans: %w", err)
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	e.logger.Info("engine started")
	return nil
}

// Stop shuts the engine down, draining in-flight shard executions.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	e.tuner.Detach(e.emitter)
	if e.failSubID != "" {
		e.emitter.Unsubscribe(e.failSubID)
	}
	e.healer.Stop()
	e.sched.Stop()
	e.wg.Wait()
}

// rehydrate resumes every non-terminal plan from the checkpoint store.
func (e *Engine) rehydrate(ctx context.Context) error {
	plans, err := e.store.ListPlans(ctx,
		shard.PlanPending, shard.PlanRunning, shard.PlanPartiallyFailed)
	if err != nil {
		return err
	}

	for _, rec := range plans {
		recs, err := e.store.ListShards(ctx, rec.Plan.ID)
		if err != nil {
			return fmt.Errorf("listing shards of %s: %w", rec.Plan.ID, err)
		}
		shards := make([]shard.Shard, 0, len(recs))
		for _, sr := range recs {
			sh := sr.Shard
			if sh.Status == shard.StatusRunning {
				// The previous process died with this shard in flight.
				sh.Status = shard.StatusPending
			}
			shards = append(shards, sh)
		}
		if err := e.sched.Resume(ctx, rec.Plan, shards); err != nil {
			return fmt.Errorf("resuming %s: %w", rec.Plan.ID, err)
		}
		e.logger.Info("plan rehydrated",
			slog.String("plan_id", rec.Plan.ID),
			slog.String("status", string(rec.Plan.Status)),
			slog.Int("shards", len(shards)))
	}
	return nil
}

// Submit partitions a work specification and admits it for execution.
//
// Outputs:
//
//	string - The plan ID (generated when the request carried none).
//	error - partition.ErrCyclicDependency, partition.ErrTooManyShards,
//	scheduler.ErrScheduleRejected (backpressure; retry later), or
//	ErrInvalidSubmission. Nothing is persisted on rejection.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := engineTracer.Start(ctx, "engine.Submit",
		trace.WithAttributes(attribute.String("job_kind", req.JobKind)))
	defer span.End()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	if req.JobKind == "" || len(req.Spec) == 0 {
		return "", fmt.Errorf("%w: job kind and spec are required", ErrInvalidSubmission)
	}

	planID := req.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	plan := shard.Plan{
		ID:        planID,
		JobKind:   req.JobKind,
		Spec:      req.Spec,
		SLO:       req.SLO,
		CreatedAt: time.Now().UTC(),
		Status:    shard.PlanRunning,
	}

	shards, err := e.partitioner.Partition(ctx, plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "partition rejected")
		return "", err
	}
	plan.ShardCount = len(shards)

	// Admission first: backpressure must reject the submission with
	// nothing persisted.
	if err := e.sched.AdmitPlan(ctx, plan, shards); err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := e.store.PutPlan(ctx, plan); err != nil {
		return "", err
	}

	span.SetAttributes(attribute.Int("shard_count", len(shards)))
	return planID, nil
}

// Abort stops dispatching a plan's remaining shards. In-flight
// executions drain; the plan then settles as aborted.
func (e *Engine) Abort(ctx context.Context, planID string) error {
	e.mu.Lock()
	e.aborted[planID] = true
	e.mu.Unlock()

	if err := e.sched.AbortPlan(planID); err != nil {
		e.mu.Lock()
		delete(e.aborted, planID)
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	return nil
}

// PlanStatus reports a plan's current state from scheduler memory,
// falling back to the checkpoint store for plans no longer tracked.
func (e *Engine) PlanStatus(ctx context.Context, planID string) (Status, error) {
	if shards, err := e.sched.PlanShards(planID); err == nil {
		plan, _ := e.sched.Plan(planID)
		return e.projectStatus(plan, shards), nil
	}

	rec, err := e.store.GetPlan(ctx, planID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if err != nil {
		return Status{}, err
	}
	recs, err := e.store.ListShards(ctx, planID)
	if err != nil {
		return Status{}, err
	}
	shards := make([]shard.Shard, 0, len(recs))
	for _, sr := range recs {
		shards = append(shards, sr.Shard)
	}
	return e.projectStatus(rec.Plan, shards), nil
}

func (e *Engine) projectStatus(plan shard.Plan, shards []shard.Shard) Status {
	st := Status{
		PlanID:      plan.ID,
		Status:      plan.Status,
		ShardsTotal: len(shards),
		RootDigest:  plan.RootDigest,
		OpenTickets: e.healer.OpenTicketIDs(plan.ID),
	}
	for _, sh := range shards {
		switch sh.Status {
		case shard.StatusDone:
			st.ShardsDone++
		case shard.StatusHealed:
			st.ShardsHealed++
		case shard.StatusFailed:
			st.ShardsFailed++
		}
	}
	return st
}

// PlanReport builds the full report for a plan: status, a sampled set
// of inclusion proofs, and the verification outcome.
//
// Description:
//
//	Rebuilds the aggregation tree from the plan's current checkpoint
//	records and spot-checks sampled proofs against its root. For a
//	certified plan the rebuilt tree is also compared against the tree
//	recorded at certification; divergent leaves are reported and their
//	healing is enqueued automatically.
func (e *Engine) PlanReport(ctx context.Context, planID string) (Report, error) {
	status, err := e.PlanStatus(ctx, planID)
	if err != nil {
		return Report{}, err
	}
	report := Report{Status: status}

	recs, err := e.store.ListShards(ctx, planID)
	if err != nil {
		return Report{}, err
	}
	leaves := make([]merkle.Leaf, 0, len(recs))
	for _, rec := range recs {
		if !rec.Shard.Status.Complete() {
			continue
		}
		leaves = append(leaves, merkle.Leaf{
			ShardID: rec.Shard.ID,
			Digest:  rec.Shard.ResultDigest,
			Attempt: rec.Shard.Attempt,
		})
	}
	current, err := merkle.Build(leaves)
	if err != nil {
		return Report{}, fmt.Errorf("rebuilding aggregation tree: %w", err)
	}

	e.mu.Lock()
	recorded := e.certified[planID]
	rng := e.rng
	e.mu.Unlock()

	report.Proofs = current.SampleProofs(e.cfg.SpotCheckProofs, rng)
	report.Verified = true
	for _, proof := range report.Proofs {
		if !merkle.VerifyProof(current.Root(), proof) {
			report.Verified = false
			break
		}
	}

	if recorded != nil {
		divergent, err := recorded.Divergent(current)
		if err != nil {
			// Shape changed since certification (healed shard attempts
			// bump leaf hashes); fall back to the root comparison.
			report.Verified = report.Verified && recorded.Root() == current.Root()
		} else if len(divergent) > 0 {
			report.Verified = false
			report.Corrupted = divergent
			if healErr := e.healer.HealCorrupted(ctx, planID, divergent...); healErr != nil {
				return report, fmt.Errorf("enqueueing corruption healing: %w", healErr)
			}
			e.logger.Warn("corrupted shard results detected, healing enqueued",
				slog.String("plan_id", planID),
				slog.Int("corrupted", len(divergent)))
		}
	}

	return report, nil
}

// Events exposes the engine's event bus for outbound collaborators.
func (e *Engine) Events() *events.Emitter {
	return e.emitter
}

// onShardFailed feeds failure events into the healing controller.
func (e *Engine) onShardFailed(ev *events.Event) {
	data, ok := ev.Data.(events.ShardFailedData)
	if !ok {
		return
	}
	e.mu.Lock()
	aborted := e.aborted[data.PlanID]
	e.mu.Unlock()
	if aborted {
		return
	}
	e.healer.NotifyFailure(data.PlanID, data.ShardID, data.Classification)
}

// onExhausted marks the owning plan partially failed once a healing
// ticket runs out of strategies.
func (e *Engine) onExhausted(planID string, ticket heal.Ticket) {
	ctx := context.Background()
	plan, ok := e.sched.Plan(planID)
	if !ok {
		return
	}
	plan.Status = shard.PlanPartiallyFailed
	if err := e.store.PutPlan(ctx, plan); err != nil {
		e.logger.Error("persisting partially failed plan",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()))
	}
	e.sched.SetPlanMeta(planID, shard.PlanPartiallyFailed, "")
	open := e.healer.OpenTicketIDs(planID)
	e.emitter.Publish(events.TypePlanPartiallyFailed, events.PlanPartiallyFailedData{
		PlanID:      planID,
		OpenTickets: open,
	})
	e.logger.Warn("plan partially failed",
		slog.String("plan_id", planID),
		slog.String("ticket_id", ticket.ID),
		slog.String("shard_id", ticket.ShardID.Short()),
		slog.Int("open_tickets", len(open)))
}

// settleLoop consumes the scheduler's settled signals and drives plans
// to terminal states.
func (e *Engine) settleLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case planID := <-e.sched.Settled():
			e.settle(planID)
		}
	}
}

// settle inspects one settled plan.
//
// Description:
//
//	A settled plan has nothing running and nothing dispatchable. Three
//	cases: aborted (finalize as aborted), all shards complete (certify:
//	aggregate, persist the root, publish plan.certified), or blocked on
//	failed shards (leave it; healing either heals them, settling the
//	plan again, or exhausts, marking it partially failed).
func (e *Engine) settle(planID string) {
	ctx := context.Background()

	plan, ok := e.sched.Plan(planID)
	if !ok {
		return
	}
	shards, err := e.sched.PlanShards(planID)
	if err != nil {
		return
	}

	e.mu.Lock()
	aborted := e.aborted[planID]
	e.mu.Unlock()

	if aborted {
		plan.Status = shard.PlanAborted
		if err := e.store.PutPlan(ctx, plan); err != nil {
			e.logger.Error("persisting aborted plan",
				slog.String("plan_id", planID),
				slog.String("error", err.Error()))
			return
		}
		e.emitter.Publish(events.TypePlanAborted, events.PlanAbortedData{PlanID: planID})
		e.sched.Release(planID)
		e.logger.Info("plan settled as aborted", slog.String("plan_id", planID))
		return
	}

	complete := true
	for _, sh := range shards {
		if !sh.Status.Complete() {
			complete = false
			break
		}
	}
	if !complete {
		// Blocked on failed shards; healing owns them now.
		return
	}

	leaves := make([]merkle.Leaf, 0, len(shards))
	for _, sh := range shards {
		leaves = append(leaves, merkle.Leaf{
			ShardID: sh.ID,
			Digest:  sh.ResultDigest,
			Attempt: sh.Attempt,
		})
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		e.logger.Error("aggregating plan results",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()))
		return
	}

	plan.Status = shard.PlanCertified
	plan.RootDigest = tree.Root()
	if err := e.store.PutPlan(ctx, plan); err != nil {
		e.logger.Error("persisting certified plan",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()))
		return
	}

	e.mu.Lock()
	e.certified[planID] = tree
	e.mu.Unlock()
	// The plan stays registered with the scheduler so corruption
	// healing can reopen its shards; keep the tracked copy current.
	e.sched.SetPlanMeta(planID, shard.PlanCertified, tree.Root())

	e.emitter.Publish(events.TypePlanCertified, events.PlanCertifiedData{
		PlanID:     planID,
		RootDigest: tree.Root(),
	})
	e.logger.Info("plan certified",
		slog.String("plan_id", planID),
		slog.String("root", tree.Root()[:12]),
		slog.Int("shards", len(shards)))
}
