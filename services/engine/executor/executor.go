// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor defines the per-job-kind execution units.
//
// Executors consume a shard and produce a result digest or a typed
// failure. They never write to the checkpoint store; the scheduler
// persists on their behalf so there is exactly one write path.
//
// Idempotency is enforced by Guard: before running, it consults an
// effect store keyed by shard ID, and a shard whose effect marker
// already exists returns the prior result without repeating the side
// effect. Kinds that declare themselves non-idempotent additionally
// refuse any re-execution without an operator override on the payload.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var executorTracer = otel.Tracer("engine.executor")

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_executions_total",
		Help: "Executor invocations by job kind and outcome",
	}, []string{"job_kind", "outcome"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hypershard_execution_duration_seconds",
		Help:    "Executor invocation duration by job kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_kind"})

	effectHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypershard_effect_marker_hits_total",
		Help: "Executions short-circuited by an existing effect marker",
	})
)

// Executor runs shards of one job kind.
type Executor interface {
	// Kind is the job kind this executor handles.
	Kind() string

	// Idempotent reports whether re-running a shard is always safe.
	// Non-idempotent kinds are refused re-execution without an
	// operator override.
	Idempotent() bool

	// Execute runs the shard and returns its result. Implementations
	// must honor ctx cancellation; the scheduler enforces the
	// per-shard timeout through it.
	Execute(ctx context.Context, sh shard.Shard) (shard.Result, error)
}

// Registry holds the executors available to the scheduler.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Registering a kind twice is an error.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return fmt.Errorf("%w: nil executor", ErrInvalidExecutor)
	}
	if e.Kind() == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidExecutor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Kind()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, e.Kind())
	}
	r.executors[e.Kind()] = e
	return nil
}

// Get returns the executor for a job kind.
func (r *Registry) Get(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds returns the registered job kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Guard wraps a registry with effect-marker idempotency enforcement.
//
// Thread Safety: Safe for concurrent use; concurrent executions of the
// same shard ID are serialized per ID so the side effect runs once.
type Guard struct {
	registry *Registry
	effects  EffectStore
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[shard.ID]*sync.Mutex
}

// NewGuard creates the idempotency guard over a registry.
func NewGuard(registry *Registry, effects EffectStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		registry: registry,
		effects:  effects,
		logger:   logger,
		locks:    make(map[shard.ID]*sync.Mutex),
	}
}

// Execute runs one shard through its kind's executor.
//
// Description:
//
//	Looks up the effect marker first: a shard that already produced a
//	durable effect returns the recorded result without re-invoking the
//	executor, which makes dispatch idempotent even when two workers
//	race on the same shard ID. Non-idempotent kinds refuse to run a
//	shard whose attempt count shows a prior invocation unless the
//	payload carries the operator override flag.
//
// Outputs:
//
//	shard.Result - The execution result (possibly replayed).
//	error - *shard.Failure for classified faults, ErrUnknownKind, or
//	ErrOverrideRequired.
func (g *Guard) Execute(ctx context.Context, sh shard.Shard) (shard.Result, error) {
	ctx, span := executorTracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_kind", sh.Payload.Kind),
		attribute.String("shard_id", sh.ID.Short()),
		attribute.Int("attempt", sh.Attempt),
	)

	exec, ok := g.registry.Get(sh.Payload.Kind)
	if !ok {
		executionsTotal.WithLabelValues(sh.Payload.Kind, "unknown_kind").Inc()
		return shard.Result{}, fmt.Errorf("%w: %s", ErrUnknownKind, sh.Payload.Kind)
	}

	// One execution per shard ID at a time; the loser of the race
	// observes the winner's effect marker.
	lock := g.shardLock(sh.ID)
	lock.Lock()
	defer lock.Unlock()

	if digest, found, err := g.effects.Lookup(ctx, sh.ID); err != nil {
		return shard.Result{}, fmt.Errorf("effect lookup: %w", err)
	} else if found {
		effectHits.Inc()
		executionsTotal.WithLabelValues(sh.Payload.Kind, "replayed").Inc()
		g.logger.Debug("effect marker hit, replaying result",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("job_kind", sh.Payload.Kind))
		return shard.Result{ShardID: sh.ID, Digest: digest, Attempt: sh.Attempt}, nil
	}

	if !exec.Idempotent() && sh.Attempt > 0 && !sh.Payload.OperatorOverride {
		executionsTotal.WithLabelValues(sh.Payload.Kind, "refused").Inc()
		span.SetStatus(codes.Error, "override required")
		return shard.Result{}, fmt.Errorf("%w: kind %s attempt %d",
			ErrOverrideRequired, sh.Payload.Kind, sh.Attempt)
	}

	start := time.Now()
	result, err := exec.Execute(ctx, sh)
	executionDuration.WithLabelValues(sh.Payload.Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		executionsTotal.WithLabelValues(sh.Payload.Kind, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		return shard.Result{}, err
	}

	result.ShardID = sh.ID
	result.Attempt = sh.Attempt
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	if err := g.effects.Mark(ctx, sh.ID, result.Digest); err != nil {
		// The side effect landed but the marker write failed; the
		// next invocation re-runs and relies on executor idempotency.
		g.logger.Warn("effect marker write failed",
			slog.String("shard_id", sh.ID.Short()),
			slog.String("error", err.Error()))
	}

	executionsTotal.WithLabelValues(sh.Payload.Kind, "ok").Inc()
	return result, nil
}

// Registry exposes the wrapped registry.
func (g *Guard) Registry() *Registry {
	return g.registry
}

// Effects exposes the wrapped effect store.
func (g *Guard) Effects() EffectStore {
	return g.effects
}

func (g *Guard) shardLock(id shard.ID) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[id] = lock
	}
	return lock
}
