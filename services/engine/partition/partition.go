// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package partition splits a plan's work specification into shards.
//
// A work specification is a flat list of items with dependency edges.
// A named strategy groups items into shards; the partitioner then
// validates the item graph is a DAG, derives shard-level dependency
// edges from the item-level ones, and assigns each shard its
// content-addressed ID in topological order so dependency IDs are
// known before dependents are hashed.
//
// Thread Safety:
//
//	Partitioner is safe for concurrent use; strategies are pure
//	functions over the parsed specification.
package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var partitionTracer = otel.Tracer("engine.partition")

var (
	partitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_partitions_total",
		Help: "Total partition operations by job kind and strategy",
	}, []string{"job_kind", "strategy"})

	partitionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_partition_rejections_total",
		Help: "Plans rejected at partition time by reason",
	}, []string{"reason"})

	shardsPerPlan = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hypershard_shards_per_plan",
		Help:    "Shard count produced per partitioned plan",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
)

// Item is one indivisible unit of work inside a specification.
type Item struct {
	// Name uniquely identifies the item within its specification.
	Name string `json:"name"`

	// Module is the logical module boundary the item belongs to.
	Module string `json:"module,omitempty"`

	// SizeBytes is the item's weight for size-threshold grouping.
	SizeBytes int64 `json:"size_bytes,omitempty"`

	// Key orders items for key-range grouping.
	Key string `json:"key,omitempty"`

	// Bucket is the resource bucket the item targets.
	Bucket string `json:"bucket,omitempty"`

	// Deps are names of items that must complete first.
	Deps []string `json:"deps,omitempty"`

	// Inputs is the opaque per-item input payload.
	Inputs json.RawMessage `json:"inputs,omitempty"`
}

// WorkSpec is the parsed form of a plan's raw specification.
type WorkSpec struct {
	Items []Item `json:"items"`
}

// Group is a set of items a strategy has placed into one shard.
type Group struct {
	Items []Item `json:"items"`
}

// Strategy groups a specification's items into shards.
//
// Strategies must cover every item exactly once and must not invent
// items; the partitioner verifies both.
type Strategy interface {
	// Name is the strategy's registry name.
	Name() string

	// Group partitions the items. factor >= 1 requests finer
	// granularity (the autotuner's split signal).
	Group(spec WorkSpec, params Params, factor int) ([]Group, error)
}

// FactorSource supplies the current split factor per job kind.
// The autotuner implements this; a nil source means factor 1.
type FactorSource interface {
	SplitFactor(jobKind string) int
}

// Partitioner turns submitted plans into shard sets.
type Partitioner struct {
	registry *Registry
	factors  FactorSource
	logger   *slog.Logger
}

// New creates a Partitioner.
//
// Inputs:
//
//	registry - Strategy bindings per job kind. Must not be nil.
//	factors - Split factor source. May be nil.
func New(registry *Registry, factors FactorSource, logger *slog.Logger) *Partitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partitioner{registry: registry, factors: factors, logger: logger}
}

// Partition splits a plan into an ordered shard set.
//
// Description:
//
//	Parses the plan's raw specification, validates the item graph is
//	acyclic, applies the job kind's registered strategy, then derives
//	shard dependency edges and content-addressed IDs. Shards are
//	returned in a topological order, dependencies before dependents.
//
// Outputs:
//
//	[]shard.Shard - The shard set, status pending, attempt 0.
//	error - ErrCyclicDependency, ErrTooManyShards, ErrEmptySpec,
//	ErrUnknownStrategy, or a parse error.
func (p *Partitioner) Partition(ctx context.Context, plan shard.Plan) ([]shard.Shard, error) {
	ctx, span := partitionTracer.Start(ctx, "partition.Partition")
	defer span.End()
	_ = ctx

	start := time.Now()

	binding, ok := p.registry.Binding(plan.JobKind)
	if !ok {
		partitionRejections.WithLabelValues("unknown_strategy").Inc()
		return nil, fmt.Errorf("%w: job kind %q", ErrUnknownStrategy, plan.JobKind)
	}

	var spec WorkSpec
	if err := json.Unmarshal(plan.Spec, &spec); err != nil {
		partitionRejections.WithLabelValues("parse").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "spec parse failed")
		return nil, fmt.Errorf("parsing work specification: %w", err)
	}
	if len(spec.Items) == 0 {
		partitionRejections.WithLabelValues("empty").Inc()
		return nil, ErrEmptySpec
	}

	if err := validateDAG(spec); err != nil {
		partitionRejections.WithLabelValues("cycle").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "dependency cycle")
		return nil, err
	}

	factor := 1
	if p.factors != nil {
		if f := p.factors.SplitFactor(plan.JobKind); f > 1 {
			factor = f
		}
	}

	groups, err := binding.Strategy.Group(spec, binding.Params, factor)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", binding.Strategy.Name(), err)
	}
	if err := verifyCoverage(spec, groups); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", binding.Strategy.Name(), err)
	}

	maxShards := binding.Params.MaxShards
	if maxShards > 0 && len(groups) > maxShards {
		partitionRejections.WithLabelValues("too_many_shards").Inc()
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyShards, len(groups), maxShards)
	}

	shards, err := p.assemble(plan, groups)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("job_kind", plan.JobKind),
		attribute.String("strategy", binding.Strategy.Name()),
		attribute.Int("shard_count", len(shards)),
		attribute.Int("split_factor", factor),
	)
	partitionsTotal.WithLabelValues(plan.JobKind, binding.Strategy.Name()).Inc()
	shardsPerPlan.Observe(float64(len(shards)))

	p.logger.Info("plan partitioned",
		slog.String("plan_id", plan.ID),
		slog.String("strategy", binding.Strategy.Name()),
		slog.Int("shards", len(shards)),
		slog.Int("split_factor", factor),
		slog.Duration("elapsed", time.Since(start)))

	return shards, nil
}

// Split re-partitions a single hot shard into smaller units.
//
// Description:
//
//	Parses the shard's payload back into its item group and splits it
//	into at most factor sub-shards with the item-level dependency
//	edges re-derived. The resulting shards belong to the same plan and
//	collectively replace the original. A single-item shard cannot be
//	split and is returned unchanged.
func (p *Partitioner) Split(plan shard.Plan, hot shard.Shard, factor int) ([]shard.Shard, error) {
	var group Group
	if err := json.Unmarshal(hot.Payload.Body, &group); err != nil {
		return nil, fmt.Errorf("parsing shard payload: %w", err)
	}
	if len(group.Items) <= 1 || factor <= 1 {
		return []shard.Shard{hot}, nil
	}

	groups := chunkItems(group.Items, factor)
	sub, err := p.assemble(plan, groups)
	if err != nil {
		return nil, err
	}

	p.logger.Info("hot shard split",
		slog.String("plan_id", plan.ID),
		slog.String("shard_id", hot.ID.Short()),
		slog.Int("sub_shards", len(sub)))

	return sub, nil
}

// assemble derives shard-level dependencies from item-level edges and
// assigns content-addressed IDs in topological order.
func (p *Partitioner) assemble(plan shard.Plan, groups []Group) ([]shard.Shard, error) {
	itemGroup := make(map[string]int)
	for gi, g := range groups {
		for _, it := range g.Items {
			itemGroup[it.Name] = gi
		}
	}

	// Group-level dependency edges, deduplicated, self-edges dropped.
	deps := make([]map[int]bool, len(groups))
	for gi := range groups {
		deps[gi] = make(map[int]bool)
	}
	for gi, g := range groups {
		for _, it := range g.Items {
			for _, dep := range it.Deps {
				dgi, ok := itemGroup[dep]
				if !ok {
					return nil, fmt.Errorf("%w: %s", ErrUnknownItem, dep)
				}
				if dgi != gi {
					deps[gi][dgi] = true
				}
			}
		}
	}

	order, err := topoOrder(deps)
	if err != nil {
		return nil, err
	}

	ids := make([]shard.ID, len(groups))
	shards := make([]shard.Shard, 0, len(groups))
	for _, gi := range order {
		g := groups[gi]
		sort.Slice(g.Items, func(i, j int) bool { return g.Items[i].Name < g.Items[j].Name })

		depIDs := make([]shard.ID, 0, len(deps[gi]))
		for dgi := range deps[gi] {
			depIDs = append(depIDs, ids[dgi])
		}

		id, err := shard.Identify(plan.JobKind, g, depIDs)
		if err != nil {
			return nil, fmt.Errorf("identifying shard: %w", err)
		}
		ids[gi] = id

		body, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encoding shard payload: %w", err)
		}

		sort.Slice(depIDs, func(i, j int) bool { return depIDs[i] < depIDs[j] })
		shards = append(shards, shard.Shard{
			ID:     id,
			PlanID: plan.ID,
			Deps:   depIDs,
			Payload: shard.Payload{
				Kind: plan.JobKind,
				Body: body,
			},
			Status: shard.StatusPending,
		})
	}

	return shards, nil
}

// validateDAG rejects specifications whose item edges contain a cycle,
// using an iterative-per-root DFS with a recursion stack.
func validateDAG(spec WorkSpec) error {
	adjList := make(map[string][]string, len(spec.Items))
	for _, it := range spec.Items {
		adjList[it.Name] = it.Deps
	}
	for _, it := range spec.Items {
		for _, dep := range it.Deps {
			if _, ok := adjList[dep]; !ok {
				return fmt.Errorf("%w: %s (required by %s)", ErrUnknownItem, dep, it.Name)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adjList[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := -1
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(path[cycleStart:], dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	// Deterministic traversal order so the reported cycle is stable.
	names := make([]string, 0, len(adjList))
	for name := range adjList {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}

	return nil
}

// verifyCoverage ensures the groups cover every item exactly once.
func verifyCoverage(spec WorkSpec, groups []Group) error {
	seen := make(map[string]bool, len(spec.Items))
	for _, g := range groups {
		for _, it := range g.Items {
			if seen[it.Name] {
				return fmt.Errorf("item %s placed in more than one shard", it.Name)
			}
			seen[it.Name] = true
		}
	}
	for _, it := range spec.Items {
		if !seen[it.Name] {
			return fmt.Errorf("item %s not covered by any shard", it.Name)
		}
	}
	return nil
}

// topoOrder returns group indices with dependencies before dependents.
// Grouping an acyclic item graph can still produce cyclic group edges
// when a strategy interleaves modules; that grouping is invalid.
func topoOrder(deps []map[int]bool) ([]int, error) {
	indegree := make([]int, len(deps))
	dependents := make([][]int, len(deps))
	for gi, ds := range deps {
		indegree[gi] = len(ds)
		for dgi := range ds {
			dependents[dgi] = append(dependents[dgi], gi)
		}
	}

	queue := make([]int, 0, len(deps))
	for gi, d := range indegree {
		if d == 0 {
			queue = append(queue, gi)
		}
	}
	sort.Ints(queue)

	order := make([]int, 0, len(deps))
	for len(queue) > 0 {
		gi := queue[0]
		queue = queue[1:]
		order = append(order, gi)
		for _, dep := range dependents[gi] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(deps) {
		return nil, fmt.Errorf("%w: grouping produced cyclic shard dependencies", ErrCyclicDependency)
	}
	return order, nil
}

// chunkItems splits items into at most n contiguous chunks of near
// equal length, preserving input order.
func chunkItems(items []Item, n int) []Group {
	if n > len(items) {
		n = len(items)
	}
	groups := make([]Group, 0, n)
	per := (len(items) + n - 1) / n
	for start := 0; start < len(items); start += per {
		end := start + per
		if end > len(items) {
			end = len(items)
		}
		groups = append(groups, Group{Items: items[start:end]})
	}
	return groups
}
