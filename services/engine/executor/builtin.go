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

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AleutianAI/hypershard/services/engine/partition"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Builtin job kinds.
const (
	KindPackBackend  = "pack_backend"
	KindWarmRegistry = "warm_registry"
	KindIndexAssets  = "index_assets"
	KindPrimeCaches  = "prime_caches"
	KindDocsIndex    = "docs_index"
	KindSQLMigrate   = "sql_migrate"
)

// RegisterBuiltins registers the stock executors on a registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Executor{
		&groupExecutor{kind: KindPackBackend, idempotent: true, summarize: packSummary},
		&groupExecutor{kind: KindWarmRegistry, idempotent: true, summarize: moduleSummary("warmed_modules")},
		&groupExecutor{kind: KindIndexAssets, idempotent: true, summarize: bucketSummary},
		&groupExecutor{kind: KindPrimeCaches, idempotent: true, summarize: keySummary},
		&groupExecutor{kind: KindDocsIndex, idempotent: true, summarize: moduleSummary("indexed_modules")},
		&groupExecutor{kind: KindSQLMigrate, idempotent: false, summarize: migrationSummary},
	}
	for _, e := range builtins {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// groupExecutor processes a shard payload containing a partitioned
// item group and digests a deterministic summary of the work done.
type groupExecutor struct {
	kind       string
	idempotent bool
	summarize  func(items []partition.Item) (any, error)
}

func (e *groupExecutor) Kind() string     { return e.kind }
func (e *groupExecutor) Idempotent() bool { return e.idempotent }

func (e *groupExecutor) Execute(ctx context.Context, sh shard.Shard) (shard.Result, error) {
	var group partition.Group
	if err := json.Unmarshal(sh.Payload.Body, &group); err != nil {
		return shard.Result{}, &shard.Failure{
			Class:   shard.FailConfiguration,
			Message: fmt.Sprintf("malformed payload for %s: %v", e.kind, err),
		}
	}
	if len(group.Items) == 0 {
		return shard.Result{}, &shard.Failure{
			Class:   shard.FailConfiguration,
			Message: "payload has no items",
		}
	}

	// Canonical item order so the digest is stable across retries.
	items := make([]partition.Item, len(group.Items))
	copy(items, group.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	for range items {
		select {
		case <-ctx.Done():
			return shard.Result{}, &shard.Failure{
				Class:   shard.FailTimeout,
				Message: ctx.Err().Error(),
			}
		default:
		}
	}

	summary, err := e.summarize(items)
	if err != nil {
		return shard.Result{}, err
	}
	output, err := json.Marshal(summary)
	if err != nil {
		return shard.Result{}, fmt.Errorf("encoding output: %w", err)
	}

	return shard.Result{Digest: shard.Digest(output)}, nil
}

func packSummary(items []partition.Item) (any, error) {
	var bytes int64
	names := make([]string, len(items))
	for i, it := range items {
		bytes += it.SizeBytes
		names[i] = it.Name
	}
	return map[string]any{"packed": names, "total_bytes": bytes}, nil
}

func moduleSummary(field string) func(items []partition.Item) (any, error) {
	return func(items []partition.Item) (any, error) {
		seen := make(map[string]bool)
		var modules []string
		for _, it := range items {
			mod := it.Module
			if mod == "" {
				mod = "default"
			}
			if !seen[mod] {
				seen[mod] = true
				modules = append(modules, mod)
			}
		}
		sort.Strings(modules)
		return map[string]any{field: modules, "items": len(items)}, nil
	}
}

func bucketSummary(items []partition.Item) (any, error) {
	counts := make(map[string]int)
	for _, it := range items {
		bucket := it.Bucket
		if bucket == "" {
			bucket = "default"
		}
		counts[bucket]++
	}
	return map[string]any{"indexed_buckets": counts}, nil
}

func keySummary(items []partition.Item) (any, error) {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	sort.Strings(keys)
	return map[string]any{"primed_keys": keys}, nil
}

// migrationSummary applies migrations strictly in item-name order;
// the order is part of the digested output so any reordering shows up
// as a different result.
func migrationSummary(items []partition.Item) (any, error) {
	applied := make([]string, len(items))
	for i, it := range items {
		applied[i] = it.Name
	}
	return map[string]any{"applied_migrations": applied}, nil
}
