// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package partition

import (
	"sort"
)

// Strategy names as they appear in the registry YAML.
const (
	StrategyBySize           = "by_size"
	StrategyByModule         = "by_module"
	StrategyByDepth          = "by_depth"
	StrategyByKeyRange       = "by_key_range"
	StrategyByResourceBucket = "by_resource_bucket"
)

// Params tunes a strategy for one job kind.
type Params struct {
	// SizeThresholdBytes caps the total item size per shard (by_size).
	SizeThresholdBytes int64 `yaml:"size_threshold_bytes"`

	// RangeCount is the number of key ranges to cut (by_key_range).
	RangeCount int `yaml:"range_count"`

	// MaxShards rejects plans that would exceed this shard count.
	// Zero means no ceiling.
	MaxShards int `yaml:"max_shards"`
}

// builtinStrategies returns the five stock strategies keyed by name.
func builtinStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyBySize:           bySize{},
		StrategyByModule:         byModule{},
		StrategyByDepth:          byDepth{},
		StrategyByKeyRange:       byKeyRange{},
		StrategyByResourceBucket: byResourceBucket{},
	}
}

// bySize greedily packs items into shards up to a size threshold.
// The split factor shrinks the threshold for finer granularity.
type bySize struct{}

func (bySize) Name() string { return StrategyBySize }

func (bySize) Group(spec WorkSpec, params Params, factor int) ([]Group, error) {
	threshold := params.SizeThresholdBytes
	if threshold <= 0 {
		threshold = 64 << 20
	}
	if factor > 1 {
		threshold /= int64(factor)
		if threshold < 1 {
			threshold = 1
		}
	}

	items := make([]Item, len(spec.Items))
	copy(items, spec.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	var groups []Group
	var current Group
	var size int64
	for _, it := range items {
		if len(current.Items) > 0 && size+it.SizeBytes > threshold {
			groups = append(groups, current)
			current = Group{}
			size = 0
		}
		current.Items = append(current.Items, it)
		size += it.SizeBytes
	}
	if len(current.Items) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}

// byModule emits one shard per logical module. Items without a module
// fall into a shared default shard. The split factor sub-chunks each
// module group.
type byModule struct{}

func (byModule) Name() string { return StrategyByModule }

func (byModule) Group(spec WorkSpec, _ Params, factor int) ([]Group, error) {
	byMod := make(map[string][]Item)
	for _, it := range spec.Items {
		mod := it.Module
		if mod == "" {
			mod = "default"
		}
		byMod[mod] = append(byMod[mod], it)
	}

	mods := make([]string, 0, len(byMod))
	for mod := range byMod {
		mods = append(mods, mod)
	}
	sort.Strings(mods)

	var groups []Group
	for _, mod := range mods {
		items := byMod[mod]
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		if factor > 1 {
			groups = append(groups, chunkItems(items, factor)...)
		} else {
			groups = append(groups, Group{Items: items})
		}
	}
	return groups, nil
}

// byDepth emits one shard per dependency depth level, so each level's
// shard depends only on the previous level and level ordering follows
// the longest dependency path.
type byDepth struct{}

func (byDepth) Name() string { return StrategyByDepth }

func (byDepth) Group(spec WorkSpec, _ Params, factor int) ([]Group, error) {
	depth := make(map[string]int, len(spec.Items))
	byName := make(map[string]Item, len(spec.Items))
	for _, it := range spec.Items {
		byName[it.Name] = it
	}

	var resolve func(name string) int
	resolve = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		it := byName[name]
		max := 0
		for _, dep := range it.Deps {
			if d := resolve(dep) + 1; d > max {
				max = d
			}
		}
		depth[name] = max
		return max
	}

	levels := make(map[int][]Item)
	maxLevel := 0
	for _, it := range spec.Items {
		d := resolve(it.Name)
		levels[d] = append(levels[d], it)
		if d > maxLevel {
			maxLevel = d
		}
	}

	var groups []Group
	for lvl := 0; lvl <= maxLevel; lvl++ {
		items := levels[lvl]
		if len(items) == 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		if factor > 1 {
			groups = append(groups, chunkItems(items, factor)...)
		} else {
			groups = append(groups, Group{Items: items})
		}
	}
	return groups, nil
}

// byKeyRange sorts items by key and cuts them into contiguous ranges.
// The split factor multiplies the range count.
type byKeyRange struct{}

func (byKeyRange) Name() string { return StrategyByKeyRange }

func (byKeyRange) Group(spec WorkSpec, params Params, factor int) ([]Group, error) {
	ranges := params.RangeCount
	if ranges <= 0 {
		ranges = 4
	}
	if factor > 1 {
		ranges *= factor
	}

	items := make([]Item, len(spec.Items))
	copy(items, spec.Items)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Key != items[j].Key {
			return items[i].Key < items[j].Key
		}
		return items[i].Name < items[j].Name
	})

	return chunkItems(items, ranges), nil
}

// byResourceBucket emits one shard per declared bucket. Items without
// a bucket share a default shard.
type byResourceBucket struct{}

func (byResourceBucket) Name() string { return StrategyByResourceBucket }

func (byResourceBucket) Group(spec WorkSpec, _ Params, factor int) ([]Group, error) {
	byBucket := make(map[string][]Item)
	for _, it := range spec.Items {
		bucket := it.Bucket
		if bucket == "" {
			bucket = "default"
		}
		byBucket[bucket] = append(byBucket[bucket], it)
	}

	buckets := make([]string, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	var groups []Group
	for _, b := range buckets {
		items := byBucket[b]
		sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
		if factor > 1 {
			groups = append(groups, chunkItems(items, factor)...)
		} else {
			groups = append(groups, Group{Items: items})
		}
	}
	return groups, nil
}
