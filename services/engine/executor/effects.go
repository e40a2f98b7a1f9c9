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
	"sync"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// EffectStore records the side-channel markers that make executions
// detectable after the fact. A marker keyed by shard ID means the
// shard's side effect has durably landed; its value is the result
// digest to replay.
type EffectStore interface {
	// Mark records that the shard's effect landed with this digest.
	Mark(ctx context.Context, id shard.ID, digest string) error

	// Lookup returns the recorded digest, if any.
	Lookup(ctx context.Context, id shard.ID) (digest string, found bool, err error)
}

// MemoryEffects is an in-process effect store. Production deployments
// point the store at the target resource itself (a tag keyed by shard
// ID); in-process suffices for executors whose effects live in local
// state, and for tests.
//
// Thread Safety: Safe for concurrent use.
type MemoryEffects struct {
	mu      sync.RWMutex
	markers map[shard.ID]string
}

// NewMemoryEffects creates an empty in-process effect store.
func NewMemoryEffects() *MemoryEffects {
	return &MemoryEffects{markers: make(map[shard.ID]string)}
}

// Mark records the effect marker.
func (m *MemoryEffects) Mark(_ context.Context, id shard.ID, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[id] = digest
	return nil
}

// Lookup returns the marker for a shard, if present.
func (m *MemoryEffects) Lookup(_ context.Context, id shard.ID) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	digest, ok := m.markers[id]
	return digest, ok, nil
}

// Forget drops a marker so the shard re-executes. Healing uses this
// when a certified-corrupt result must be rebuilt.
func (m *MemoryEffects) Forget(_ context.Context, id shard.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, id)
	return nil
}

var _ EffectStore = (*MemoryEffects)(nil)
