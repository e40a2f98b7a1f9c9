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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency indicates the work specification's dependency
	// edges do not form a DAG. The plan is rejected, never retried.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrTooManyShards indicates partitioning would exceed the
	// configured shard ceiling. The plan is rejected rather than
	// silently truncated.
	ErrTooManyShards = errors.New("too many shards")

	// ErrEmptySpec indicates the plan's work specification has no items.
	ErrEmptySpec = errors.New("empty work specification")

	// ErrUnknownStrategy indicates no partition strategy is registered
	// for the plan's job kind.
	ErrUnknownStrategy = errors.New("unknown partition strategy")

	// ErrUnknownItem indicates an item declares a dependency on an item
	// that does not exist in the specification.
	ErrUnknownItem = errors.New("unknown dependency item")
)

// CycleError reports the dependency cycle that was found.
type CycleError struct {
	// Path is the cycle, starting and ending at the same item.
	Path []string
}

// NewCycleError creates a CycleError from the detected path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

// Unwrap allows errors.Is(err, ErrCyclicDependency).
func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}
