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
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/yaml.v3"
)

// MaxStrategyFileSize caps the strategy YAML size (1MB). Prevents
// memory issues from large files.
const MaxStrategyFileSize = 1024 * 1024

// EnvStrategyPath names the environment variable holding the external
// strategy file path.
const EnvStrategyPath = "HYPERSHARD_STRATEGY_PATH"

//go:embed strategies.yaml
var defaultStrategiesYAML []byte

var (
	registryReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_strategy_registry_reloads_total",
		Help: "Strategy registry reloads by outcome",
	}, []string{"outcome"})
)

// bindingYAML is one job-kind binding in the YAML file.
type bindingYAML struct {
	JobKind  string `yaml:"job_kind"`
	Strategy string `yaml:"strategy"`
	Params   Params `yaml:"params"`
}

// registryYAML is the root structure of the strategy file.
type registryYAML struct {
	Bindings []bindingYAML `yaml:"bindings"`
}

// Binding is a resolved strategy plus its parameters for one job kind.
type Binding struct {
	Strategy Strategy
	Params   Params
}

// Registry maps job kinds to partition strategies, reloadable at
// runtime from an external YAML file.
//
// Thread Safety: Safe for concurrent use; reloads swap the binding map
// under a write lock.
type Registry struct {
	mu         sync.RWMutex
	bindings   map[string]Binding
	strategies map[string]Strategy
	logger     *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry loads the strategy registry.
//
// Description:
//
//	Loads bindings from the external file named by
//	HYPERSHARD_STRATEGY_PATH when set and readable, falling back to
//	the embedded defaults. A corrupt external file never takes the
//	registry down; the previous (or embedded) bindings stay active.
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		strategies: builtinStrategies(),
		logger:     logger,
		done:       make(chan struct{}),
	}

	data := defaultStrategiesYAML
	source := "embedded"
	if path := externalStrategyPath(); path != "" {
		external, err := loadStrategyFile(path)
		if err != nil {
			logger.Warn("external strategy file not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()))
		} else {
			data = external
			source = path
		}
	}

	bindings, err := r.parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing strategy registry: %w", err)
	}
	r.bindings = bindings

	logger.Info("strategy registry loaded",
		slog.String("source", source),
		slog.Int("bindings", len(bindings)))

	return r, nil
}

// Watch starts hot reload of the external strategy file. No-op when no
// external path is configured. Call Close to stop the watcher.
func (r *Registry) Watch() error {
	path := externalStrategyPath()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.reload(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("strategy watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops the watcher, if running.
func (r *Registry) Close() error {
	close(r.done)
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
	}
	r.wg.Wait()
	return err
}

// Binding returns the strategy binding for a job kind.
func (r *Registry) Binding(jobKind string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[jobKind]
	return b, ok
}

// JobKinds returns the registered job kinds.
func (r *Registry) JobKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.bindings))
	for k := range r.bindings {
		kinds = append(kinds, k)
	}
	return kinds
}

// reload re-reads the external file and swaps the binding map. A bad
// file keeps the previous bindings.
func (r *Registry) reload(path string) {
	data, err := loadStrategyFile(path)
	if err != nil {
		registryReloads.WithLabelValues("error").Inc()
		r.logger.Warn("strategy reload failed, keeping previous bindings",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}
	bindings, err := r.parse(data)
	if err != nil {
		registryReloads.WithLabelValues("error").Inc()
		r.logger.Warn("strategy reload parse failed, keeping previous bindings",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.bindings = bindings
	r.mu.Unlock()

	registryReloads.WithLabelValues("ok").Inc()
	r.logger.Info("strategy registry reloaded",
		slog.String("path", path),
		slog.Int("bindings", len(bindings)))
}

// parse decodes and validates the YAML binding list.
func (r *Registry) parse(data []byte) (map[string]Binding, error) {
	var root registryYAML
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if len(root.Bindings) == 0 {
		return nil, fmt.Errorf("no bindings defined")
	}

	bindings := make(map[string]Binding, len(root.Bindings))
	for i, b := range root.Bindings {
		if b.JobKind == "" {
			return nil, fmt.Errorf("binding at index %d has empty job_kind", i)
		}
		if _, dup := bindings[b.JobKind]; dup {
			return nil, fmt.Errorf("duplicate binding for job kind %q", b.JobKind)
		}
		strategy, ok := r.strategies[b.Strategy]
		if !ok {
			return nil, fmt.Errorf("job kind %q: unknown strategy %q", b.JobKind, b.Strategy)
		}
		bindings[b.JobKind] = Binding{Strategy: strategy, Params: b.Params}
	}
	return bindings, nil
}

// externalStrategyPath returns the configured external file path, or
// empty when none is set.
func externalStrategyPath() string {
	return os.Getenv(EnvStrategyPath)
}

// loadStrategyFile reads an external strategy file with path and size
// checks.
func loadStrategyFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("path traversal not allowed: %s", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxStrategyFileSize {
		return nil, fmt.Errorf("strategy file too large: %d bytes (max %d)", info.Size(), MaxStrategyFileSize)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}
