// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autotune recommends partitioning changes from observed shard
// latency.
//
// The tuner keeps a rolling window of per-job-kind shard durations fed
// by shard.done and shard.failed events. When the window's 95th
// percentile exceeds the kind's latency objective it publishes an
// autotune.signal recommending a larger split factor, which the
// partitioner applies to subsequent plans of that kind. The signal is
// advisory and asynchronous; nothing in the scheduling path waits on
// the tuner.
package autotune

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

var (
	signalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypershard_autotune_signals_total",
		Help: "Autotune signals emitted by job kind",
	}, []string{"job_kind"})

	observedP95 = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hypershard_autotune_p95_ms",
		Help: "Rolling p95 shard latency by job kind",
	}, []string{"job_kind"})
)

// ActionSplit is the only recommendation the tuner currently emits.
const ActionSplit = "split"

// Config tunes the autotuner.
type Config struct {
	// WindowSize is the number of samples kept per job kind. Default: 256.
	WindowSize int

	// MinSamples is the number of samples required before the tuner
	// evaluates a kind. Default: 20.
	MinSamples int

	// Factor is the multiplicative split increase per breach. Default: 2.
	Factor int

	// MaxFactor caps the recommended factor. Default: 8.
	MaxFactor int

	// Cooldown is the minimum time between signals for one kind.
	// Default: 1m.
	Cooldown time.Duration

	// HotMultiplier scales a kind's objective into the scheduler's
	// hot-shard threshold. Default: 2.0.
	HotMultiplier float64

	// DefaultObjective is the p95 latency objective applied to kinds
	// with no explicit entry. Zero disables tuning for such kinds.
	DefaultObjective time.Duration

	// Objectives holds per-kind p95 latency objectives.
	Objectives map[string]time.Duration
}

// DefaultConfig returns production defaults with no objectives set;
// callers list the kinds they want tuned.
func DefaultConfig() Config {
	return Config{
		WindowSize:    256,
		MinSamples:    20,
		Factor:        2,
		MaxFactor:     8,
		Cooldown:      time.Minute,
		HotMultiplier: 2.0,
	}
}

// KindResolver maps a plan ID to its plan so event telemetry, which
// carries only plan and shard IDs, can be attributed to a job kind.
// The scheduler satisfies it.
type KindResolver interface {
	Plan(planID string) (shard.Plan, bool)
}

// window is a fixed-size ring of duration samples in milliseconds.
type window struct {
	samples []float64
	next    int
	full    bool
}

func (w *window) add(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) size() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// p95 returns the 95th percentile over the current samples.
func (w *window) p95() float64 {
	n := w.size()
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	sort.Float64s(sorted)
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

// Tuner is the adaptive partitioning advisor.
//
// Thread Safety: safe for concurrent use.
type Tuner struct {
	cfg      Config
	resolver KindResolver
	pub      events.Publisher
	logger   *slog.Logger

	mu         sync.Mutex
	windows    map[string]*window
	factors    map[string]int
	lastSignal map[string]time.Time

	subID string
	now   func() time.Time
}

// New creates a tuner. The resolver may be nil when callers feed
// samples through Observe directly.
func New(cfg Config, resolver KindResolver, pub events.Publisher, logger *slog.Logger) *Tuner {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Factor < 2 {
		cfg.Factor = def.Factor
	}
	if cfg.MaxFactor < cfg.Factor {
		cfg.MaxFactor = def.MaxFactor
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HotMultiplier <= 0 {
		cfg.HotMultiplier = def.HotMultiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{
		cfg:        cfg,
		resolver:   resolver,
		pub:        pub,
		logger:     logger,
		windows:    make(map[string]*window),
		factors:    make(map[string]int),
		lastSignal: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Attach subscribes the tuner to shard completion telemetry.
func (t *Tuner) Attach(emitter *events.Emitter) {
	t.subID = emitter.Subscribe(t.handle, events.TypeShardDone, events.TypeShardFailed)
}

// Detach removes the telemetry subscription.
func (t *Tuner) Detach(emitter *events.Emitter) {
	if t.subID != "" {
		emitter.Unsubscribe(t.subID)
		t.subID = ""
	}
}

func (t *Tuner) handle(ev *events.Event) {
	switch data := ev.Data.(type) {
	case events.ShardDoneData:
		kind, ok := t.kindOf(data.PlanID)
		if !ok {
			return
		}
		t.Observe(kind, time.Duration(data.DurationMs)*time.Millisecond)
	case events.ShardFailedData:
		// Only timeouts say anything about latency. A timed-out shard
		// ran at least to its deadline, so it lands as an
		// objective-breaching sample.
		if data.Classification != shard.FailTimeout {
			return
		}
		kind, ok := t.kindOf(data.PlanID)
		if !ok {
			return
		}
		if slo, ok := t.objective(kind); ok {
			t.Observe(kind, 2*slo)
		}
	}
}

func (t *Tuner) kindOf(planID string) (string, bool) {
	if t.resolver == nil {
		return "", false
	}
	p, ok := t.resolver.Plan(planID)
	if !ok {
		return "", false
	}
	return p.JobKind, true
}

func (t *Tuner) objective(kind string) (time.Duration, bool) {
	if slo, ok := t.cfg.Objectives[kind]; ok && slo > 0 {
		return slo, true
	}
	if t.cfg.DefaultObjective > 0 {
		return t.cfg.DefaultObjective, true
	}
	return 0, false
}

// Observe records one shard duration sample for a kind and evaluates
// the kind's objective.
func (t *Tuner) Observe(kind string, d time.Duration) {
	slo, ok := t.objective(kind)
	if !ok {
		return
	}

	t.mu.Lock()
	w := t.windows[kind]
	if w == nil {
		w = &window{samples: make([]float64, t.cfg.WindowSize)}
		t.windows[kind] = w
	}
	w.add(float64(d.Milliseconds()))

	if w.size() < t.cfg.MinSamples {
		t.mu.Unlock()
		return
	}

	p95 := w.p95()
	observedP95.WithLabelValues(kind).Set(p95)
	if p95 <= float64(slo.Milliseconds()) {
		t.mu.Unlock()
		return
	}
	if since := t.now().Sub(t.lastSignal[kind]); since < t.cfg.Cooldown {
		t.mu.Unlock()
		return
	}

	factor := t.factors[kind]
	if factor < 1 {
		factor = 1
	}
	factor *= t.cfg.Factor
	if factor > t.cfg.MaxFactor {
		factor = t.cfg.MaxFactor
	}
	t.factors[kind] = factor
	t.lastSignal[kind] = t.now()
	t.mu.Unlock()

	signalsTotal.WithLabelValues(kind).Inc()
	t.logger.Info("latency objective breached, recommending split",
		slog.String("job_kind", kind),
		slog.Float64("p95_ms", p95),
		slog.Int64("objective_ms", slo.Milliseconds()),
		slog.Int("factor", factor))

	if t.pub != nil {
		t.pub.Publish(events.TypeAutotuneSignal, events.AutotuneSignalData{
			JobKind: kind,
			Action:  ActionSplit,
			Factor:  factor,
			P95Ms:   p95,
		})
	}
}

// SplitFactor returns the current recommended split factor for a kind.
// Kinds with no breach history stay at 1 (no change).
func (t *Tuner) SplitFactor(jobKind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.factors[jobKind]; ok {
		return f
	}
	return 1
}

// HotThreshold derives the scheduler's hot-shard threshold from the
// kind's latency objective. Kinds without an objective are never
// considered hot.
func (t *Tuner) HotThreshold(jobKind string) (time.Duration, bool) {
	slo, ok := t.objective(jobKind)
	if !ok {
		return 0, false
	}
	return time.Duration(float64(slo) * t.cfg.HotMultiplier), true
}

// P95 exposes the current rolling p95 for a kind, in milliseconds.
func (t *Tuner) P95(jobKind string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.windows[jobKind]
	if w == nil || w.size() == 0 {
		return 0, false
	}
	return w.p95(), true
}
