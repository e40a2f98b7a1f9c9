// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/hypershard/pkg/logging"
	"github.com/AleutianAI/hypershard/services/engine"
	"github.com/AleutianAI/hypershard/services/engine/api"
	"github.com/AleutianAI/hypershard/services/engine/checkpoint"
	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/partition"
	"github.com/AleutianAI/hypershard/services/engine/telemetry"
)

const serviceName = "hypershard"

// runServe wires the daemon: logging, telemetry, the checkpoint store,
// the guarded executor registry, partition strategies, the engine, and
// the HTTP API. Blocks until SIGINT or SIGTERM, then drains.
func runServe(cmd *cobra.Command, args []string) {
	logger := logging.New(logging.Config{
		Level:   parseLogLevel(logLevel),
		LogDir:  logDir,
		Service: serviceName,
		JSON:    logJSON,
		Quiet:   quiet,
	})
	defer logger.Close()
	slogger := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.ServiceName = serviceName
	telemetryCfg.ServiceVersion = version
	telemetryCfg.TraceExporter = traceExporter
	telemetryCfg.MetricExporter = metricExporter
	telemetryCfg.SampleRate = sampleRate
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := checkpoint.Open(checkpoint.DefaultConfig(expandHome(storePath)))
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	execReg := executor.NewRegistry()
	if err := executor.RegisterBuiltins(execReg); err != nil {
		log.Fatalf("Failed to register builtin executors: %v", err)
	}
	// Effect markers share the checkpoint database, so idempotency
	// survives restarts alongside the shard records.
	guard := executor.NewGuard(execReg, store.Effects(), slogger)

	if strategyPath != "" {
		os.Setenv(partition.EnvStrategyPath, strategyPath)
	}
	registry, err := partition.NewRegistry(slogger)
	if err != nil {
		log.Fatalf("Failed to load partition strategies: %v", err)
	}
	if err := registry.Watch(); err != nil {
		logger.Warn("strategy hot reload unavailable", "error", err)
	}
	defer registry.Close()

	cfg := engine.DefaultConfig()
	if maxConcurrency > 0 {
		cfg.Scheduler.MaxConcurrency = maxConcurrency
	}
	if queueDepth > 0 {
		cfg.Scheduler.QueueDepth = queueDepth
	}
	if shardTimeout > 0 {
		cfg.Scheduler.ShardTimeout = shardTimeout
	}

	eng, err := engine.New(cfg, store, guard, registry, events.NewEmitter(), slogger)
	if err != nil {
		log.Fatalf("Failed to construct engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Stop()

	apiCfg := api.DefaultConfig()
	if submitRate > 0 {
		apiCfg.SubmitRatePerSecond = submitRate
	}
	if submitBurst > 0 {
		apiCfg.SubmitBurst = submitBurst
	}

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	api.SetupRoutes(router, eng, apiCfg)

	srv := &http.Server{Addr: listenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", listenAddr, "store", storePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
}

func parseLogLevel(s string) logging.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// expandHome resolves a leading ~ so the default store path works
// without shell expansion.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
