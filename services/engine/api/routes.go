// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the HyperShard engine over HTTP: plan submission,
// abort, status, reports, and a websocket event stream. It is a thin
// layer over the engine facade; all semantics live below it.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hypershard/services/engine"
)

// Config tunes the API surface.
type Config struct {
	// SubmitRatePerSecond is the sustained plan-submission rate.
	// Default: 10.
	SubmitRatePerSecond float64

	// SubmitBurst is the submission burst allowance. Default: 20.
	SubmitBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubmitRatePerSecond: 10,
		SubmitBurst:         20,
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SetupRoutes registers the engine's HTTP surface on a gin router.
func SetupRoutes(router *gin.Engine, eng *engine.Engine, cfg Config) {
	if cfg.SubmitRatePerSecond <= 0 {
		cfg.SubmitRatePerSecond = DefaultConfig().SubmitRatePerSecond
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = DefaultConfig().SubmitBurst
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSecond), cfg.SubmitBurst)

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		plans := v1.Group("/plans")
		{
			plans.POST("", SubmitPlan(eng, limiter))
			plans.POST("/:planId/abort", AbortPlan(eng))
			plans.GET("/:planId/status", GetPlanStatus(eng))
			plans.GET("/:planId/report", GetPlanReport(eng))
		}
		v1.GET("/events", StreamEvents(eng.Events()))
	}
}
