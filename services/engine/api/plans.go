// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hypershard/services/engine"
	"github.com/AleutianAI/hypershard/services/engine/partition"
	"github.com/AleutianAI/hypershard/services/engine/scheduler"
)

var validate = validator.New()

// SubmitPlanRequest is the body of POST /v1/plans.
type SubmitPlanRequest struct {
	// PlanID is optional; the engine generates one when empty.
	PlanID string `json:"plan_id" validate:"omitempty,max=128"`

	// JobKind selects the partition strategy and executor family.
	JobKind string `json:"job_kind" validate:"required,max=128"`

	// Spec is the work specification, passed through to the partitioner.
	Spec json.RawMessage `json:"spec" validate:"required"`

	// SLOMs bounds the total plan duration, in milliseconds.
	SLOMs int64 `json:"slo_ms" validate:"gte=0"`
}

// SubmitPlan handles POST /v1/plans.
//
// Description:
//
//	Validates the submission, applies the admission rate limit, and
//	hands the plan to the engine. Rejections never persist anything:
//	the caller retries the whole submission.
//
// Status codes: 202 accepted, 400 validation or partition rejection,
// 422 shard ceiling exceeded, 429 rate limit or scheduler backpressure,
// 503 engine not started.
func SubmitPlan(eng *engine.Engine, limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "submission rate limit exceeded"})
			return
		}

		var req SubmitPlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
			return
		}

		planID, err := eng.Submit(c.Request.Context(), engine.SubmitRequest{
			PlanID:  req.PlanID,
			JobKind: req.JobKind,
			Spec:    req.Spec,
			SLO:     time.Duration(req.SLOMs) * time.Millisecond,
		})
		if err != nil {
			writeSubmitError(c, err)
			return
		}

		slog.Info("plan submitted", "plan_id", planID, "job_kind", req.JobKind)
		c.JSON(http.StatusAccepted, gin.H{"plan_id": planID})
	}
}

// AbortPlan handles POST /v1/plans/:planId/abort. The abort is
// asynchronous: in-flight shards drain and the plan settles as aborted.
func AbortPlan(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID := c.Param("planId")
		if err := eng.Abort(c.Request.Context(), planID); err != nil {
			if errors.Is(err, engine.ErrUnknownPlan) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown plan: " + planID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("plan abort requested", "plan_id", planID)
		c.JSON(http.StatusAccepted, gin.H{"plan_id": planID, "status": "aborting"})
	}
}

// GetPlanStatus handles GET /v1/plans/:planId/status.
func GetPlanStatus(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID := c.Param("planId")
		status, err := eng.PlanStatus(c.Request.Context(), planID)
		if err != nil {
			if errors.Is(err, engine.ErrUnknownPlan) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown plan: " + planID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// GetPlanReport handles GET /v1/plans/:planId/report: status plus the
// merkle root, sampled inclusion proofs, and the verification outcome.
func GetPlanReport(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		planID := c.Param("planId")
		report, err := eng.PlanReport(c.Request.Context(), planID)
		if err != nil {
			if errors.Is(err, engine.ErrUnknownPlan) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown plan: " + planID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// writeSubmitError maps engine submission errors to HTTP status codes.
func writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrScheduleRejected):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, partition.ErrTooManyShards):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, partition.ErrCyclicDependency),
		errors.Is(err, partition.ErrEmptySpec),
		errors.Is(err, partition.ErrUnknownItem),
		errors.Is(err, partition.ErrUnknownStrategy),
		errors.Is(err, engine.ErrInvalidSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		slog.Error("plan submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// validationMessage flattens validator field errors into one line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed '%s'", fe.Field(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(fields, ", ")
}
