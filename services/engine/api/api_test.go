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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hypershard/services/engine"
	"github.com/AleutianAI/hypershard/services/engine/checkpoint"
	"github.com/AleutianAI/hypershard/services/engine/events"
	"github.com/AleutianAI/hypershard/services/engine/executor"
	"github.com/AleutianAI/hypershard/services/engine/heal"
	"github.com/AleutianAI/hypershard/services/engine/partition"
	"github.com/AleutianAI/hypershard/services/engine/scheduler"
	"github.com/AleutianAI/hypershard/services/engine/shard"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testStrategyFile binds the test job kinds through the registry's
// external-file path. The "tiny" kind carries a two-shard ceiling.
func testStrategyFile(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	data := `bindings:
  - job_kind: mirror
    strategy: by_module
  - job_kind: tiny
    strategy: by_module
    params:
      max_shards: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	t.Setenv(partition.EnvStrategyPath, path)
}

// digestExecutor hashes each shard's payload.
type digestExecutor struct {
	kind  string
	delay time.Duration
}

func (e *digestExecutor) Kind() string     { return e.kind }
func (e *digestExecutor) Idempotent() bool { return true }

func (e *digestExecutor) Execute(ctx context.Context, sh shard.Shard) (shard.Result, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
		}
	}
	sum := sha256.Sum256(sh.Payload.Body)
	return shard.Result{Digest: hex.EncodeToString(sum[:])}, nil
}

type apiHarness struct {
	eng    *engine.Engine
	srv    *httptest.Server
	client *http.Client
}

func testEngineConfig() engine.Config {
	return engine.Config{
		Scheduler: scheduler.Config{
			MaxConcurrency: 4,
			QueueDepth:     64,
			ShardTimeout:   5 * time.Second,
		},
		Heal: heal.Config{
			MaxAttemptsPerStrategy: 3,
			InitialBackoff:         time.Millisecond,
			MaxBackoff:             2 * time.Millisecond,
			BackoffFactor:          2.0,
			ExecTimeout:            time.Second,
			QueueSize:              32,
		},
		SpotCheckProofs: 4,
	}
}

func newAPIHarness(t *testing.T, engCfg engine.Config, apiCfg Config, execs ...executor.Executor) *apiHarness {
	t.Helper()

	store, err := checkpoint.Open(checkpoint.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := executor.NewRegistry()
	for _, ex := range execs {
		require.NoError(t, reg.Register(ex))
	}
	guard := executor.NewGuard(reg, executor.NewMemoryEffects(), nil)

	preg, err := partition.NewRegistry(nil)
	require.NoError(t, err)
	t.Cleanup(func() { preg.Close() })

	eng, err := engine.New(engCfg, store, guard, preg, events.NewEmitter(), nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	router := gin.New()
	SetupRoutes(router, eng, apiCfg)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiHarness{eng: eng, srv: srv, client: srv.Client()}
}

func (h *apiHarness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := h.client.Post(h.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (h *apiHarness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func moduleSpec(t *testing.T, n int) json.RawMessage {
	t.Helper()
	items := make([]partition.Item, n)
	for i := range items {
		name := fmt.Sprintf("item-%02d", i)
		items[i] = partition.Item{Name: name, Module: name}
	}
	data, err := json.Marshal(partition.WorkSpec{Items: items})
	require.NoError(t, err)
	return data
}

// waitForStatus polls the status endpoint until the plan reaches the
// wanted state.
func (h *apiHarness) waitForStatus(t *testing.T, planID string, want shard.PlanStatus) engine.Status {
	t.Helper()
	var status engine.Status
	require.Eventually(t, func() bool {
		resp := h.get(t, "/v1/plans/"+planID+"/status")
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		status = decodeBody[engine.Status](t, resp)
		return status.Status == want
	}, 10*time.Second, 20*time.Millisecond, "waiting for plan %s to reach %s", planID, want)
	return status
}

func TestSubmitPlan_RunsToCertified(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 6),
		SLOMs:   60_000,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	planID := body["plan_id"]
	require.NotEmpty(t, planID)

	status := h.waitForStatus(t, planID, shard.PlanCertified)
	assert.Equal(t, 6, status.ShardsTotal)
	assert.Equal(t, 6, status.ShardsDone)
	assert.Len(t, status.RootDigest, 64)
}

func TestSubmitPlan_MalformedBody(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp, err := h.client.Post(h.srv.URL+"/v1/plans", "application/json",
		strings.NewReader(`{"job_kind": `))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitPlan_ValidationErrors(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	// Missing job_kind.
	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{Spec: moduleSpec(t, 1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Contains(t, body["error"], "JobKind")

	// Missing spec.
	resp = h.postJSON(t, "/v1/plans", SubmitPlanRequest{JobKind: "mirror"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Job kind with no strategy binding.
	resp = h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "unbound_kind",
		Spec:    moduleSpec(t, 1),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitPlan_CyclicDependencyRejected(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	spec, err := json.Marshal(partition.WorkSpec{Items: []partition.Item{
		{Name: "a", Module: "a", Deps: []string{"b"}},
		{Name: "b", Module: "b", Deps: []string{"a"}},
	}})
	require.NoError(t, err)

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{JobKind: "mirror", Spec: spec})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Contains(t, body["error"], "cyclic dependency")
}

func TestSubmitPlan_ShardCeilingRejected(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "tiny"})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "tiny",
		Spec:    moduleSpec(t, 5),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitPlan_BackpressureReturns429(t *testing.T) {
	testStrategyFile(t)
	cfg := testEngineConfig()
	cfg.Scheduler.MaxConcurrency = 1
	cfg.Scheduler.QueueDepth = 2
	h := newAPIHarness(t, cfg, DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 8),
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestSubmitPlan_RateLimited(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(),
		Config{SubmitRatePerSecond: 0.001, SubmitBurst: 1},
		&digestExecutor{kind: "mirror"})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 1),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 1),
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestAbortPlan(t *testing.T) {
	testStrategyFile(t)
	cfg := testEngineConfig()
	cfg.Scheduler.MaxConcurrency = 1
	h := newAPIHarness(t, cfg, DefaultConfig(),
		&digestExecutor{kind: "mirror", delay: 30 * time.Millisecond})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 4),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	planID := decodeBody[map[string]string](t, resp)["plan_id"]

	resp = h.postJSON(t, "/v1/plans/"+planID+"/abort", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	h.waitForStatus(t, planID, shard.PlanAborted)

	resp = h.postJSON(t, "/v1/plans/missing/abort", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPlanStatus_NotFound(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp := h.get(t, "/v1/plans/nope/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/v1/plans/nope/report")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPlanReport_Verified(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 8),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	planID := decodeBody[map[string]string](t, resp)["plan_id"]
	h.waitForStatus(t, planID, shard.PlanCertified)

	resp = h.get(t, "/v1/plans/"+planID+"/report")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[engine.Report](t, resp)
	assert.True(t, report.Verified)
	assert.Empty(t, report.Corrupted)
	assert.NotEmpty(t, report.Proofs)
	assert.Len(t, report.Status.RootDigest, 64)
}

func TestHealthAndMetrics(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	resp := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamEvents_DeliversCertification(t *testing.T) {
	testStrategyFile(t)
	h := newAPIHarness(t, testEngineConfig(), DefaultConfig(), &digestExecutor{kind: "mirror"})

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events?types=plan.certified"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// First frame is the subscription acknowledgment.
	var ack map[string]any
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack["action"])
	assert.NotEmpty(t, ack["subscription_id"])

	resp := h.postJSON(t, "/v1/plans", SubmitPlanRequest{
		JobKind: "mirror",
		Spec:    moduleSpec(t, 3),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	planID := decodeBody[map[string]string](t, resp)["plan_id"]

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var frame struct {
		Type events.Type `json:"type"`
		Data struct {
			PlanID     string `json:"plan_id"`
			RootDigest string `json:"root_digest"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, events.TypePlanCertified, frame.Type)
	assert.Equal(t, planID, frame.Data.PlanID)
	assert.Len(t, frame.Data.RootDigest, 64)
}
