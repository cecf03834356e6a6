// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"agentgate/platform/gateway"
	"agentgate/platform/provider"
	"agentgate/platform/workflow"
)

type stubAdapter struct {
	name string
	text string
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Complete(_ context.Context, _ provider.Request) (*provider.Result, error) {
	return &provider.Result{Text: a.text, InputTokens: 5, OutputTokens: 5}, nil
}

func testRoutes() []gateway.Route {
	caps := gateway.RouteCaps{MaxInputTokens: 100000, MaxOutputTokens: 4096, MaxTemperature: 1.0}
	return []gateway.Route{
		{Name: gateway.RouteFastDraft, Caps: caps, Plan: []gateway.PlanEntry{{Provider: "stub", Model: "stub-1"}}},
	}
}

func newTestHandler(t *testing.T, policy gateway.Policy, adapters ...provider.Adapter) http.Handler {
	t.Helper()

	registry := provider.NewRegistry()
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	gw := gateway.New(testRoutes(), registry,
		gateway.WithPolicy(policy),
		gateway.WithAuditSink(gateway.NewMemorySink()),
	)

	engine := workflow.NewEngine(gw)
	err := engine.Register(workflow.Definition{
		Name: "ping",
		Handler: func(context.Context, *workflow.Context) (*workflow.Result, error) {
			return &workflow.Result{OK: true, Message: "pong"}, nil
		},
	})
	if err != nil {
		t.Fatalf("workflow registration failed: %v", err)
	}

	return NewServer(gw, engine).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "ok"})

	rec, body := doJSON(t, handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	workflows, _ := body["workflows"].([]any)
	if len(workflows) != 1 {
		t.Errorf("workflows = %v, want the registered one", body["workflows"])
	}
}

func TestLLMEndpointSuccess(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "drafted text"})

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/llm",
		`{"route":"fast-draft","run_id":"run-1","prompt":"write a draft"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["text"] != "drafted text" {
		t.Errorf("text = %v", body["text"])
	}
	usage, _ := body["usage"].(map[string]any)
	if usage["provider"] != "stub" {
		t.Errorf("usage = %v", usage)
	}
}

func TestLLMEndpointBadRequests(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "ok"})

	rec, _ := doJSON(t, handler, http.MethodPost, "/api/v1/llm", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body: status = %d, want 400", rec.Code)
	}

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/llm", `{"prompt":"no route"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing route: status = %d, want 400", rec.Code)
	}
	if body["error"] != "route is required" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestLLMEndpointDenied(t *testing.T) {
	// Allow-list enforcement with no allowed providers denies everything.
	policy := gateway.Policy{
		EnforceAllowLists: true,
		AllowedProviders:  map[string]bool{"someone-else": true},
	}
	handler := newTestHandler(t, policy, &stubAdapter{name: "stub", text: "ok"})

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/llm",
		`{"route":"fast-draft","run_id":"run-1","prompt":"hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body["error"] != "denied" {
		t.Errorf("error = %v", body["error"])
	}
	if body["reason"] != string(gateway.ReasonProviderNotAllowed) {
		t.Errorf("reason = %v, want %s", body["reason"], gateway.ReasonProviderNotAllowed)
	}
}

func TestLLMEndpointPlanExhausted(t *testing.T) {
	// No adapters registered, so the single plan entry fails and the route
	// runs out of candidates.
	handler := newTestHandler(t, gateway.Policy{})

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/llm",
		`{"route":"fast-draft","run_id":"run-1","prompt":"hi"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if body["error"] != "plan_exhausted" {
		t.Errorf("error = %v", body["error"])
	}
	if body["attempts"] != float64(1) {
		t.Errorf("attempts = %v, want 1", body["attempts"])
	}
}

func TestWorkflowEndpoint(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "ok"})

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/workflows/ping",
		`{"tenant_id":"tenant-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["ok"] != true || body["message"] != "pong" {
		t.Errorf("result = %v", body)
	}
	if body["state"] != string(workflow.StateExecuted) {
		t.Errorf("state = %v, want EXECUTED", body["state"])
	}
}

func TestWorkflowEndpointErrors(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "ok"})

	rec, _ := doJSON(t, handler, http.MethodPost, "/api/v1/workflows/ping", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body: status = %d, want 400", rec.Code)
	}

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/workflows/ping", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant: status = %d, want 400", rec.Code)
	}
	if body["error"] != "tenant_id is required" {
		t.Errorf("error = %v", body["error"])
	}

	rec, _ = doJSON(t, handler, http.MethodPost, "/api/v1/workflows/missing",
		`{"tenant_id":"tenant-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown workflow: status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler := newTestHandler(t, gateway.Policy{}, &stubAdapter{name: "stub", text: "ok"})

	rec, _ := doJSON(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics output looks empty")
	}
}
