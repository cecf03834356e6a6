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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"agentgate/platform/provider"
)

// stubAdapter is a scripted provider.Adapter that records invocations.
type stubAdapter struct {
	name  string
	reply string
	fail  error

	mu       sync.Mutex
	requests []provider.Request
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Complete(_ context.Context, req provider.Request) (*provider.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.fail != nil {
		return nil, s.fail
	}
	return &provider.Result{
		Text:         s.reply,
		InputTokens:  1000,
		OutputTokens: 1000,
	}, nil
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// flatPricing prices every listed provider at a fixed cost of $0.40 for
// the stub's reported 1000+1000 tokens.
func flatPricing(providers ...string) *PricingConfig {
	p := &PricingConfig{Providers: map[string]map[string]ModelPricing{}}
	for _, name := range providers {
		p.SetModelPricing(name, "*", ModelPricing{InputPer1K: 0.2, OutputPer1K: 0.2})
	}
	return p
}

func setupTestGateway(t *testing.T, routes []Route, policy Policy, adapters ...*stubAdapter) (*Gateway, *MemorySink) {
	t.Helper()

	registry := provider.NewRegistry()
	names := make([]string, 0, len(adapters))
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("failed to register %s: %v", a.name, err)
		}
		names = append(names, a.name)
	}

	sink := NewMemorySink()
	gw := New(routes, registry,
		WithPolicy(policy),
		WithAuditSink(sink),
		WithPricing(flatPricing(names...)),
	)
	return gw, sink
}

func twoEntryRoute(caps RouteCaps) Route {
	return Route{
		Name: "reasoning",
		Caps: caps,
		Plan: []PlanEntry{
			{Provider: "p1", Model: "m1", Temperature: 0.2},
			{Provider: "p2", Model: "m2", Temperature: 0.2},
		},
	}
}

func defaultCaps() RouteCaps {
	return RouteCaps{
		MaxInputTokens:  10000,
		MaxOutputTokens: 2048,
		MaxTemperature:  1.0,
	}
}

func TestRunSuccess(t *testing.T) {
	p1 := &stubAdapter{name: "p1", reply: "hello from p1"}
	p2 := &stubAdapter{name: "p2", reply: "hello from p2"}
	gw, sink := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p1, p2)

	resp, err := gw.Run(context.Background(), Request{
		RunID:  "run-1",
		Route:  "reasoning",
		Prompt: "say hello",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Text != "hello from p1" {
		t.Errorf("Text = %q, want reply from first plan entry", resp.Text)
	}
	if resp.Usage.Provider != "p1" || resp.Usage.InputTokens != 1000 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if math.Abs(resp.Usage.CostUSD-0.40) > 1e-9 {
		t.Errorf("CostUSD = %f, want 0.40", resp.Usage.CostUSD)
	}
	if p2.callCount() != 0 {
		t.Error("second plan entry called despite first succeeding")
	}

	events := sink.EventsForRun("run-1")
	if len(events) != 2 || events[0].Type != EventCallStart || events[1].Type != EventCallEnd {
		t.Errorf("audit events = %v, want [CALL_START CALL_END]", eventTypes(events))
	}

	snap := gw.Meters().Snapshot(context.Background(), "run-1")
	if snap.RunCalls != 1 || snap.DayCalls != 1 {
		t.Errorf("meters after success: %+v", snap)
	}
}

func TestRunNoFallbackPastDenial(t *testing.T) {
	p1 := &stubAdapter{name: "p1", reply: "should never run"}
	p2 := &stubAdapter{name: "p2", reply: "should never run either"}

	// Entry 1's provider is not on the allow-list; entry 2's is. The
	// denial must stop the whole call, not skip to entry 2.
	policy := Policy{
		EnforceAllowLists: true,
		AllowedProviders:  map[string]bool{"p2": true},
		AllowedModels:     map[string]bool{"m1": true, "m2": true},
	}
	gw, sink := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, policy, p1, p2)

	_, err := gw.Run(context.Background(), Request{RunID: "run-1", Route: "reasoning", Prompt: "hi"})
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected DenialError, got %v", err)
	}
	if denial.Reason != ReasonProviderNotAllowed {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonProviderNotAllowed)
	}
	if p1.callCount() != 0 || p2.callCount() != 0 {
		t.Error("a provider was invoked despite the denial")
	}

	events := sink.EventsForRun("run-1")
	if len(events) != 1 || events[0].Type != EventCallDenied {
		t.Errorf("audit events = %v, want [CALL_DENIED]", eventTypes(events))
	}
}

func TestRunSequentialExhaustion(t *testing.T) {
	bang := fmt.Errorf("connection refused")
	p1 := &stubAdapter{name: "p1", fail: bang}
	p2 := &stubAdapter{name: "p2", fail: bang}
	gw, sink := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p1, p2)

	_, err := gw.Run(context.Background(), Request{RunID: "run-1", Route: "reasoning", Prompt: "hi"})
	var exhausted *PlanExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected PlanExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", exhausted.Attempts)
	}
	if exhausted.Route != "reasoning" {
		t.Errorf("Route = %q, want reasoning", exhausted.Route)
	}

	var lastAttempt *AttemptError
	if !errors.As(exhausted.LastErr, &lastAttempt) || lastAttempt.Provider != "p2" {
		t.Errorf("LastErr should reference the final attempt, got %v", exhausted.LastErr)
	}

	if p1.callCount() != 1 || p2.callCount() != 1 {
		t.Errorf("attempt counts = (%d, %d), want (1, 1)", p1.callCount(), p2.callCount())
	}

	// Per-attempt ordering: start/fail for p1, then start/fail for p2.
	events := sink.EventsForRun("run-1")
	want := []EventType{EventCallStart, EventCallFail, EventCallStart, EventCallFail}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("audit events = %v, want %v", got, want)
		}
	}

	snap := gw.Meters().Snapshot(context.Background(), "run-1")
	if snap.RunFailures != 2 || snap.DayCalls != 0 {
		t.Errorf("meters after exhaustion: %+v", snap)
	}
}

func TestRunFallbackToSecondEntry(t *testing.T) {
	p1 := &stubAdapter{name: "p1", fail: fmt.Errorf("upstream down")}
	p2 := &stubAdapter{name: "p2", reply: "recovered"}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p1, p2)

	resp, err := gw.Run(context.Background(), Request{RunID: "run-1", Route: "reasoning", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Text = %q, want fallback entry's reply", resp.Text)
	}

	snap := gw.Meters().Snapshot(context.Background(), "run-1")
	if snap.RunFailures != 1 || snap.RunCalls != 1 {
		t.Errorf("meters = %+v, want 1 failure and 1 call", snap)
	}
}

func TestRunRouteCallCapScenario(t *testing.T) {
	// Route with maxCallsPerRun=1: the first call succeeds via p1, the
	// second call in the same run is denied and p2 is never invoked.
	caps := defaultCaps()
	caps.MaxCallsPerRun = 1

	p1 := &stubAdapter{name: "p1", reply: "first"}
	p2 := &stubAdapter{name: "p2", reply: "second"}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(caps)}, Policy{}, p1, p2)

	if _, err := gw.Run(context.Background(), Request{RunID: "run-x", Route: "reasoning", Prompt: "one"}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	_, err := gw.Run(context.Background(), Request{RunID: "run-x", Route: "reasoning", Prompt: "two"})
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected DenialError on second call, got %v", err)
	}
	if denial.Reason != ReasonRouteCallCap {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonRouteCallCap)
	}
	if p1.callCount() != 1 || p2.callCount() != 0 {
		t.Errorf("call counts = (%d, %d), want (1, 0)", p1.callCount(), p2.callCount())
	}

	// A different run is unaffected.
	if _, err := gw.Run(context.Background(), Request{RunID: "run-y", Route: "reasoning", Prompt: "three"}); err != nil {
		t.Errorf("other run should not be capped: %v", err)
	}
}

func TestRunDailySpendAllowUntilExceeded(t *testing.T) {
	// Cap $1.00, each call costs $0.40. Calls 1-3 are allowed (spend
	// 0.40, 0.80, 1.20); call 4 is denied.
	p1 := &stubAdapter{name: "p1", reply: "ok"}
	p2 := &stubAdapter{name: "p2", reply: "ok"}
	policy := Policy{DailySpendCapUSD: 1.00}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, policy, p1, p2)

	for i := 1; i <= 3; i++ {
		runID := fmt.Sprintf("run-%d", i)
		if _, err := gw.Run(context.Background(), Request{RunID: runID, Route: "reasoning", Prompt: "hi"}); err != nil {
			t.Fatalf("call %d should be allowed: %v", i, err)
		}
	}

	snap := gw.Meters().Snapshot(context.Background(), "run-4")
	if math.Abs(snap.USDSpent-1.20) > 1e-9 {
		t.Fatalf("spend after three calls = %f, want 1.20", snap.USDSpent)
	}

	_, err := gw.Run(context.Background(), Request{RunID: "run-4", Route: "reasoning", Prompt: "hi"})
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected fourth call denied, got %v", err)
	}
	if denial.Reason != ReasonDailySpendCap {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonDailySpendCap)
	}
}

func TestRunUnknownRoute(t *testing.T) {
	p1 := &stubAdapter{name: "p1", reply: "ok"}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p1)

	_, err := gw.Run(context.Background(), Request{RunID: "run-1", Route: "nonexistent", Prompt: "hi"})
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected DenialError, got %v", err)
	}
	if denial.Reason != ReasonUnconfiguredRoute {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonUnconfiguredRoute)
	}
}

func TestRunProviderOverridePrepended(t *testing.T) {
	p1 := &stubAdapter{name: "p1", reply: "plan reply"}
	override := &stubAdapter{name: "override", reply: "override reply"}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p1, override)

	resp, err := gw.Run(context.Background(), Request{
		RunID:    "run-1",
		Route:    "reasoning",
		Prompt:   "hi",
		Provider: "override",
		Model:    "custom-model",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Text != "override reply" {
		t.Errorf("Text = %q, want the override provider's reply", resp.Text)
	}
	if p1.callCount() != 0 {
		t.Error("plan entry called despite override succeeding")
	}
}

func TestRunProviderOverrideStillGuarded(t *testing.T) {
	p1 := &stubAdapter{name: "p1", reply: "plan reply"}
	override := &stubAdapter{name: "override", reply: "never"}

	policy := Policy{
		EnforceAllowLists: true,
		AllowedProviders:  map[string]bool{"p1": true, "p2": true},
		AllowedModels:     map[string]bool{"m1": true, "m2": true},
	}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, policy, p1, override)

	// The override gets no guardrail exemption: an off-list provider is
	// a denial, and the route's own plan is not consulted afterwards.
	_, err := gw.Run(context.Background(), Request{
		RunID:    "run-1",
		Route:    "reasoning",
		Prompt:   "hi",
		Provider: "override",
		Model:    "custom-model",
	})
	var denial *DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected DenialError, got %v", err)
	}
	if override.callCount() != 0 || p1.callCount() != 0 {
		t.Error("a provider was invoked despite the denial")
	}
}

func TestRunUnknownProviderCountsAsFailure(t *testing.T) {
	// Entry 1 names a provider that is not registered; it must count as
	// a failure and fall through to entry 2.
	p2 := &stubAdapter{name: "p2", reply: "ok"}
	gw, sink := setupTestGateway(t, []Route{twoEntryRoute(defaultCaps())}, Policy{}, p2)

	resp, err := gw.Run(context.Background(), Request{RunID: "run-1", Route: "reasoning", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("Text = %q, want reply from entry 2", resp.Text)
	}

	events := sink.EventsForRun("run-1")
	foundFail := false
	for _, e := range events {
		if e.Type == EventCallFail && e.Detail["code"] == ErrCodeUnknownProvider {
			foundFail = true
		}
	}
	if !foundFail {
		t.Errorf("expected a CALL_FAIL with unknown_provider, events: %v", eventTypes(events))
	}
}

func TestRunClampsSamplingParameters(t *testing.T) {
	caps := defaultCaps()
	caps.MaxTemperature = 0.5
	caps.MaxOutputTokens = 100

	p1 := &stubAdapter{name: "p1", reply: "ok"}
	p2 := &stubAdapter{name: "p2", reply: "ok"}
	gw, _ := setupTestGateway(t, []Route{twoEntryRoute(caps)}, Policy{}, p1, p2)

	hot := 2.0
	if _, err := gw.Run(context.Background(), Request{
		RunID:           "run-1",
		Route:           "reasoning",
		Prompt:          "hi",
		Temperature:     &hot,
		MaxOutputTokens: 9999,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	p1.mu.Lock()
	req := p1.requests[0]
	p1.mu.Unlock()
	if req.Temperature != 0.5 {
		t.Errorf("Temperature = %f, want clamped to 0.5", req.Temperature)
	}
	if req.MaxOutputTokens != 100 {
		t.Errorf("MaxOutputTokens = %d, want clamped to 100", req.MaxOutputTokens)
	}
}

func TestClassifyAttemptError(t *testing.T) {
	t.Run("registry miss", func(t *testing.T) {
		err := &provider.RegistryError{Code: provider.ErrCodeNotRegistered, Provider: "ghost"}
		attempt := classifyAttemptError("ghost", "m", err)
		if attempt.Code != ErrCodeUnknownProvider {
			t.Errorf("Code = %q, want %q", attempt.Code, ErrCodeUnknownProvider)
		}
	})
	t.Run("api error", func(t *testing.T) {
		err := &provider.APIError{Provider: "p", StatusCode: 429, Body: "rate limited"}
		attempt := classifyAttemptError("p", "m", err)
		if attempt.Code != ErrCodeHTTP || attempt.StatusCode != 429 {
			t.Errorf("got (%q, %d), want (http_error, 429)", attempt.Code, attempt.StatusCode)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		attempt := classifyAttemptError("p", "m", fmt.Errorf("call: %w", context.DeadlineExceeded))
		if attempt.Code != ErrCodeTimeout {
			t.Errorf("Code = %q, want %q", attempt.Code, ErrCodeTimeout)
		}
	})
	t.Run("other", func(t *testing.T) {
		attempt := classifyAttemptError("p", "m", fmt.Errorf("connection reset"))
		if attempt.Code != ErrCodeNetwork {
			t.Errorf("Code = %q, want %q", attempt.Code, ErrCodeNetwork)
		}
	})
}

func TestEstimateInputTokens(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "abcdefgh"}} // 8 chars
	if got := estimateInputTokens(msgs); got != 2 {
		t.Errorf("estimateInputTokens = %d, want 2", got)
	}
	if got := estimateInputTokens([]Message{{Content: "ab"}}); got != 1 {
		t.Errorf("short content should round up to 1 token, got %d", got)
	}
	if got := estimateInputTokens(nil); got != 0 {
		t.Errorf("no content should be 0 tokens, got %d", got)
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
