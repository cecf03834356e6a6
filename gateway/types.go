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

// Package gateway is the single choke-point for every model call made on
// behalf of an agent workflow. It admits or denies each call against the
// guardrail policy, walks a route's provider fallback plan, meters spend and
// call volume, and emits an audit event for every attempt.
package gateway

import (
	"encoding/json"
	"time"
)

// Standard route names. Routes are logical purposes, not providers; the
// mapping from a route to concrete (provider, model) candidates lives in the
// route's plan.
const (
	RouteReasoning   = "reasoning"
	RouteLongContext = "long-context"
	RouteFastDraft   = "fast-draft"
	RouteClassify    = "classify"
	RouteEmergency   = "emergency"
)

// RouteCaps are the static resource limits attached to a route.
type RouteCaps struct {
	// MaxInputTokens bounds the estimated prompt size.
	MaxInputTokens int `json:"max_input_tokens" yaml:"max_input_tokens"`

	// MaxOutputTokens bounds the completion size. Caller requests are
	// clamped into [1, MaxOutputTokens] rather than rejected.
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`

	// MaxCallsPerRun bounds how many times one run may use this route.
	MaxCallsPerRun int `json:"max_calls_per_run" yaml:"max_calls_per_run"`

	// MaxTemperature is the sampling ceiling; caller values are clamped
	// into [0, MaxTemperature].
	MaxTemperature float64 `json:"max_temperature" yaml:"max_temperature"`

	// Timeout overrides the gateway's default per-attempt timeout when
	// non-zero. Long-context routes need materially more time.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// PlanEntry is one (provider, model) candidate in a route's fallback plan.
type PlanEntry struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`

	// Temperature is the default sampling temperature used when the
	// caller does not supply one.
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// Route binds a logical purpose to its caps and its ordered fallback plan.
// A route with an empty plan is unservable and is rejected at config time.
type Route struct {
	Name string     `json:"name" yaml:"name"`
	Caps RouteCaps  `json:"caps" yaml:"caps"`
	Plan []PlanEntry `json:"plan" yaml:"plan"`
}

// Message is a single chat message in the normalized request format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a gateway invocation. Either Messages or Prompt must be set;
// a bare Prompt is wrapped as a single user message.
type Request struct {
	// Caller identity.
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	Purpose string `json:"purpose"`

	// Route selects the caps and fallback plan.
	Route string `json:"route"`

	Prompt   string    `json:"prompt,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// Sampling overrides. Temperature nil means "use the plan entry's
	// default". MaxOutputTokens 0 means "use the route cap".
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`

	// Provider+Model, when both set, are prepended to the route's plan.
	// The override is still subject to every guardrail check.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// RequireCostEstimate denies the call when no pricing is known for
	// the selected (provider, model).
	RequireCostEstimate bool `json:"require_cost_estimate,omitempty"`
}

// Usage records what one successful call consumed. Token counts are
// provider-reported when available, estimated otherwise. CostUSD is a
// best-effort estimate and may be zero when pricing is unknown.
type Usage struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	CostUSD      float64       `json:"cost_usd"`
}

// Response is the normalized result of a successful gateway call.
type Response struct {
	Text string `json:"text"`

	// Raw is the provider's payload, kept for debugging only.
	Raw json.RawMessage `json:"raw,omitempty"`

	Usage Usage `json:"usage"`
}

// MeterSnapshot is a point-in-time view of the counters the guardrail
// engine consults. Day counters are UTC-day scoped; run counters are scoped
// to the requesting run id and survive day rollover.
type MeterSnapshot struct {
	Day         string  `json:"day"`
	USDSpent    float64 `json:"usd_spent"`
	DayCalls    int     `json:"day_calls"`
	RunCalls    int     `json:"run_calls"`
	RunFailures int     `json:"run_failures"`
}
