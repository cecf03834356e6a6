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

// Policy holds the global guardrail configuration shared by every route.
// Zero-valued caps (0 or 0.0) mean "not configured" and are not enforced,
// except the per-run limits which always apply.
type Policy struct {
	// EnforceAllowLists gates the provider/model allow-list checks.
	EnforceAllowLists bool
	AllowedProviders  map[string]bool
	AllowedModels     map[string]bool

	// MaxRequestsPerRun caps total calls per run across all routes.
	MaxRequestsPerRun int

	// MaxFailuresPerRun caps counted failures per run.
	MaxFailuresPerRun int

	// DailyCallCap caps total successful calls per UTC day (0 = off).
	DailyCallCap int

	// DailySpendCapUSD caps daily spend in USD (0 = off). The cap is
	// enforced allow-until-exceeded: a call is denied only once recorded
	// spend has already reached the cap, never predictively.
	DailySpendCapUSD float64
}

// Candidate is one (route, provider, model) combination under evaluation,
// with the request-derived quantities the guardrails inspect.
type Candidate struct {
	// Route is nil when the requested route is not configured.
	Route     *Route
	RouteName string

	Provider string
	Model    string

	// InputTokens is the heuristic estimate of the prompt size.
	InputTokens int

	// OutputTokens is the requested completion size after clamping.
	OutputTokens int

	// RequireCostEstimate and HasCostEstimate drive the final check:
	// a caller may insist that unpriced calls are not placed at all.
	RequireCostEstimate bool
	HasCostEstimate     bool
}

// Decision is the outcome of a guardrail evaluation. Denials carry a stable
// machine-checkable reason plus the violated quantity and its limit; callers
// must never infer the cause by parsing prose.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Denial reason codes.
const (
	ReasonUnconfiguredRoute   = "unconfigured_route"
	ReasonEmptyPlan           = "empty_plan"
	ReasonProviderNotAllowed  = "provider_not_allowed"
	ReasonModelNotAllowed     = "model_not_allowed"
	ReasonInputTokenCap       = "input_token_cap_exceeded"
	ReasonOutputTokenCap      = "output_token_cap_exceeded"
	ReasonRouteCallCap        = "route_call_cap_exceeded"
	ReasonRunRequestCap       = "run_request_cap_exceeded"
	ReasonRunFailureCap       = "run_failure_cap_exceeded"
	ReasonDailyCallCap        = "daily_call_cap_exceeded"
	ReasonDailySpendCap       = "daily_spend_cap_exceeded"
	ReasonCostEstimateMissing = "cost_estimate_unavailable"
)

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string, detail map[string]any) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Evaluate runs the ordered guardrail checks for one candidate against a
// meters snapshot. It is a pure function: no I/O, no mutation. Checks
// short-circuit on the first violation.
func Evaluate(c Candidate, m MeterSnapshot, p Policy) Decision {
	// 1. Route must exist and have caps configured.
	if c.Route == nil {
		return deny(ReasonUnconfiguredRoute, map[string]any{"route": c.RouteName})
	}
	caps := c.Route.Caps

	// 2. Allow-lists.
	if p.EnforceAllowLists {
		if !p.AllowedProviders[c.Provider] {
			return deny(ReasonProviderNotAllowed, map[string]any{"provider": c.Provider})
		}
		if !p.AllowedModels[c.Model] {
			return deny(ReasonModelNotAllowed, map[string]any{"model": c.Model})
		}
	}

	// 3. Input token estimate vs route cap.
	if caps.MaxInputTokens > 0 && c.InputTokens > caps.MaxInputTokens {
		return deny(ReasonInputTokenCap, map[string]any{
			"input_tokens": c.InputTokens,
			"limit":        caps.MaxInputTokens,
		})
	}

	// 4. Output token request vs route cap. The gateway clamps before
	// evaluating, so this only trips on a misconfigured route.
	if caps.MaxOutputTokens > 0 && c.OutputTokens > caps.MaxOutputTokens {
		return deny(ReasonOutputTokenCap, map[string]any{
			"output_tokens": c.OutputTokens,
			"limit":         caps.MaxOutputTokens,
		})
	}

	// 5. Per-run call caps: the route's own cap and the global cap.
	if caps.MaxCallsPerRun > 0 && m.RunCalls >= caps.MaxCallsPerRun {
		return deny(ReasonRouteCallCap, map[string]any{
			"run_calls": m.RunCalls,
			"limit":     caps.MaxCallsPerRun,
		})
	}
	if p.MaxRequestsPerRun > 0 && m.RunCalls >= p.MaxRequestsPerRun {
		return deny(ReasonRunRequestCap, map[string]any{
			"run_calls": m.RunCalls,
			"limit":     p.MaxRequestsPerRun,
		})
	}

	// 6. Per-run failure cap.
	if p.MaxFailuresPerRun > 0 && m.RunFailures >= p.MaxFailuresPerRun {
		return deny(ReasonRunFailureCap, map[string]any{
			"run_failures": m.RunFailures,
			"limit":        p.MaxFailuresPerRun,
		})
	}

	// 7. Daily call cap.
	if p.DailyCallCap > 0 && m.DayCalls >= p.DailyCallCap {
		return deny(ReasonDailyCallCap, map[string]any{
			"day_calls": m.DayCalls,
			"limit":     p.DailyCallCap,
		})
	}

	// 8. Daily spend cap, allow-until-exceeded: only already-recorded
	// spend counts, the candidate's own estimated cost does not.
	if p.DailySpendCapUSD > 0 && m.USDSpent >= p.DailySpendCapUSD {
		return deny(ReasonDailySpendCap, map[string]any{
			"usd_spent": m.USDSpent,
			"limit":     p.DailySpendCapUSD,
		})
	}

	// 9. Required cost estimate.
	if c.RequireCostEstimate && !c.HasCostEstimate {
		return deny(ReasonCostEstimateMissing, map[string]any{
			"provider": c.Provider,
			"model":    c.Model,
		})
	}

	return allow()
}
