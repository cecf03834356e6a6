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
	"time"

	"agentgate/platform/provider"
	"agentgate/platform/shared/logger"
)

// charsPerToken is the fixed heuristic for estimating input tokens from
// message length. It only needs to catch gross overages; guardrails
// tolerate the imprecision.
const charsPerToken = 4

// defaultAttemptTimeout bounds a provider call when neither the route nor
// the gateway configuration says otherwise.
const defaultAttemptTimeout = 60 * time.Second

// Gateway is the public entry point for model calls. The fallback loop is
// strictly sequential: a later attempt's guardrail evaluation depends on
// the meter state mutated by the earlier attempt.
type Gateway struct {
	routes   map[string]Route
	policy   Policy
	registry *provider.Registry
	meters   MeterStore
	pricing  *PricingConfig
	sink     Sink
	log      *logger.Logger

	defaultTimeout time.Duration
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolicy sets the guardrail policy.
func WithPolicy(p Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// WithMeterStore substitutes the meter backend.
func WithMeterStore(m MeterStore) Option {
	return func(g *Gateway) { g.meters = m }
}

// WithAuditSink substitutes the audit sink.
func WithAuditSink(s Sink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithPricing sets the pricing table. A nil table means every cost is
// unknown, which is a legal (if conservative) configuration.
func WithPricing(p *PricingConfig) Option {
	return func(g *Gateway) { g.pricing = p }
}

// WithDefaultTimeout sets the per-attempt timeout used when a route has no
// override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.defaultTimeout = d }
}

// New creates a Gateway over a set of routes and a provider registry.
func New(routes []Route, registry *provider.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		routes:         make(map[string]Route, len(routes)),
		registry:       registry,
		meters:         NewMemoryMeters(),
		pricing:        LoadPricingFromEnv(),
		sink:           NewLogSink(),
		log:            logger.New("llm-gateway"),
		defaultTimeout: defaultAttemptTimeout,
	}
	for _, r := range routes {
		g.routes[r.Name] = r
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Routes returns the configured route names.
func (g *Gateway) Routes() []string {
	names := make([]string, 0, len(g.routes))
	for name := range g.routes {
		names = append(names, name)
	}
	return names
}

// Meters exposes the meter store (for the HTTP surface and tests).
func (g *Gateway) Meters() MeterStore {
	return g.meters
}

// estimateInputTokens applies the chars-per-token heuristic across all
// message contents.
func estimateInputTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// normalizeMessages wraps a bare prompt as a single user message.
func normalizeMessages(req Request) []Message {
	if len(req.Messages) > 0 {
		return req.Messages
	}
	return []Message{{Role: "user", Content: req.Prompt}}
}

// buildPlan assembles the fallback plan for one call. An explicit
// provider+model override is prepended to the route's static plan; it gets
// no exemption from any guardrail.
func buildPlan(req Request, route Route) []PlanEntry {
	if req.Provider == "" || req.Model == "" {
		return route.Plan
	}

	override := PlanEntry{Provider: req.Provider, Model: req.Model}
	if len(route.Plan) > 0 {
		override.Temperature = route.Plan[0].Temperature
	}
	plan := make([]PlanEntry, 0, len(route.Plan)+1)
	plan = append(plan, override)
	plan = append(plan, route.Plan...)
	return plan
}

func clampTemperature(req Request, entry PlanEntry, caps RouteCaps) float64 {
	temp := entry.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp < 0 {
		temp = 0
	}
	if temp > caps.MaxTemperature {
		temp = caps.MaxTemperature
	}
	return temp
}

func clampOutputTokens(req Request, caps RouteCaps) int {
	tokens := req.MaxOutputTokens
	if tokens <= 0 {
		tokens = caps.MaxOutputTokens
	}
	if tokens < 1 {
		tokens = 1
	}
	if caps.MaxOutputTokens > 0 && tokens > caps.MaxOutputTokens {
		tokens = caps.MaxOutputTokens
	}
	return tokens
}

func (g *Gateway) emit(event Event) {
	event.Timestamp = time.Now().UTC()
	g.sink.Publish(event)
}

func (g *Gateway) denied(req Request, providerTag, model string, dec Decision) error {
	detail := map[string]any{"reason": dec.Reason}
	for k, v := range dec.Detail {
		detail[k] = v
	}
	g.emit(Event{
		Type:     EventCallDenied,
		RunID:    req.RunID,
		AgentID:  req.AgentID,
		Purpose:  req.Purpose,
		Route:    req.Route,
		Provider: providerTag,
		Model:    model,
		Detail:   detail,
	})
	metricDenials.WithLabelValues(req.Route, dec.Reason).Inc()

	return &DenialError{
		Route:    req.Route,
		Provider: providerTag,
		Model:    model,
		Reason:   dec.Reason,
		Detail:   dec.Detail,
	}
}

// classifyAttemptError maps an adapter failure onto the attempt error
// taxonomy so logs and audit events carry machine codes.
func classifyAttemptError(providerTag, model string, err error) *AttemptError {
	var regErr *provider.RegistryError
	if errors.As(err, &regErr) {
		return &AttemptError{
			Provider: providerTag,
			Model:    model,
			Code:     ErrCodeUnknownProvider,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return &AttemptError{
			Provider:   providerTag,
			Model:      model,
			Code:       ErrCodeHTTP,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Body,
			Cause:      err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AttemptError{
			Provider: providerTag,
			Model:    model,
			Code:     ErrCodeTimeout,
			Message:  "provider call timed out",
			Cause:    err,
		}
	}

	return &AttemptError{
		Provider: providerTag,
		Model:    model,
		Code:     ErrCodeNetwork,
		Message:  err.Error(),
		Cause:    err,
	}
}

// Run executes one guarded, metered, audited model call. It fails only
// with a *DenialError (a guardrail stopped the whole call) or a
// *PlanExhaustedError (every plan entry failed transiently).
func (g *Gateway) Run(ctx context.Context, req Request) (*Response, error) {
	messages := normalizeMessages(req)
	inputTokens := estimateInputTokens(messages)

	route, routeOK := g.routes[req.Route]
	if !routeOK {
		dec := Evaluate(Candidate{RouteName: req.Route}, g.meters.Snapshot(ctx, req.RunID), g.policy)
		return nil, g.denied(req, "", "", dec)
	}

	plan := buildPlan(req, route)
	if len(plan) == 0 {
		return nil, g.denied(req, "", "", deny(ReasonEmptyPlan, map[string]any{"route": req.Route}))
	}

	outputTokens := clampOutputTokens(req, route.Caps)

	timeout := route.Caps.Timeout
	if timeout == 0 {
		timeout = g.defaultTimeout
	}

	var lastErr error
	for _, entry := range plan {
		temperature := clampTemperature(req, entry, route.Caps)

		snap := g.meters.Snapshot(ctx, req.RunID)

		_, hasEstimate := g.estimate(entry.Provider, entry.Model, inputTokens, outputTokens)
		dec := Evaluate(Candidate{
			Route:               &route,
			RouteName:           req.Route,
			Provider:            entry.Provider,
			Model:               entry.Model,
			InputTokens:         inputTokens,
			OutputTokens:        outputTokens,
			RequireCostEstimate: req.RequireCostEstimate,
			HasCostEstimate:     hasEstimate,
		}, snap, g.policy)
		if !dec.Allowed {
			// A denial is a hard stop for the whole call. The next
			// plan entry is not a second chance at policy.
			return nil, g.denied(req, entry.Provider, entry.Model, dec)
		}

		g.emit(Event{
			Type:     EventCallStart,
			RunID:    req.RunID,
			AgentID:  req.AgentID,
			Purpose:  req.Purpose,
			Route:    req.Route,
			Provider: entry.Provider,
			Model:    entry.Model,
			Detail: map[string]any{
				"input_tokens_est": inputTokens,
				"max_output":       outputTokens,
			},
		})

		result, latency, err := g.attempt(ctx, entry, messages, temperature, outputTokens, timeout)
		if err != nil {
			attemptErr := classifyAttemptError(entry.Provider, entry.Model, err)
			lastErr = attemptErr

			g.meters.RecordFailure(ctx, req.RunID)
			g.emit(Event{
				Type:     EventCallFail,
				RunID:    req.RunID,
				AgentID:  req.AgentID,
				Purpose:  req.Purpose,
				Route:    req.Route,
				Provider: entry.Provider,
				Model:    entry.Model,
				Detail: map[string]any{
					"code":  attemptErr.Code,
					"error": attemptErr.Message,
				},
			})
			metricCalls.WithLabelValues(req.Route, entry.Provider, "fail").Inc()
			g.log.Warn(req.AgentID, req.RunID, "provider attempt failed", map[string]interface{}{
				"route":    req.Route,
				"provider": entry.Provider,
				"model":    entry.Model,
				"code":     attemptErr.Code,
			})
			continue
		}

		usage := g.buildUsage(entry, result, inputTokens, latency)
		g.meters.RecordSuccess(ctx, req.RunID, usage.CostUSD)
		g.emit(Event{
			Type:     EventCallEnd,
			RunID:    req.RunID,
			AgentID:  req.AgentID,
			Purpose:  req.Purpose,
			Route:    req.Route,
			Provider: entry.Provider,
			Model:    entry.Model,
			Detail: map[string]any{
				"input_tokens":  usage.InputTokens,
				"output_tokens": usage.OutputTokens,
				"cost_usd":      usage.CostUSD,
				"latency_ms":    latency.Milliseconds(),
			},
		})
		metricCalls.WithLabelValues(req.Route, entry.Provider, "success").Inc()
		metricLatency.WithLabelValues(entry.Provider).Observe(latency.Seconds())
		metricSpend.WithLabelValues(entry.Provider).Add(usage.CostUSD)

		return &Response{
			Text:  result.Text,
			Raw:   result.Raw,
			Usage: usage,
		}, nil
	}

	return nil, &PlanExhaustedError{
		Route:    req.Route,
		Attempts: len(plan),
		LastErr:  lastErr,
	}
}

// attempt resolves the adapter and places one bounded provider call. The
// timeout cancels the pending request; it is never left to finish in the
// background.
func (g *Gateway) attempt(ctx context.Context, entry PlanEntry, messages []Message, temperature float64, outputTokens int, timeout time.Duration) (*provider.Result, time.Duration, error) {
	adapter, err := g.registry.Get(entry.Provider)
	if err != nil {
		return nil, 0, err
	}

	provMessages := make([]provider.Message, len(messages))
	for i, m := range messages {
		provMessages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := adapter.Complete(callCtx, provider.Request{
		Model:           entry.Model,
		Messages:        provMessages,
		Temperature:     temperature,
		MaxOutputTokens: outputTokens,
	})
	latency := time.Since(start)
	if err != nil {
		return nil, latency, err
	}
	return result, latency, nil
}

func (g *Gateway) estimate(providerTag, model string, tokensIn, tokensOut int) (float64, bool) {
	if g.pricing == nil {
		return 0, false
	}
	return g.pricing.Estimate(providerTag, model, tokensIn, tokensOut)
}

// buildUsage assembles the usage record for a successful attempt,
// preferring provider-reported token counts over estimates.
func (g *Gateway) buildUsage(entry PlanEntry, result *provider.Result, inputEstimate int, latency time.Duration) Usage {
	inputTokens := result.InputTokens
	if inputTokens == 0 {
		inputTokens = inputEstimate
	}
	outputTokens := result.OutputTokens
	if outputTokens == 0 {
		outputTokens = estimateInputTokens([]Message{{Content: result.Text}})
	}

	cost, _ := g.estimate(entry.Provider, entry.Model, inputTokens, outputTokens)
	return Usage{
		Provider:     entry.Provider,
		Model:        entry.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Latency:      latency,
		CostUSD:      cost,
	}
}
