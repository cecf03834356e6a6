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

package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentgate/platform/gateway"
	"agentgate/platform/shared/logger"
)

// previewLimit caps the audit preview of generated text.
const previewLimit = 200

// usdPerGeneratedChar converts generated output size into a ledger debit.
// A deterministic, cheap proxy for true token cost.
const usdPerGeneratedChar = 0.00002

// Engine executes registered workflows. Steps within one invocation run
// in program order; the engine itself is safe for concurrent invocations.
type Engine struct {
	gw  *gateway.Gateway
	log *logger.Logger

	mu   sync.RWMutex
	defs map[string]Definition

	audit     AuditStore
	ledger    Ledger
	knowledge KnowledgeRetriever
	intents   IntentStore
	outbox    Outbox
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) { e.audit = s }
}

func WithLedger(l Ledger) EngineOption {
	return func(e *Engine) { e.ledger = l }
}

func WithKnowledge(k KnowledgeRetriever) EngineOption {
	return func(e *Engine) { e.knowledge = k }
}

func WithIntentStore(s IntentStore) EngineOption {
	return func(e *Engine) { e.intents = s }
}

func WithOutbox(o Outbox) EngineOption {
	return func(e *Engine) { e.outbox = o }
}

// NewEngine creates a workflow engine over a gateway. Collaborators left
// unset default to in-memory or no-op behavior.
func NewEngine(gw *gateway.Gateway, opts ...EngineOption) *Engine {
	e := &Engine{
		gw:      gw,
		log:     logger.New("workflow-engine"),
		defs:    make(map[string]Definition),
		intents: NewMemoryIntentStore(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a workflow definition. Re-registering a name is an error.
func (e *Engine) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("workflow %q has no handler", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Workflows returns the registered workflow names.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.defs))
	for name := range e.defs {
		names = append(names, name)
	}
	return names
}

// Execute runs one workflow invocation through the intent state machine:
// VALIDATING, then EXECUTED, FAILED, or AWAITING_HUMAN. The returned
// Result always indicates success or failure; handler panics and errors
// never propagate.
func (e *Engine) Execute(ctx context.Context, name string, wc Context) (*Result, error) {
	e.mu.RLock()
	def, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow: %s", name)
	}

	if wc.TenantID == "" {
		return nil, fmt.Errorf("workflow context missing tenant id")
	}
	if wc.IntentID == "" {
		wc.IntentID = uuid.NewString()
	}
	if wc.TraceID == "" {
		wc.TraceID = uuid.NewString()
	}
	wc.WorkflowID = name

	e.setState(ctx, wc.IntentID, StateValidating)
	start := time.Now()

	result := e.runHandler(ctx, def, &wc)

	switch {
	case !result.OK:
		result.State = StateFailed
		e.setState(ctx, wc.IntentID, StateFailed)
	case def.RequiresApproval:
		// Draft only: the intent parks until a human signs off, and the
		// outbound side effect is never queued from here.
		result.State = StateAwaitingHuman
		e.setState(ctx, wc.IntentID, StateAwaitingHuman)
	default:
		result.State = StateExecuted
		e.setState(ctx, wc.IntentID, StateExecuted)
		e.dispatchOutbound(ctx, &wc, result)
	}

	if result.OK {
		e.debitLedger(ctx, &wc, result)
	}

	e.log.InfoWithDuration(wc.TenantID, wc.IntentID, "workflow finished", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"workflow": name,
		"state":    string(result.State),
		"ok":       result.OK,
	})
	return result, nil
}

// runHandler invokes the handler behind a panic boundary. Anything
// unexpected becomes Result{OK:false} plus a failed-step audit entry.
func (e *Engine) runHandler(ctx context.Context, def Definition, wc *Context) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(wc.TenantID, wc.IntentID, "workflow handler panicked", map[string]interface{}{
				"workflow": def.Name,
				"panic":    fmt.Sprint(r),
			})
			e.AuditStep(ctx, wc, "handler", fmt.Sprintf("panic: %v", r), false)
			result = &Result{OK: false, Message: "workflow failed unexpectedly"}
		}
	}()

	result, err := def.Handler(ctx, wc)
	if err != nil {
		e.log.Error(wc.TenantID, wc.IntentID, "workflow handler failed", map[string]interface{}{
			"workflow": def.Name,
			"error":    err.Error(),
		})
		e.AuditStep(ctx, wc, "handler", err.Error(), false)
		return &Result{OK: false, Message: "workflow failed: " + def.Name}
	}
	if result == nil {
		result = &Result{OK: true}
	}
	return result
}

// SafeLLM places one gateway call and degrades to the fallback string on
// any gateway error. A denied or unreachable model must not abort the
// workflow.
func (e *Engine) SafeLLM(ctx context.Context, wc *Context, req gateway.Request, fallback string) string {
	if req.RunID == "" {
		req.RunID = wc.IntentID
	}
	if req.AgentID == "" {
		req.AgentID = wc.AgentID
	}

	resp, err := e.gw.Run(ctx, req)
	if err != nil {
		reason := "unreachable"
		if gateway.IsDenial(err) {
			reason = "denied"
		}
		e.log.Warn(wc.TenantID, wc.IntentID, "llm call degraded to fallback", map[string]interface{}{
			"route":  req.Route,
			"reason": reason,
			"error":  err.Error(),
		})
		return fallback
	}
	return resp.Text
}

// RetrieveKnowledge fetches bounded context for a prompt, capped at
// maxChars before inclusion.
func (e *Engine) RetrieveKnowledge(ctx context.Context, wc *Context, query string, maxChars int) string {
	if e.knowledge == nil {
		return ""
	}
	kr, err := e.knowledge.Retrieve(ctx, wc.TenantID, wc.AgentID, query)
	if err != nil {
		e.log.Warn(wc.TenantID, wc.IntentID, "knowledge retrieval failed", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	if kr == nil {
		return ""
	}
	text := kr.Text
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text
}

// AuditStep appends one workflow-step audit entry with a truncated preview.
func (e *Engine) AuditStep(ctx context.Context, wc *Context, step, preview string, ok bool) {
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		IntentID:   wc.IntentID,
		WorkflowID: wc.WorkflowID,
		TenantID:   wc.TenantID,
		Step:       step,
		Preview:    truncate(preview, previewLimit),
		OK:         ok,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.log.Warn(wc.TenantID, wc.IntentID, "audit append failed", map[string]interface{}{
			"step":  step,
			"error": err.Error(),
		})
	}
}

// debitLedger records a negative ledger amount proportional to generated
// output size.
func (e *Engine) debitLedger(ctx context.Context, wc *Context, result *Result) {
	if e.ledger == nil {
		return
	}

	chars := len(result.Message)
	for _, v := range result.Output {
		if s, ok := v.(string); ok {
			chars += len(s)
		}
	}
	if chars == 0 {
		return
	}

	amount := -float64(chars) * usdPerGeneratedChar
	reference := fmt.Sprintf("workflow:%s:%s", wc.WorkflowID, wc.IntentID)
	if err := e.ledger.AppendLedger(ctx, wc.TenantID, amount, reference); err != nil {
		e.log.Warn(wc.TenantID, wc.IntentID, "ledger append failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (e *Engine) dispatchOutbound(ctx context.Context, wc *Context, result *Result) {
	if result.Outbound == nil || e.outbox == nil {
		return
	}
	msg := *result.Outbound
	if msg.TenantID == "" {
		msg.TenantID = wc.TenantID
	}
	if err := e.outbox.Enqueue(ctx, msg); err != nil {
		e.log.Warn(wc.TenantID, wc.IntentID, "outbound enqueue failed", map[string]interface{}{
			"recipient": msg.Recipient,
			"error":     err.Error(),
		})
	}
}

func (e *Engine) setState(ctx context.Context, intentID string, state IntentState) {
	if e.intents == nil {
		return
	}
	if err := e.intents.SetState(ctx, intentID, state); err != nil {
		e.log.Warn("", intentID, "intent state update failed", map[string]interface{}{
			"state": string(state),
			"error": err.Error(),
		})
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
