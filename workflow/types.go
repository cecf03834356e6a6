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

// Package workflow drives multi-step agent workflows over the LLM gateway:
// an intent state machine, a panic-safe execution boundary, and graceful
// degradation when every model is unreachable.
package workflow

import (
	"context"
	"sync"
	"time"
)

// IntentState is the lifecycle state of one workflow intent.
type IntentState string

const (
	StateDraft         IntentState = "DRAFT"
	StateValidating    IntentState = "VALIDATING"
	StateExecuted      IntentState = "EXECUTED"
	StateFailed        IntentState = "FAILED"
	StateAwaitingHuman IntentState = "AWAITING_HUMAN"
)

// Context carries the identity of one workflow invocation. It is created
// once per invocation, tied 1:1 to a persisted intent record, and never
// mutated or reused.
type Context struct {
	TenantID    string         `json:"tenant_id"`
	RequesterID string         `json:"requester_id"`
	AgentID     string         `json:"agent_id"`
	WorkflowID  string         `json:"workflow_id"`
	IntentID    string         `json:"intent_id"`
	TraceID     string         `json:"trace_id"`
	Input       map[string]any `json:"input"`
}

// Result is the outcome of one workflow invocation. Outbound, when set, is
// a side effect the engine queues after the workflow completes; it is
// never delivered for workflows that require human approval.
type Result struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Output  map[string]any `json:"output,omitempty"`
	State   IntentState    `json:"state"`

	Outbound *OutboundMessage `json:"-"`
}

// Handler is one workflow's business logic. Gateway errors are expected to
// be swallowed via Engine.SafeLLM; anything a handler does return as an
// error (or panic) is caught at the engine boundary and becomes a failed
// Result, never a crash.
type Handler func(ctx context.Context, wc *Context) (*Result, error)

// Definition registers a named workflow. RequiresApproval gates every
// externally visible side effect behind human sign-off: the handler
// produces a draft only, the engine parks the intent in AWAITING_HUMAN and
// suppresses the outbound message.
type Definition struct {
	Name             string
	RequiresApproval bool
	Handler          Handler
}

// AuditEntry is one workflow-step audit record. Preview is a truncated
// sample of any generated text, never the full output.
type AuditEntry struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intent_id"`
	WorkflowID string    `json:"workflow_id"`
	TenantID   string    `json:"tenant_id"`
	Step       string    `json:"step"`
	Preview    string    `json:"preview"`
	OK         bool      `json:"ok"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditStore persists workflow-step audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Ledger records signed USD amounts against a tenant. Debits are negative.
type Ledger interface {
	AppendLedger(ctx context.Context, tenantID string, amountUSD float64, reference string) error
}

// OutboundMessage is a queued, externally visible side effect (e.g. an
// email or chat message) decoupled from workflow completion.
type OutboundMessage struct {
	TenantID  string `json:"tenant_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Outbox accepts outbound messages for asynchronous delivery.
type Outbox interface {
	Enqueue(ctx context.Context, msg OutboundMessage) error
}

// KnowledgeResult is bounded textual context fetched for a prompt.
type KnowledgeResult struct {
	Text       string `json:"text"`
	Items      int    `json:"items"`
	TotalChars int    `json:"total_chars"`
}

// KnowledgeRetriever fetches tenant- and agent-scoped context from an
// external knowledge store.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, tenantID, agentID, query string) (*KnowledgeResult, error)
}

// IntentStore tracks intent lifecycle state. Creation of the DRAFT record
// belongs to an external caller; the engine only transitions it.
type IntentStore interface {
	SetState(ctx context.Context, intentID string, state IntentState) error
}

// MemoryIntentStore is a thread-safe in-memory IntentStore.
type MemoryIntentStore struct {
	mu     sync.RWMutex
	states map[string]IntentState
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{states: make(map[string]IntentState)}
}

func (s *MemoryIntentStore) SetState(_ context.Context, intentID string, state IntentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[intentID] = state
	return nil
}

// State returns the recorded state for an intent, or DRAFT when none has
// been recorded yet.
func (s *MemoryIntentStore) State(intentID string) IntentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.states[intentID]; ok {
		return state
	}
	return StateDraft
}

var _ IntentStore = (*MemoryIntentStore)(nil)
