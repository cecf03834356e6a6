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

// Package provider contains the adapters that translate the gateway's
// normalized request into each backend vendor's wire format and back.
// Adapters are leaf components: no guardrails, no metering, no fallback.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Message is one chat message in the normalized format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized completion request. Sampling parameters arrive
// already clamped by the gateway.
type Request struct {
	Model           string
	Messages        []Message
	Temperature     float64
	MaxOutputTokens int
}

// Result is a normalized completion result. Token counts are zero when the
// backend does not report usage (the gateway falls back to estimates).
type Result struct {
	Text         string
	Raw          json.RawMessage
	InputTokens  int
	OutputTokens int
}

// Adapter is the contract every backend implements. Complete must honor
// ctx cancellation (timeouts abort the request, they never leave it running
// in the background) and must attach the HTTP status and body to errors on
// non-2xx responses. Implementations must be safe for concurrent use.
type Adapter interface {
	// Name returns the registry tag, e.g. "openai" or "anthropic".
	Name() string

	Complete(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient is the subset of http.Client the HTTP adapters need.
// An interface so tests can substitute transports.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx response from a backend, with as much of the body
// as could be read. The status code is what the gateway uses to tell rate
// limiting from auth failures in logs; all of them trigger fallback.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Registry error codes.
const (
	ErrCodeNotRegistered     = "not_registered"
	ErrCodeAlreadyRegistered = "already_registered"
)

// RegistryError is a registry lookup or registration failure.
type RegistryError struct {
	Code     string
	Provider string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("provider registry: %s: %q", e.Code, e.Provider)
}

// Registry maps a provider tag to its Adapter. The gateway resolves plan
// entries through here instead of switching on provider strings, so new
// vendors slot in without touching the gateway's control flow.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Name. Duplicate names are an error;
// re-registering a provider is a wiring bug, not a runtime situation.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return &RegistryError{Code: ErrCodeAlreadyRegistered, Provider: name}
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a provider tag.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, &RegistryError{Code: ErrCodeNotRegistered, Provider: name}
	}
	return a, nil
}

// Names returns the registered provider tags.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
