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

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"

	// anthropicAPIVersion is the pinned wire version sent with every
	// request; the messages envelope below matches it.
	anthropicAPIVersion = "2023-06-01"

	anthropicDefaultTimeout = 120 * time.Second
)

// AnthropicConfig configures the bespoke Anthropic adapter. Anthropic does
// not speak the chat-completions format: auth uses x-api-key plus a pinned
// anthropic-version header, system prompts are a top-level field, and the
// response carries content blocks instead of choices.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API origin.
	BaseURL string

	// Timeout bounds the underlying HTTP client.
	Timeout time.Duration

	// Client substitutes the HTTP client (tests).
	Client HTTPClient
}

// AnthropicAdapter implements Adapter for the Anthropic messages API.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  HTTPClient
}

// NewAnthropicAdapter validates the config and builds an adapter.
func NewAnthropicAdapter(cfg AnthropicConfig) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = anthropicDefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &AnthropicAdapter{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
	}, nil
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements Adapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	apiReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxOutputTokens,
	}

	// System messages are hoisted into the top-level system field; the
	// messages array may only contain user/assistant turns.
	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	apiReq.System = strings.Join(systemParts, "\n\n")

	// 0.0 is a valid (deterministic) temperature; the gateway never sends
	// negative values.
	temperature := req.Temperature
	apiReq.Temperature = &temperature

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic response read error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "anthropic", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic response decode error: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &Result{
		Text:         contentBuilder.String(),
		Raw:          raw,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}, nil
}

var _ Adapter = (*AnthropicAdapter)(nil)
