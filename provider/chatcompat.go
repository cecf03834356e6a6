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
	"time"
)

const chatDefaultTimeout = 120 * time.Second

// ChatConfig configures a chat-completions-compatible backend. Several
// vendors (OpenAI, Azure OpenAI, Mistral, self-hosted gateways) speak the
// same wire format and differ only in base URL and auth header.
type ChatConfig struct {
	// Name is the registry tag, e.g. "openai", "azure-openai", "mistral".
	Name string

	// APIKey is required.
	APIKey string

	// BaseURL is the API origin, e.g. "https://api.openai.com".
	BaseURL string

	// AuthHeader overrides the auth header name. Default "Authorization"
	// with a "Bearer " prefix; Azure uses "api-key" with a bare key.
	AuthHeader string
	AuthScheme string

	// Path overrides the completions path. Default "/v1/chat/completions".
	Path string

	// Timeout bounds the underlying HTTP client. Per-call deadlines come
	// from the request context.
	Timeout time.Duration

	// Client substitutes the HTTP client (tests).
	Client HTTPClient
}

// ChatAdapter is the generic chat-completions adapter.
type ChatAdapter struct {
	name       string
	apiKey     string
	baseURL    string
	authHeader string
	authScheme string
	path       string
	client     HTTPClient
}

// NewChatAdapter validates the config and builds an adapter.
func NewChatAdapter(cfg ChatConfig) (*ChatAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("chat adapter name is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Name)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s base URL is required", cfg.Name)
	}

	authHeader := cfg.AuthHeader
	authScheme := cfg.AuthScheme
	if authHeader == "" {
		authHeader = "Authorization"
		authScheme = "Bearer "
	}

	path := cfg.Path
	if path == "" {
		path = "/v1/chat/completions"
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = chatDefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &ChatAdapter{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		authHeader: authHeader,
		authScheme: authScheme,
		path:       path,
		client:     client,
	}, nil
}

// Name implements Adapter.
func (a *ChatAdapter) Name() string {
	return a.name
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Adapter.
func (a *ChatAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	apiReq := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(a.authHeader, a.authScheme+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s API error: %w", a.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response read error: %w", a.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: a.name, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var apiResp chatResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("%s response decode error: %w", a.name, err)
	}

	// Providers sometimes omit choices or message fields; an empty
	// completion is returned as "" rather than an error.
	text := ""
	if len(apiResp.Choices) > 0 {
		text = apiResp.Choices[0].Message.Content
	}

	return &Result{
		Text:         text,
		Raw:          raw,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}, nil
}

var _ Adapter = (*ChatAdapter)(nil)
