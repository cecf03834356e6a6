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
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"
	geminiDefaultTimeout = 120 * time.Second
)

// GeminiConfig configures the bespoke Gemini adapter. Gemini differs from
// the chat-completions family on every axis: the request envelope is
// contents/parts, models are addressed as "models/<name>" in the URL, the
// assistant role is called "model", and usageMetadata is frequently absent
// from responses.
type GeminiConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API origin.
	BaseURL string

	// Timeout bounds the underlying HTTP client.
	Timeout time.Duration

	// Client substitutes the HTTP client (tests).
	Client HTTPClient
}

// GeminiAdapter implements Adapter for the Gemini generateContent API.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	client  HTTPClient
}

// NewGeminiAdapter validates the config and builds an adapter.
func NewGeminiAdapter(cfg GeminiConfig) (*GeminiAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiDefaultBaseURL
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = geminiDefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &GeminiAdapter{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  client,
	}, nil
}

// Name implements Adapter.
func (g *GeminiAdapter) Name() string {
	return "gemini"
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// geminiRole maps normalized roles onto Gemini's; the assistant turn is
// called "model".
func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// Complete implements Adapter.
func (g *GeminiAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	var apiReq geminiRequest
	for _, m := range req.Messages {
		if m.Role == "system" {
			apiReq.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: m.Content}},
			}
			continue
		}
		apiReq.Contents = append(apiReq.Contents, geminiContent{
			Role:  geminiRole(m.Role),
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	apiReq.GenerationConfig.Temperature = req.Temperature
	apiReq.GenerationConfig.MaxOutputTokens = req.MaxOutputTokens

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	model := strings.TrimPrefix(req.Model, "models/")
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini response read error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "gemini", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("gemini response decode error: %w", err)
	}

	// Candidates or parts may be missing entirely; an empty completion is
	// returned as "" rather than an error.
	var contentBuilder strings.Builder
	if len(apiResp.Candidates) > 0 {
		for _, part := range apiResp.Candidates[0].Content.Parts {
			contentBuilder.WriteString(part.Text)
		}
	}

	result := &Result{
		Text: contentBuilder.String(),
		Raw:  raw,
	}
	// No usageMetadata means no token accounting from this backend; the
	// gateway falls back to its own estimates.
	if apiResp.UsageMetadata != nil {
		result.InputTokens = apiResp.UsageMetadata.PromptTokenCount
		result.OutputTokens = apiResp.UsageMetadata.CandidatesTokenCount
	}
	return result, nil
}

var _ Adapter = (*GeminiAdapter)(nil)
