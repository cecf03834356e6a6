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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatAdapterComplete(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hi there"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer server.Close()

	adapter, err := NewChatAdapter(ChatConfig{
		Name:    "openai",
		APIKey:  "test-key",
		BaseURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewChatAdapter failed: %v", err)
	}

	result, err := adapter.Complete(context.Background(), Request{
		Model:           "gpt-4o",
		Messages:        []Message{{Role: "user", Content: "hello"}},
		Temperature:     0.3,
		MaxOutputTokens: 128,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q, want Bearer test-key", gotAuth)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", gotBody["model"])
	}
	if result.Text != "hi there" {
		t.Errorf("Text = %q, want hi there", result.Text)
	}
	if result.InputTokens != 12 || result.OutputTokens != 7 {
		t.Errorf("tokens = (%d, %d), want (12, 7)", result.InputTokens, result.OutputTokens)
	}
}

func TestChatAdapterCustomAuthHeader(t *testing.T) {
	var gotAPIKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	adapter, err := NewChatAdapter(ChatConfig{
		Name:       "azure-openai",
		APIKey:     "azure-key",
		BaseURL:    server.URL,
		AuthHeader: "api-key",
	})
	if err != nil {
		t.Fatalf("NewChatAdapter failed: %v", err)
	}

	if _, err := adapter.Complete(context.Background(), Request{Model: "gpt-4o"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotAPIKey != "azure-key" {
		t.Errorf("api-key header = %q, want azure-key", gotAPIKey)
	}
	if gotAuth != "" {
		t.Errorf("Authorization header should be unset, got %q", gotAuth)
	}
}

func TestChatAdapterNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	adapter, _ := NewChatAdapter(ChatConfig{Name: "openai", APIKey: "k", BaseURL: server.URL})

	_, err := adapter.Complete(context.Background(), Request{Model: "gpt-4o"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Provider != "openai" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
}

func TestChatAdapterEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	adapter, _ := NewChatAdapter(ChatConfig{Name: "openai", APIKey: "k", BaseURL: server.URL})

	result, err := adapter.Complete(context.Background(), Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Text != "" {
		t.Errorf("Text = %q, want empty string for empty choices", result.Text)
	}
}

func TestChatAdapterConfigValidation(t *testing.T) {
	if _, err := NewChatAdapter(ChatConfig{Name: "x", BaseURL: "http://x"}); err == nil {
		t.Error("expected error for missing API key")
	}
	if _, err := NewChatAdapter(ChatConfig{Name: "x", APIKey: "k"}); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := NewChatAdapter(ChatConfig{APIKey: "k", BaseURL: "http://x"}); err == nil {
		t.Error("expected error for missing name")
	}
}
