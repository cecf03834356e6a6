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
	"encoding/json"
	"os"
	"strings"
	"sync"
)

// ModelPricing contains pricing per 1K tokens for a model
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingConfig holds pricing information for all providers and models.
// Pricing is best-effort: a (provider, model) with no entry and no "*"
// wildcard has an unknown cost, and Estimate reports that rather than
// inventing a default price.
type PricingConfig struct {
	Providers map[string]map[string]ModelPricing `json:"providers"`
	mu        sync.RWMutex
}

// DefaultPricing contains default per-1K-token USD pricing for the
// providers the gateway ships adapters for (as of early 2025).
var DefaultPricing = &PricingConfig{
	Providers: map[string]map[string]ModelPricing{
		"anthropic": {
			"claude-sonnet-4":            {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"*":                          {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
			"*":             {InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		"gemini": {
			"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
			"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
			"*":                {InputPer1K: 0.001, OutputPer1K: 0.004},
		},
		"azure-openai": {
			"gpt-4o":       {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":  {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-35-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"*":            {InputPer1K: 0.01, OutputPer1K: 0.03},
		},
		"bedrock": {
			"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"amazon.titan-text-express-v1":              {InputPer1K: 0.0002, OutputPer1K: 0.0006},
			"meta.llama3-70b-instruct-v1:0":             {InputPer1K: 0.00265, OutputPer1K: 0.0035},
			"mistral.mistral-large-2402-v1:0":           {InputPer1K: 0.004, OutputPer1K: 0.012},
			"*":                                         {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
		"mistral": {
			"mistral-large-latest": {InputPer1K: 0.002, OutputPer1K: 0.006},
			"mistral-small-latest": {InputPer1K: 0.001, OutputPer1K: 0.003},
			"*":                    {InputPer1K: 0.002, OutputPer1K: 0.006},
		},
	},
}

// NewPricingConfig creates a new pricing configuration with defaults
func NewPricingConfig() *PricingConfig {
	return &PricingConfig{
		Providers: copyProviders(DefaultPricing.Providers),
	}
}

// LoadPricingFromEnv loads custom pricing from AGENTGATE_PRICING_CONFIG,
// merged over the defaults.
func LoadPricingFromEnv() *PricingConfig {
	config := NewPricingConfig()

	pricingJSON := os.Getenv("AGENTGATE_PRICING_CONFIG")
	if pricingJSON != "" {
		var custom PricingConfig
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			config.merge(&custom)
		}
	}

	return config
}

// LoadPricingFromFile loads pricing from a JSON file, merged over defaults.
func LoadPricingFromFile(path string) (*PricingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := NewPricingConfig()
	var custom PricingConfig
	if err := json.Unmarshal(data, &custom); err != nil {
		return nil, err
	}
	config.merge(&custom)

	return config, nil
}

func (p *PricingConfig) merge(custom *PricingConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for provider, models := range custom.Providers {
		if p.Providers[provider] == nil {
			p.Providers[provider] = make(map[string]ModelPricing)
		}
		for model, pricing := range models {
			p.Providers[provider][model] = pricing
		}
	}
}

// lookup resolves a model's pricing: exact match, lowercase match, then
// the provider's "*" wildcard. Callers must hold the read lock.
func (p *PricingConfig) lookup(provider, model string) (ModelPricing, bool) {
	providerPricing, ok := p.Providers[strings.ToLower(provider)]
	if !ok {
		return ModelPricing{}, false
	}

	if pricing, ok := providerPricing[model]; ok {
		return pricing, true
	}
	if pricing, ok := providerPricing[strings.ToLower(model)]; ok {
		return pricing, true
	}
	pricing, ok := providerPricing["*"]
	return pricing, ok
}

// Estimate returns the USD cost for a call, or ok=false when no pricing
// is known for the (provider, model). Unknown cost is a real outcome the
// guardrails act on, not an error.
func (p *PricingConfig) Estimate(provider, model string, tokensIn, tokensOut int) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pricing, ok := p.lookup(provider, model)
	if !ok {
		return 0, false
	}

	inputCost := float64(tokensIn) / 1000.0 * pricing.InputPer1K
	outputCost := float64(tokensOut) / 1000.0 * pricing.OutputPer1K
	return inputCost + outputCost, true
}

// GetModelPricing returns pricing for a specific model
func (p *PricingConfig) GetModelPricing(provider, model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lookup(provider, model)
}

// SetModelPricing sets pricing for a specific model
func (p *PricingConfig) SetModelPricing(provider, model string, pricing ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	provider = strings.ToLower(provider)
	if p.Providers[provider] == nil {
		p.Providers[provider] = make(map[string]ModelPricing)
	}
	p.Providers[provider][model] = pricing
}

// RemoveProvider drops all pricing for a provider, making its models
// unpriced. Mostly useful in tests and for self-hosted backends.
func (p *PricingConfig) RemoveProvider(provider string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Providers, strings.ToLower(provider))
}

func copyProviders(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing)
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing)
		for model, pricing := range models {
			dst[provider][model] = pricing
		}
	}
	return dst
}
