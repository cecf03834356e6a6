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

// Package config loads service configuration: process settings and
// credentials from the environment, routes and guardrail policy from a
// YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"agentgate/platform/gateway"
)

// Config is the full service configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// RoutesFile is the YAML file holding routes and policy.
	RoutesFile string

	// Provider credentials. A provider with no credential is simply not
	// registered; it never blocks the others.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	MistralAPIKey   string

	AzureOpenAIKey      string
	AzureOpenAIEndpoint string

	BedrockRegion string

	// DefaultTimeout bounds provider attempts on routes without their own
	// timeout.
	DefaultTimeout time.Duration
}

// RoutesConfig is the YAML document shape for routes and policy.
type RoutesConfig struct {
	Routes []gateway.Route `yaml:"routes"`

	AllowedProviders []string `yaml:"allowed_providers"`
	AllowedModels    []string `yaml:"allowed_models"`

	Policy PolicyConfig `yaml:"policy"`
}

// PolicyConfig is the YAML shape of the guardrail policy.
type PolicyConfig struct {
	EnforceAllowLists bool    `yaml:"enforce_allow_lists"`
	MaxRequestsPerRun int     `yaml:"max_requests_per_run"`
	MaxFailuresPerRun int     `yaml:"max_failures_per_run"`
	DailyCallCap      int     `yaml:"daily_call_cap"`
	DailySpendCapUSD  float64 `yaml:"daily_spend_cap_usd"`
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8084"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		RoutesFile: getEnv("AGENTGATE_ROUTES_FILE", "routes.yaml"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		MistralAPIKey:   os.Getenv("MISTRAL_API_KEY"),

		AzureOpenAIKey:      os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEndpoint: os.Getenv("AZURE_OPENAI_ENDPOINT"),

		BedrockRegion: os.Getenv("AWS_BEDROCK_REGION"),

		DefaultTimeout: getEnvDuration("AGENTGATE_DEFAULT_TIMEOUT", 60*time.Second),
	}
}

// LoadRoutes parses and validates the routes YAML file.
func LoadRoutes(path string) (*RoutesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes parses and validates a routes YAML document.
func ParseRoutes(data []byte) (*RoutesConfig, error) {
	var rc RoutesConfig
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse routes config: %w", err)
	}
	if err := rc.validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

func (rc *RoutesConfig) validate() error {
	if len(rc.Routes) == 0 {
		return fmt.Errorf("routes config declares no routes")
	}

	seen := make(map[string]bool, len(rc.Routes))
	for _, route := range rc.Routes {
		if route.Name == "" {
			return fmt.Errorf("route with empty name")
		}
		if seen[route.Name] {
			return fmt.Errorf("duplicate route %q", route.Name)
		}
		seen[route.Name] = true

		// An empty plan would make the route unservable at runtime.
		if len(route.Plan) == 0 {
			return fmt.Errorf("route %q has an empty plan", route.Name)
		}
		for i, entry := range route.Plan {
			if entry.Provider == "" || entry.Model == "" {
				return fmt.Errorf("route %q plan entry %d missing provider or model", route.Name, i)
			}
		}
		if route.Caps.MaxTemperature < 0 {
			return fmt.Errorf("route %q has negative max temperature", route.Name)
		}
	}
	return nil
}

// GatewayPolicy converts the YAML policy into the gateway's form.
func (rc *RoutesConfig) GatewayPolicy() gateway.Policy {
	p := gateway.Policy{
		EnforceAllowLists: rc.Policy.EnforceAllowLists,
		MaxRequestsPerRun: rc.Policy.MaxRequestsPerRun,
		MaxFailuresPerRun: rc.Policy.MaxFailuresPerRun,
		DailyCallCap:      rc.Policy.DailyCallCap,
		DailySpendCapUSD:  rc.Policy.DailySpendCapUSD,
	}
	if len(rc.AllowedProviders) > 0 {
		p.AllowedProviders = make(map[string]bool, len(rc.AllowedProviders))
		for _, provider := range rc.AllowedProviders {
			p.AllowedProviders[provider] = true
		}
	}
	if len(rc.AllowedModels) > 0 {
		p.AllowedModels = make(map[string]bool, len(rc.AllowedModels))
		for _, model := range rc.AllowedModels {
			p.AllowedModels[model] = true
		}
	}
	return p
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
