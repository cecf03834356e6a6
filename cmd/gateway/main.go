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

// Package main is the entry point for the AgentGate service: a guarded
// LLM gateway plus workflow orchestrator.
//
// Environment variables:
//
//	PORT - HTTP server port (default: 8084)
//	AGENTGATE_ROUTES_FILE - routes and policy YAML (default: routes.yaml)
//	DATABASE_URL - PostgreSQL connection string (optional)
//	REDIS_URL - Redis connection string for shared meters (optional)
//	ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, MISTRAL_API_KEY,
//	AZURE_OPENAI_API_KEY + AZURE_OPENAI_ENDPOINT, AWS_BEDROCK_REGION -
//	provider credentials; unconfigured providers are skipped.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/platform/config"
	"agentgate/platform/gateway"
	"agentgate/platform/httpapi"
	"agentgate/platform/provider"
	"agentgate/platform/shared/logger"
	"agentgate/platform/workflow"
)

func main() {
	log := logger.New("agentgate")
	cfg := config.Load()

	routesCfg, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		log.Error("", "", "failed to load routes config", map[string]interface{}{
			"file":  cfg.RoutesFile,
			"error": err.Error(),
		})
		os.Exit(1)
	}

	registry := buildRegistry(cfg, log)
	if len(registry.Names()) == 0 {
		log.Warn("", "", "no provider credentials configured; every call will exhaust its plan", nil)
	}

	opts := []gateway.Option{
		gateway.WithPolicy(routesCfg.GatewayPolicy()),
		gateway.WithDefaultTimeout(cfg.DefaultTimeout),
	}

	if cfg.RedisURL != "" {
		redisMeters, err := gateway.NewRedisMeters(cfg.RedisURL)
		if err != nil {
			log.Error("", "", "redis unavailable, using in-memory meters", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			opts = append(opts, gateway.WithMeterStore(redisMeters))
			defer func() { _ = redisMeters.Close() }()
		}
	}

	gw := gateway.New(routesCfg.Routes, registry, opts...)

	engineOpts := []workflow.EngineOption{}
	if cfg.DatabaseURL != "" {
		store, err := workflow.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Error("", "", "database unavailable, audit and ledger disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			engineOpts = append(engineOpts,
				workflow.WithAuditStore(store),
				workflow.WithLedger(store),
			)
			defer func() { _ = store.Close() }()
		}
	}

	outbox := workflow.NewQueuedOutbox(workflow.NewLogSender(), 1000)
	defer outbox.Close()
	engineOpts = append(engineOpts, workflow.WithOutbox(outbox))

	engine := workflow.NewEngine(gw, engineOpts...)
	for _, def := range []workflow.Definition{
		workflow.AccountSummary(engine),
		workflow.OutreachDraft(engine),
		workflow.Notify(engine),
	} {
		if err := engine.Register(def); err != nil {
			log.Error("", "", "failed to register workflow", map[string]interface{}{
				"workflow": def.Name,
				"error":    err.Error(),
			})
			os.Exit(1)
		}
	}

	server := httpapi.NewServer(gw, engine)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		log.Info("", "", "agentgate listening", map[string]interface{}{
			"port":      cfg.Port,
			"providers": registry.Names(),
			"routes":    gw.Routes(),
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildRegistry registers every provider whose credentials are present.
// A missing credential skips that provider; it never blocks the rest.
func buildRegistry(cfg *config.Config, log *logger.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	register := func(name string, adapter provider.Adapter, err error) {
		if err != nil {
			log.Warn("", "", "provider not registered", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
			return
		}
		if err := registry.Register(adapter); err != nil {
			log.Warn("", "", "provider registration failed", map[string]interface{}{
				"provider": name,
				"error":    err.Error(),
			})
		}
	}

	if cfg.AnthropicAPIKey != "" {
		adapter, err := provider.NewAnthropicAdapter(provider.AnthropicConfig{APIKey: cfg.AnthropicAPIKey})
		register("anthropic", adapter, err)
	}
	if cfg.GeminiAPIKey != "" {
		adapter, err := provider.NewGeminiAdapter(provider.GeminiConfig{APIKey: cfg.GeminiAPIKey})
		register("gemini", adapter, err)
	}
	if cfg.OpenAIAPIKey != "" {
		adapter, err := provider.NewChatAdapter(provider.ChatConfig{
			Name:    "openai",
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: "https://api.openai.com",
		})
		register("openai", adapter, err)
	}
	if cfg.MistralAPIKey != "" {
		adapter, err := provider.NewChatAdapter(provider.ChatConfig{
			Name:    "mistral",
			APIKey:  cfg.MistralAPIKey,
			BaseURL: "https://api.mistral.ai",
		})
		register("mistral", adapter, err)
	}
	if cfg.AzureOpenAIKey != "" && cfg.AzureOpenAIEndpoint != "" {
		adapter, err := provider.NewChatAdapter(provider.ChatConfig{
			Name:       "azure-openai",
			APIKey:     cfg.AzureOpenAIKey,
			BaseURL:    cfg.AzureOpenAIEndpoint,
			AuthHeader: "api-key",
			Path:       "/openai/v1/chat/completions",
		})
		register("azure-openai", adapter, err)
	}
	if cfg.BedrockRegion != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		adapter, err := provider.NewBedrockAdapter(ctx, cfg.BedrockRegion)
		cancel()
		register("bedrock", adapter, err)
	}

	return registry
}
