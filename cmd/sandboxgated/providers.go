package main

import (
	"os"
	"sort"

	"github.com/agentrelay/sandboxgate/config"
	"github.com/agentrelay/sandboxgate/llm"
	"github.com/agentrelay/sandboxgate/llm/idempotency"
	"github.com/agentrelay/sandboxgate/llm/providers"
	"github.com/agentrelay/sandboxgate/llm/providers/anthropic"
	"github.com/agentrelay/sandboxgate/llm/providers/gemini"
	"github.com/agentrelay/sandboxgate/llm/providers/glm"
	"github.com/agentrelay/sandboxgate/llm/providers/openai"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// buildProviders assembles the ordered provider chain the AIGateway walks on
// each chat request. The config-declared default provider is tried first
// (using cfg.LLM's api_key/base_url), followed by any other provider whose
// credentials are present in the environment. Every provider is wrapped with
// the standard retry/circuit-breaker/idempotency resilience stack before
// being handed to the gateway.
func buildProviders(cfg config.LLMConfig, rdb *redis.Client, logger *zap.Logger) []llm.Provider {
	idemMgr := idempotency.NewRedisManager(rdb, "gateway:idempotency:", logger)

	type entry struct {
		name string
		base llm.Provider
	}

	var entries []entry

	if key := firstNonEmpty(envKeyFor(cfg, "openai"), os.Getenv("OPENAI_API_KEY")); key != "" {
		entries = append(entries, entry{"openai", openai.NewOpenAIProvider(providers.OpenAIConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: key, BaseURL: envBaseURLFor(cfg, "openai"), Timeout: cfg.Timeout},
		}, logger)})
	}
	if key := firstNonEmpty(envKeyFor(cfg, "anthropic"), os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		entries = append(entries, entry{"anthropic", anthropic.NewClaudeProvider(providers.ClaudeConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: key, BaseURL: envBaseURLFor(cfg, "anthropic"), Timeout: cfg.Timeout},
		}, logger)})
	}
	if key := firstNonEmpty(envKeyFor(cfg, "gemini"), os.Getenv("GEMINI_API_KEY")); key != "" {
		entries = append(entries, entry{"gemini", gemini.NewGeminiProvider(providers.GeminiConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: key, BaseURL: envBaseURLFor(cfg, "gemini"), Timeout: cfg.Timeout},
		}, logger)})
	}
	if key := firstNonEmpty(envKeyFor(cfg, "glm"), os.Getenv("GLM_API_KEY")); key != "" {
		entries = append(entries, entry{"glm", glm.NewGLMProvider(providers.GLMConfig{
			BaseProviderConfig: providers.BaseProviderConfig{APIKey: key, BaseURL: envBaseURLFor(cfg, "glm"), Timeout: cfg.Timeout},
		}, logger)})
	}

	// Stable sort: the configured default provider moves to the front,
	// everything else keeps its declaration order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].name == cfg.DefaultProvider && entries[j].name != cfg.DefaultProvider
	})

	result := make([]llm.Provider, 0, len(entries))
	for _, e := range entries {
		result = append(result, llm.NewResilientProviderSimple(e.base, idemMgr, logger))
		logger.Info("provider registered with gateway", zap.String("provider", e.name))
	}
	return result
}

// envKeyFor returns cfg.APIKey only when cfg.DefaultProvider names this
// provider — the simple top-level LLMConfig carries credentials for a
// single provider, so every other provider relies on its own env var.
func envKeyFor(cfg config.LLMConfig, name string) string {
	if cfg.DefaultProvider == name {
		return cfg.APIKey
	}
	return ""
}

func envBaseURLFor(cfg config.LLMConfig, name string) string {
	if cfg.DefaultProvider == name {
		return cfg.BaseURL
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
