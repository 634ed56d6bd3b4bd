// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm provides the resilient multi-provider AI chat gateway: a unified
Provider abstraction, weighted/health-based routing, multi-level caching,
and the retry/circuit-breaker/idempotency stack that wraps every outbound
call.

# Overview

The llm package provides a unified interface for interacting with multiple
Large Language Model providers. It abstracts away provider-specific details
and provides routing, caching, retry logic, and health-based failover.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Application Layer                        │
	├─────────────────────────────────────────────────────────────┤
	│                    Router / Load Balancer                   │
	│  (Model-based routing, failover, load balancing)           │
	├─────────────────────────────────────────────────────────────┤
	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
	│  │   Cache     │  │   Retry     │  │   Observability     │ │
	│  │  (L1/L2)    │  │  (Backoff)  │  │  (Metrics/Tracing)  │ │
	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider Interface                       │
	├──────────┬──────────┬──────────┬──────────┬────────────────┤
	│  OpenAI  │ Anthropic│  Gemini  │   GLM    │    Others...   │
	└──────────┴──────────┴──────────┴──────────┴────────────────┘

# Provider Interface

The core Provider interface defines the contract for all LLM providers:

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

# Supported Providers

  - OpenAI (GPT-4, GPT-4o, GPT-3.5-turbo)
  - Anthropic (Claude 3 Opus, Sonnet, Haiku)
  - Google (Gemini Pro, Gemini Ultra)
  - Zhipu (GLM-4)
  - any OpenAI-compatible endpoint (openaicompat)

# Usage

Basic usage with a single provider:

	provider := openai.NewOpenAIProvider(providers.OpenAIConfig{
	    BaseProviderConfig: providers.BaseProviderConfig{
	        APIKey: "your-api-key",
	        Model:  "gpt-4o",
	    },
	}, logger)

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: []llm.Message{
	        {Role: llm.RoleUser, Content: "Hello!"},
	    },
	})

Using the router for multi-provider setup:

	router := llm.NewRouter(db, map[string]llm.Provider{
	    "openai":    openaiProvider,
	    "anthropic": anthropicProvider,
	}, llm.RouterOptions{Logger: logger})
	defer router.Stop()

	// Candidates come from the enabled models in the database; the
	// strategy decides among the healthy ones.
	sel, err := router.SelectProvider(ctx, req, llm.StrategyHealthBased)
	if err != nil {
	    log.Fatal(err)
	}
	resp, err := sel.Provider.Completion(ctx, req)

# Streaming

All providers support streaming responses:

	stream, err := provider.Stream(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	})
	if err != nil {
	    log.Fatal(err)
	}

	for chunk := range stream {
	    if chunk.Err != nil {
	        log.Printf("Error: %v", chunk.Err)
	        break
	    }
	    fmt.Print(chunk.Delta.Content)
	}

# Caching

The package provides multi-level caching:

	cache := cache.NewMultiLevelCache(redisClient, &cache.CacheConfig{
	    LocalMaxSize: 1000,
	    LocalTTL:     5 * time.Minute,
	    RedisTTL:     1 * time.Hour,
	    EnableLocal:  true,
	    EnableRedis:  true,
	}, logger)

# Retry and Resilience

Built-in retry with exponential backoff:

	resilientProvider := llm.NewResilientProviderSimple(provider, idempotencyMgr, logger)

# Tool Calling

Support for native function calling:

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	    Tools: []llm.ToolSchema{
	        {
	            Name:        "get_weather",
	            Description: "Get current weather for a location",
	            Parameters:  weatherParamsSchema,
	        },
	    },
	})

# Error Handling

The package defines structured error codes:

	const (
	    ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	    ErrAuthentication      ErrorCode = "AUTHENTICATION"
	    ErrRateLimit           ErrorCode = "RATE_LIMIT"
	    ErrContextTooLong      ErrorCode = "CONTEXT_TOO_LONG"
	    ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	)

Use IsRetryable to check if an error can be retried:

	if llm.IsRetryable(err) {
	    // Implement retry logic
	}

See the subpackages for additional functionality:
  - llm/cache: Prompt caching with multiple strategies
  - llm/circuitbreaker: Per-provider circuit breaking
  - llm/retry: Retry strategies and backoff
  - llm/router: Weighted/priority provider routing
  - llm/idempotency: Idempotency-key result caching
  - llm/providers/*: Provider-specific implementations
*/
package llm
