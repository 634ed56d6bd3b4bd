package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/sandboxgate/llm"
	"github.com/agentrelay/sandboxgate/llm/cache"
	"github.com/agentrelay/sandboxgate/llm/circuitbreaker"
	"github.com/agentrelay/sandboxgate/llm/tokenizer"
	"github.com/agentrelay/sandboxgate/types"

	"go.uber.org/zap"
)

// queueableTokens classifies an error as deferrable rather than terminal.
// Matched case-insensitively against the error's message, per spec.
var queueableTokens = []string{"overloaded", "503", "rate limit", "429", "timeout"}

func isQueueable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, tok := range queueableTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

// ProviderStats is an in-memory, non-persisted health counter per provider —
// the AIGateway's own bookkeeping, independent of each provider's internal
// circuit breaker state.
type ProviderStats struct {
	Successes int
	Failures  int
	LastError string
	UpdatedAt time.Time
}

// AIGateway sequences an ordered set of providers — each expected to already
// be wrapped with retry/circuit-breaker/idempotency resilience — behind a
// shared response cache and an offline fallback responder.
type AIGateway struct {
	mu        sync.RWMutex
	providers []llm.Provider
	cache     cache.PromptCache
	fallback  *FallbackGenerator
	queue     *requestQueue
	tok       tokenizer.Tokenizer
	logger    *zap.Logger

	health map[string]*ProviderStats
}

// NewAIGateway builds a gateway over providers in priority order. promptCache
// and fallback may be nil — nil cache disables the cache-lookup step, nil
// fallback falls back to FallbackGenerator's own canned-message default.
func NewAIGateway(providers []llm.Provider, promptCache cache.PromptCache, fallback *FallbackGenerator, logger *zap.Logger) *AIGateway {
	if fallback == nil {
		fallback = NewFallbackGenerator(promptCache, logger)
	}
	return &AIGateway{
		providers: providers,
		cache:     promptCache,
		fallback:  fallback,
		queue:     newRequestQueue(logger),
		tok:       tokenizer.GetTokenizerOrEstimator(""),
		logger:    logger,
		health:    make(map[string]*ProviderStats),
	}
}

// Start launches the background queue processor. Call Stop to halt it.
func (g *AIGateway) Start(ctx context.Context) {
	g.queue.start(ctx, g.retryQueued)
}

// Stop halts the background queue processor.
func (g *AIGateway) Stop() {
	g.queue.stop()
}

// QueueLen reports the number of requests currently awaiting retry.
func (g *AIGateway) QueueLen() int {
	return g.queue.len()
}

// Chat implements the end-to-end chat contract. It returns an error only for
// a validation failure; every other failure mode degrades to a fallback
// AIResponse with Metadata.IsFallback = true.
func (g *AIGateway) Chat(ctx context.Context, req *ChatContext) (*AIResponse, error) {
	if err := validateChatContext(req); err != nil {
		return nil, err
	}

	start := time.Now()
	requestID := newRequestID()

	chatReq := toChatRequest(req)

	if g.cache != nil {
		if key := g.cache.GenerateKey(chatReq); key != "" {
			if entry, err := g.cache.Get(ctx, key); err == nil && entry != nil {
				if text, ok := entry.Response.(string); ok {
					return &AIResponse{
						Response: text,
						Metadata: ResponseMetadata{
							Model:      req.Model,
							TokensUsed: entry.TokensSaved,
							Latency:    time.Since(start),
							RequestID:  requestID,
							IsCached:   true,
						},
					}, nil
				}
			}
		}
	}

	resp, providerName, lastErr := g.tryProviders(ctx, chatReq)
	if lastErr == nil {
		tokens, _ := g.tok.CountTokens(resp)
		if g.cache != nil {
			if key := g.cache.GenerateKey(chatReq); key != "" {
				_ = g.cache.Set(ctx, key, &cache.CacheEntry{Response: resp, TokensSaved: tokens})
			}
		}
		return &AIResponse{
			Response: resp,
			Metadata: ResponseMetadata{
				Provider:   providerName,
				Model:      req.Model,
				TokensUsed: tokens,
				Latency:    time.Since(start),
				RequestID:  requestID,
			},
		}, nil
	}

	if isQueueable(lastErr) {
		g.queue.enqueue(&QueuedRequest{
			ID:          requestID,
			Message:     req.Message,
			Context:     req.Context,
			CallerID:    req.CallerID,
			Model:       req.Model,
			MaxRetries:  5,
			CreatedAt:   time.Now(),
			NextAttempt: time.Now().Add(backoff(0)),
		})
		g.logger.Info("queued chat request after provider exhaustion",
			zap.String("request_id", requestID),
			zap.Error(lastErr))
	}

	result := g.fallback.Generate(ctx, req.Message, req.Context)
	tokens, _ := g.tok.CountTokens(result.Response)
	return &AIResponse{
		Response: result.Response,
		Metadata: ResponseMetadata{
			Model:        req.Model,
			TokensUsed:   tokens,
			Latency:      time.Since(start),
			RequestID:    requestID,
			IsFallback:   true,
			Confidence:   result.Confidence,
			FallbackType: result.FallbackType,
		},
	}, nil
}

// tryProviders walks providers in order, skipping any whose circuit is open,
// and returns the first successful completion's text and provider name.
func (g *AIGateway) tryProviders(ctx context.Context, req *llm.ChatRequest) (string, string, error) {
	g.mu.RLock()
	providers := make([]llm.Provider, len(g.providers))
	copy(providers, g.providers)
	g.mu.RUnlock()

	var lastErr error = errors.New("no providers configured")

	for _, p := range providers {
		resp, err := p.Completion(ctx, req)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				g.logger.Debug("provider circuit open, skipping", zap.String("provider", p.Name()))
				continue
			}
			g.recordHealth(p.Name(), false, err)
			lastErr = err
			continue
		}

		g.recordHealth(p.Name(), true, nil)

		if len(resp.Choices) == 0 {
			lastErr = errors.New("provider returned no choices")
			continue
		}
		return resp.Choices[0].Message.Content, p.Name(), nil
	}

	return "", "", lastErr
}

func (g *AIGateway) recordHealth(provider string, success bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.health[provider]
	if !ok {
		s = &ProviderStats{}
		g.health[provider] = s
	}
	if success {
		s.Successes++
	} else {
		s.Failures++
		if err != nil {
			s.LastError = err.Error()
		}
	}
	s.UpdatedAt = time.Now()
}

// Stats returns a snapshot of per-provider success/failure counters observed
// by this gateway instance (not the providers' own circuit breaker state).
func (g *AIGateway) Stats() map[string]ProviderStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]ProviderStats, len(g.health))
	for k, v := range g.health {
		out[k] = *v
	}
	return out
}

// retryQueued is invoked by the background processor for a due QueuedRequest.
// It reuses the same provider-iteration path as Chat's steps 3-4.
func (g *AIGateway) retryQueued(ctx context.Context, qr *QueuedRequest) error {
	chatReq := toChatRequest(&ChatContext{Message: qr.Message, Context: qr.Context, CallerID: qr.CallerID, Model: qr.Model})
	_, providerName, err := g.tryProviders(ctx, chatReq)
	if err == nil {
		g.logger.Info("queued chat request succeeded on retry",
			zap.String("request_id", qr.ID),
			zap.String("provider", providerName))
	}
	return err
}

func validateChatContext(req *ChatContext) *types.Error {
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return types.NewError(types.ErrInvalidRequest, "message must not be empty")
	}
	const maxMessageBytes = 32 * 1024
	if len(req.Message) > maxMessageBytes {
		return types.NewError(types.ErrInvalidRequest, "message exceeds maximum length")
	}
	return nil
}

func toChatRequest(req *ChatContext) *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: req.Message},
		},
		Metadata: req.Context,
	}
}

func newRequestID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
