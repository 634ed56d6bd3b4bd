package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/agentrelay/sandboxgate/llm"
	"github.com/agentrelay/sandboxgate/llm/cache"

	"go.uber.org/zap"
)

// FallbackResult is the output of FallbackGenerator.Generate.
type FallbackResult struct {
	Response     string
	FallbackType string // template | guidance | cache | canned
	Confidence   float64
}

// fallbackTemplate pattern-matches a message against keywords and produces a
// canned, topic-aware reply.
type fallbackTemplate struct {
	keywords []string
	response string
}

var defaultTemplates = []fallbackTemplate{
	{keywords: []string{"hello", "hi", "hey"}, response: "Hello! Our AI service is temporarily busy — please try again in a moment."},
	{keywords: []string{"error", "bug", "crash"}, response: "We're sorry you're hitting an issue. Our assistant is temporarily unavailable to help diagnose it — please retry shortly."},
	{keywords: []string{"price", "cost", "billing"}, response: "Billing questions are best answered once our assistant is back online; your request has been queued for retry."},
	{keywords: []string{"thanks", "thank you"}, response: "You're welcome! Let us know if there's anything else once service is fully restored."},
}

var defaultCanned = []string{
	"Our AI assistant is temporarily unavailable. Please try again shortly.",
	"We're experiencing high demand right now. Your request has been queued for a retry.",
	"The assistant couldn't be reached at the moment — please try again in a few minutes.",
}

// FallbackGenerator produces an offline response without contacting any
// provider, so a fully-exhausted AIGateway never has to return a raw error
// to the caller. It never fails.
type FallbackGenerator struct {
	mu        sync.Mutex
	templates []fallbackTemplate
	canned    []string
	cache     cache.PromptCache
	logger    *zap.Logger
}

// NewFallbackGenerator creates a generator backed by the given prompt cache
// (used for the "cache" fallback type) — cache may be nil.
func NewFallbackGenerator(promptCache cache.PromptCache, logger *zap.Logger) *FallbackGenerator {
	return &FallbackGenerator{
		templates: defaultTemplates,
		canned:    defaultCanned,
		cache:     promptCache,
		logger:    logger,
	}
}

// Generate produces a FallbackResult for message/context. It tries, in
// order of descending confidence: a cached response from a prior successful
// call with the same canonical key, a keyword template match, generic
// guidance text, and finally a random canned message.
func (f *FallbackGenerator) Generate(ctx context.Context, message string, reqContext map[string]string) *FallbackResult {
	if f.cache != nil {
		key := f.cache.GenerateKey(&llm.ChatRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: message}},
			Metadata: reqContext,
		})
		if key != "" {
			if entry, err := f.cache.Get(ctx, key); err == nil && entry != nil {
				if text, ok := entry.Response.(string); ok && text != "" {
					return &FallbackResult{Response: text, FallbackType: "cache", Confidence: 0.9}
				}
			}
		}
	}

	lower := strings.ToLower(message)
	for _, t := range f.templates {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return &FallbackResult{Response: t.response, FallbackType: "template", Confidence: 0.6}
			}
		}
	}

	if strings.TrimSpace(message) != "" {
		return &FallbackResult{
			Response:     "I can't reach an AI provider right now, but here's some general guidance: try rephrasing your request or checking back shortly — your message has been noted.",
			FallbackType: "guidance",
			Confidence:   0.35,
		}
	}

	return &FallbackResult{Response: f.pickCanned(), FallbackType: "canned", Confidence: 0.1}
}

func (f *FallbackGenerator) pickCanned() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.canned) == 0 {
		return "Service temporarily unavailable."
	}
	return f.canned[randIndex(len(f.canned))]
}

func randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}
