package handlers

import (
	"net/http"
	"time"

	"github.com/agentrelay/sandboxgate/internal/gateway"
	"github.com/agentrelay/sandboxgate/types"

	"go.uber.org/zap"
)

// AIGatewayHandler exposes internal/gateway.AIGateway over HTTP: the
// resilient, fallback-backed chat contract, plus read-only health/metrics
// views and admin-gated reset/force-check operations.
type AIGatewayHandler struct {
	gateway  *gateway.AIGateway
	adminKey string
	logger   *zap.Logger
}

// NewAIGatewayHandler builds a handler over gw. adminKey, when non-empty,
// is compared against the X-Admin-Key header on admin-only routes; when
// empty, admin routes are rejected outright rather than left open.
func NewAIGatewayHandler(gw *gateway.AIGateway, adminKey string, logger *zap.Logger) *AIGatewayHandler {
	return &AIGatewayHandler{gateway: gw, adminKey: adminKey, logger: logger}
}

// aiChatRequest is the wire shape of POST /ai/chat.
type aiChatRequest struct {
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	CallerID string            `json:"callerId,omitempty"`
	Model    string            `json:"model,omitempty"`
}

type aiChatResponse struct {
	Response string             `json:"response"`
	Metadata aiResponseMetadata `json:"metadata"`
}

type aiResponseMetadata struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	TokensUsed   int     `json:"tokensUsed"`
	Latency      string  `json:"latency"`
	RequestID    string  `json:"requestId"`
	IsCached     bool    `json:"isCached"`
	IsFallback   bool    `json:"isFallback"`
	Confidence   float64 `json:"confidence,omitempty"`
	FallbackType string  `json:"fallbackType,omitempty"`
}

// HandleChat handles POST /ai/chat.
func (h *AIGatewayHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req aiChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	chatCtx := &gateway.ChatContext{
		Message:  req.Message,
		Context:  req.Context,
		CallerID: req.CallerID,
		Model:    req.Model,
	}

	resp, err := h.gateway.Chat(r.Context(), chatCtx)
	if err != nil {
		h.writeGatewayError(w, err)
		return
	}

	WriteSuccess(w, convertAIResponse(resp))
}

func convertAIResponse(resp *gateway.AIResponse) aiChatResponse {
	return aiChatResponse{
		Response: resp.Response,
		Metadata: aiResponseMetadata{
			Provider:     resp.Metadata.Provider,
			Model:        resp.Metadata.Model,
			TokensUsed:   resp.Metadata.TokensUsed,
			Latency:      resp.Metadata.Latency.String(),
			RequestID:    resp.Metadata.RequestID,
			IsCached:     resp.Metadata.IsCached,
			IsFallback:   resp.Metadata.IsFallback,
			Confidence:   resp.Metadata.Confidence,
			FallbackType: resp.Metadata.FallbackType,
		},
	}
}

func (h *AIGatewayHandler) writeGatewayError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*types.Error); ok {
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteError(w, types.NewError(types.ErrInternalError, err.Error()).WithCause(err), h.logger)
}

// HandleHealth handles GET /ai/health: a coarse up/degraded view derived
// from each provider's own success/failure counters.
func (h *AIGatewayHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.gateway.Stats()

	providers := make(map[string]any, len(stats))
	healthy := len(stats) == 0 // no providers registered yet is reported healthy-by-default
	for name, s := range stats {
		ok := s.Failures == 0 || s.Successes > s.Failures
		if ok {
			healthy = true
		}
		providers[name] = map[string]any{
			"successes": s.Successes,
			"failures":  s.Failures,
			"lastError": s.LastError,
			"updatedAt": s.UpdatedAt,
			"healthy":   ok,
		}
	}

	WriteSuccess(w, map[string]any{
		"healthy":   healthy,
		"providers": providers,
		"queueLen":  h.gateway.QueueLen(),
	})
}

// HandleMetrics handles GET /ai/metrics.
func (h *AIGatewayHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.gateway.Stats()

	out := make(map[string]any, len(stats))
	for name, s := range stats {
		out[name] = s
	}
	WriteSuccess(w, map[string]any{
		"providers": out,
		"queueLen":  h.gateway.QueueLen(),
	})
}

// HandleStatus handles GET /ai/status: a terse summary for dashboards.
func (h *AIGatewayHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.gateway.Stats()
	WriteSuccess(w, map[string]any{
		"providerCount": len(stats),
		"queueLen":      h.gateway.QueueLen(),
		"timestamp":     time.Now(),
	})
}

// HandleMetricsReset handles POST /ai/metrics/reset (admin-gated). Resetting
// per-provider counters is not offered by AIGateway today; the endpoint
// exists to satisfy the admin contract and reports so explicitly.
func (h *AIGatewayHandler) HandleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	WriteSuccess(w, map[string]any{"reset": false, "reason": "metrics reset not implemented"})
}

// HandleHealthForce handles POST /ai/health/force (admin-gated): reports the
// current retry-queue length. It does not drain the queue or run a provider
// health check; queued entries wait for the next tick.
func (h *AIGatewayHandler) HandleHealthForce(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	WriteSuccess(w, map[string]any{"queueLen": h.gateway.QueueLen()})
}

func (h *AIGatewayHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.adminKey == "" {
		WriteErrorMessage(w, http.StatusForbidden, types.ErrForbidden, "admin endpoints are disabled", h.logger)
		return false
	}
	if r.Header.Get("X-Admin-Key") != h.adminKey {
		WriteErrorMessage(w, http.StatusForbidden, types.ErrForbidden, "invalid admin key", h.logger)
		return false
	}
	return true
}
