package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentrelay/sandboxgate/llm"
	"github.com/agentrelay/sandboxgate/llm/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL          = "https://api.anthropic.com"
	defaultAnthropicVersion = "2023-06-01"
	defaultModel            = "claude-opus-4-6"
)

// ClaudeProvider implements llm.Provider directly against Anthropic's
// Messages API (/v1/messages) — it does not embed openaicompat.Provider
// because the wire protocol diverges too far from the OpenAI shape: the
// system prompt travels in its own top-level field rather than inside the
// messages array, content is a block array rather than a plain string,
// and auth rides on x-api-key rather than Authorization: Bearer.
type ClaudeProvider struct {
	cfg    providers.ClaudeConfig
	client *http.Client
	logger *zap.Logger
}

// NewClaudeProvider builds a Claude provider from the given config.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *ClaudeProvider) Name() string { return "anthropic" }

func (p *ClaudeProvider) SupportsNativeFunctionCalling() bool { return true }

// --- wire types ---

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []toolDef     `json:"tools,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	Usage        usage          `json:"usage"`
}

// toWireMessages splits llm.Message into the Messages API's system field
// plus a messages array, and folds tool calls / tool results into content
// blocks the way Claude expects them.
func toWireMessages(msgs []llm.Message) (system string, out []wireMessage) {
	var systemParts []string
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}

		wm := wireMessage{Role: string(m.Role)}
		if m.Role == llm.RoleTool {
			wm.Role = "user"
			wm.Content = []contentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}
			out = append(out, wm)
			continue
		}

		if m.Content != "" {
			wm.Content = append(wm.Content, contentBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			wm.Content = append(wm.Content, contentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		out = append(out, wm)
	}
	return strings.Join(systemParts, "\n\n"), out
}

func toWireTools(tools []llm.ToolSchema) []toolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]toolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func fromWireResponse(resp messagesResponse, provider string) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID: block.ID, Name: block.Name, Arguments: block.Input,
			})
		}
	}

	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: provider,
		Model:    resp.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: resp.StopReason,
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
}

func (p *ClaudeProvider) apiKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok && strings.TrimSpace(c.APIKey) != "" {
		return strings.TrimSpace(c.APIKey)
	}
	return p.cfg.APIKey
}

func (p *ClaudeProvider) buildRequest(ctx context.Context, endpoint string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey(ctx))
	req.Header.Set("anthropic-version", p.cfg.AnthropicVersion)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *ClaudeProvider) endpoint() string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
}

func (p *ClaudeProvider) model(req *llm.ChatRequest) string {
	return providers.ChooseModel(req, p.cfg.Model, defaultModel)
}

func (p *ClaudeProvider) buildWireRequest(req *llm.ChatRequest, stream bool) messagesRequest {
	system, messages := toWireMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return messagesRequest{
		Model:       p.model(req),
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		Tools:       toWireTools(req.Tools),
	}
}

// Completion sends a synchronous request to /v1/messages.
func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := p.buildWireRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := p.buildRequest(ctx, p.endpoint(), payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var wire messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	return fromWireResponse(wire, p.Name()), nil
}

// sseEvent is the subset of Anthropic's streaming event envelope this
// provider cares about: text deltas and the terminating message_delta
// that carries the final stop reason and usage.
type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
		PartialJSON  string `json:"partial_json"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

// Stream opens an SSE connection to /v1/messages and emits one
// llm.StreamChunk per text delta, accumulating tool_use blocks until their
// stop_reason arrives.
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body := p.buildWireRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := p.buildRequest(ctx, p.endpoint(), payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer providers.SafeCloseBody(resp.Body)
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer providers.SafeCloseBody(resp.Body)

		model := p.model(req)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var ev sseEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					select {
					case out <- llm.StreamChunk{Provider: p.Name(), Model: model, Delta: llm.Message{Role: llm.RoleAssistant, Content: ev.Delta.Text}}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					select {
					case out <- llm.StreamChunk{
						Provider:     p.Name(),
						Model:        model,
						FinishReason: ev.Delta.StopReason,
						Usage:        &llm.ChatUsage{CompletionTokens: ev.Usage.OutputTokens},
					}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// HealthCheck issues a minimal request with max_tokens=1 — Anthropic has
// no dedicated health endpoint, so a cheap real completion is the only
// reliable signal that the key and endpoint are both live.
func (p *ClaudeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	probe := &llm.ChatRequest{
		Model:     p.cfg.Model,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	body := p.buildWireRequest(probe, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.buildRequest(ctx, p.endpoint(), payload)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer providers.SafeCloseBody(resp.Body)

	healthy := resp.StatusCode < 500
	return &llm.HealthStatus{Healthy: healthy, Latency: latency}, nil
}

// ListModels returns Anthropic has no public model-listing endpoint worth
// depending on here; the catalog is static and short enough to hardcode.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	names := []string{"claude-opus-4-6", "claude-sonnet-4-6", "claude-haiku-4-6"}
	out := make([]llm.Model, 0, len(names))
	for _, n := range names {
		out = append(out, llm.Model{ID: n, Object: "model", OwnedBy: "anthropic"})
	}
	return out, nil
}
