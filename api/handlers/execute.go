package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/agentrelay/sandboxgate/internal/sandbox"
	"github.com/agentrelay/sandboxgate/types"

	"go.uber.org/zap"
)

// ExecuteHandler wires internal/sandbox's Runner/Catalog/InputNormalizer to
// the HTTP transport layer: POST /api/execute, GET /api/languages, and
// GET /api/system.
type ExecuteHandler struct {
	runner     *sandbox.Runner
	catalog    *sandbox.Catalog
	normalizer *sandbox.InputNormalizer
	startedAt  time.Time
	logger     *zap.Logger
}

// NewExecuteHandler builds a handler over the given sandbox runtime.
func NewExecuteHandler(runner *sandbox.Runner, catalog *sandbox.Catalog, normalizer *sandbox.InputNormalizer, logger *zap.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runner:     runner,
		catalog:    catalog,
		normalizer: normalizer,
		startedAt:  time.Now(),
		logger:     logger,
	}
}

// executeRequest is the wire shape of POST /api/execute. Input is an alias
// for Stdin, per spec.md §4.13.
type executeRequest struct {
	Language string            `json:"language"`
	Code     string            `json:"code"`
	Stdin    string            `json:"stdin,omitempty"`
	Input    string            `json:"input,omitempty"`
	Timeout  int64             `json:"timeout,omitempty"` // milliseconds
	EnvVars  map[string]string `json:"env_vars,omitempty"`
}

type executeResponse struct {
	Success       bool   `json:"success"`
	Language      string `json:"language"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
	Timestamp     string `json:"timestamp"`
}

// HandleExecute handles POST /api/execute.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req executeRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	stdin := req.Stdin
	if stdin == "" {
		stdin = req.Input
	}

	execReq := &sandbox.ExecutionRequest{
		ID:       RequestIDFromRequest(r),
		Language: sandbox.Language(req.Language),
		Code:     req.Code,
		Stdin:    stdin,
		Timeout:  time.Duration(req.Timeout) * time.Millisecond,
		EnvVars:  req.EnvVars,
	}

	if err := h.normalizer.Normalize(execReq); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, err.Error(), h.logger)
		return
	}

	result, err := h.runner.Run(r.Context(), execReq)
	if err != nil {
		apiErr := types.NewError(types.ErrRuntimeUnavailable, "sandbox runtime unavailable").WithCause(err)
		WriteError(w, apiErr, h.logger)
		return
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += result.Stderr
	}

	WriteSuccess(w, executeResponse{
		Success:       result.Success,
		Language:      req.Language,
		Output:        output,
		Error:         result.Error,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.DurationMs,
		Timestamp:     result.Timestamp.Format(time.RFC3339),
	})
}

type languageInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	FileExtension string  `json:"fileExtension"`
	Timeout       int     `json:"timeout"`
	MemoryLimit   string  `json:"memoryLimit"`
	CPULimit      float64 `json:"cpuLimit"`
}

// HandleLanguages handles GET /api/languages.
func (h *ExecuteHandler) HandleLanguages(w http.ResponseWriter, r *http.Request) {
	configs := h.catalog.List()
	langs := make([]languageInfo, 0, len(configs))
	for _, cfg := range configs {
		langs = append(langs, languageInfo{
			ID:            string(cfg.ID),
			Name:          cfg.DisplayName,
			Type:          string(cfg.Kind),
			FileExtension: fileExtension(cfg.FileName),
			Timeout:       cfg.DefaultTimeout,
			MemoryLimit:   cfg.MemoryLimit,
			CPULimit:      cfg.CPUQuota,
		})
	}

	WriteSuccess(w, map[string]any{
		"count":     len(langs),
		"languages": langs,
	})
}

func fileExtension(fileName string) string {
	for i := len(fileName) - 1; i >= 0; i-- {
		if fileName[i] == '.' {
			return fileName[i:]
		}
	}
	return ""
}

// HandleSystem handles GET /api/system: runtime availability plus process
// uptime and memory, per spec.md §4.13. An optional ?container=<name> asks
// for that still-running container's recent combined stdout+stderr, for
// debugging a stuck execution or interactive terminal session.
func (h *ExecuteHandler) HandleSystem(w http.ResponseWriter, r *http.Request) {
	info := h.runner.Info(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := map[string]any{
		"runtimeAvailable": info.RuntimeAvailable,
		"activeContainers": info.ActiveContainers,
		"detail":           info.Detail,
		"uptimeSeconds":    time.Since(h.startedAt).Seconds(),
		"memoryAllocBytes": mem.Alloc,
	}

	if container := r.URL.Query().Get("container"); container != "" {
		stdout, stderr, err := h.runner.ContainerLogs(r.Context(), container, 200)
		if err != nil {
			resp["containerLogsError"] = err.Error()
		} else {
			resp["containerStdout"] = string(stdout)
			resp["containerStderr"] = string(stderr)
		}
	}

	WriteSuccess(w, resp)
}

// RequestIDFromRequest returns the caller-supplied X-Request-Id header, or
// an empty string — the runner generates its own container-name suffix
// regardless, so a missing request id never blocks execution.
func RequestIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}
