// Package sandbox implements the container-sandbox execution engine: the
// language catalog, input normalization, and the one-shot runner that
// builds a hardened container, writes source, runs it under a timeout, and
// parses its output.
package sandbox

import "time"

// Language identifies a supported source language.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangGo         Language = "go"
	LangRust       Language = "rust"
	LangBash       Language = "bash"
	LangJava       Language = "java"
)

// ExecutionKind classifies how a language's source reaches a running process.
type ExecutionKind string

const (
	KindInterpreted ExecutionKind = "interpreted"
	KindCompiled    ExecutionKind = "compiled"
	KindTranspiled  ExecutionKind = "transpiled"
)

// ExecutionRequest is a single one-shot execution request.
type ExecutionRequest struct {
	ID       string            `json:"id"`
	Language Language          `json:"language"`
	Code     string            `json:"code"`
	Stdin    string            `json:"stdin,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	EnvVars  map[string]string `json:"env_vars,omitempty"`
	TestMode bool              `json:"test_mode,omitempty"`
}

// ExecutionResult is the outcome of a one-shot execution.
type ExecutionResult struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Error      string        `json:"error,omitempty"`
	ExitCode   int           `json:"exit_code"`
	DurationMs int64         `json:"duration_ms"`
	Truncated  bool          `json:"truncated"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"-"`
}

// Limits for a size-bounded submission, per spec.md §3.
const (
	MaxCodeBytes     = 1 << 20 // 1 MiB
	MaxCodeBytesTest = 25 * 1024
	MaxStdinBytes    = 10 * 1024
	MinTimeout       = 1 * time.Second
	MaxTimeout       = 30 * time.Second
	DefaultTimeout   = 10 * time.Second
	MaxOutputBytes   = 10000
	ExitCodeTimeout  = 124
)
