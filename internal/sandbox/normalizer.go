package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// blockedPatterns is the single, configurable blacklist spec.md §9's Open
// Questions resolution mandates — one list shared by every language and
// every caller, not a silently-diverging per-controller copy.
//
// Grounded on agent/sandbox/executor.go's CodeValidator.blockedPatterns,
// extended with the destructive-shell patterns spec.md §4.9 names
// explicitly ("os.system(\"rm -rf", "; rm -rf /", "| sh -c \"rm").
var blockedPatterns = []string{
	"import os",
	"import subprocess",
	"__import__",
	"os.system(\"rm -rf",
	"; rm -rf /",
	"| sh -c \"rm",
	"rm -rf /",
	"require('child_process')",
	"require(\"child_process\")",
	"process.env",
	"mkfs",
	"dd if=",
	"> /dev/",
}

// InputNormalizer validates and sanitizes an ExecutionRequest before it
// reaches the runner: size limits, blacklist matching, newline
// normalization, and Java's public-class rewrite.
type InputNormalizer struct {
	catalog *Catalog
}

// NewInputNormalizer builds a normalizer bound to the given catalog.
func NewInputNormalizer(catalog *Catalog) *InputNormalizer {
	return &InputNormalizer{catalog: catalog}
}

// ValidationError reports a rejected submission; Message is the
// user-facing reason (e.g. always contains "dangerous patterns" for a
// blacklist hit, per spec.md S3).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

var javaPublicClassRe = regexp.MustCompile(`public\s+class\s+\w+`)

// Normalize validates req against size/language rules, rejects code that
// contains a blocked pattern, normalizes CRLF to LF in source, and (for Java) rewrites the
// public class name to Main so it matches the catalog's fixed file name.
// Stdin is returned unmodified except for the newline normalization that
// spec.md explicitly scopes to source, never to stdin — binary stdin must
// round-trip byte for byte.
func (n *InputNormalizer) Normalize(req *ExecutionRequest) error {
	cfg, ok := n.catalog.Get(req.Language)
	if !ok {
		return &ValidationError{Message: fmt.Sprintf("unsupported language: %s", req.Language)}
	}

	maxCode := MaxCodeBytes
	if req.TestMode {
		maxCode = MaxCodeBytesTest
	}
	if len(req.Code) == 0 {
		return &ValidationError{Message: "code must not be empty"}
	}
	if len(req.Code) > maxCode {
		return &ValidationError{Message: fmt.Sprintf("code exceeds maximum size of %d bytes", maxCode)}
	}
	if len(req.Stdin) > MaxStdinBytes {
		return &ValidationError{Message: fmt.Sprintf("stdin exceeds maximum size of %d bytes", MaxStdinBytes)}
	}

	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.Timeout < MinTimeout {
		req.Timeout = MinTimeout
	}
	if req.Timeout > MaxTimeout {
		req.Timeout = MaxTimeout
	}

	if hit := matchBlocked(req.Code); hit != "" {
		return &ValidationError{Message: fmt.Sprintf("code contains dangerous patterns: %q", hit)}
	}

	// CRLF -> LF, source only.
	req.Code = strings.ReplaceAll(req.Code, "\r\n", "\n")

	if req.Language == LangJava && cfg.ClassName != "" {
		req.Code = javaPublicClassRe.ReplaceAllString(req.Code, "public class "+cfg.ClassName)
	}

	return nil
}

func matchBlocked(code string) string {
	lower := strings.ToLower(code)
	for _, p := range blockedPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return p
		}
	}
	return ""
}
