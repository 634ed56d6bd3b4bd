package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	llmpkg "github.com/agentrelay/sandboxgate/llm"
)

// CanonicalizeKey normalizes a chat message and its context map into a
// deterministic string suitable for hashing into a cache key: context keys
// are sorted, internal whitespace runs in the message collapse to a single
// space, and the result is trimmed and lowercased.
func CanonicalizeKey(message string, context map[string]string) string {
	var b strings.Builder
	b.WriteString(canonicalizeMessage(message))

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteByte('\x1f')
			b.WriteString(strings.ToLower(k))
			b.WriteByte('=')
			b.WriteString(strings.ToLower(context[k]))
		}
	}

	return b.String()
}

func canonicalizeMessage(message string) string {
	fields := strings.Fields(message)
	return strings.ToLower(strings.Join(fields, " "))
}

// CanonicalKeyStrategy generates cache keys for plain chat completion
// requests by canonicalizing the last user message plus its metadata before
// hashing, rather than hashing the full request verbatim. Non-chat payloads
// (anything without a final user-role message) fall back to HashKeyStrategy.
type CanonicalKeyStrategy struct {
	fallback *HashKeyStrategy
}

// NewCanonicalKeyStrategy creates a canonicalizing key strategy.
func NewCanonicalKeyStrategy() *CanonicalKeyStrategy {
	return &CanonicalKeyStrategy{fallback: NewHashKeyStrategy()}
}

// Name 返回策略名称
func (s *CanonicalKeyStrategy) Name() string {
	return "canonical"
}

// GenerateKey 生成缓存键
func (s *CanonicalKeyStrategy) GenerateKey(req *llmpkg.ChatRequest) string {
	if len(req.Messages) == 0 {
		return s.fallback.GenerateKey(req)
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != llmpkg.RoleUser {
		return s.fallback.GenerateKey(req)
	}

	canon := CanonicalizeKey(last.Content, req.Metadata)
	canon = req.Model + "\x1f" + canon

	hash := sha256.Sum256([]byte(canon))
	return "llm:cache:" + hex.EncodeToString(hash[:16])
}
