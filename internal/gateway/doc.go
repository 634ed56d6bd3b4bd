/*
Package gateway implements the end-to-end resilient chat contract: validate,
check the response cache, walk an ordered list of providers applying
circuit-breaking and retry, record per-provider health, and — only once every
provider has been exhausted — fall back to an offline responder or defer the
request onto a background retry queue.

# Flow

	Chat(ctx, msg, context) -> AIResponse
	  1. validate
	  2. cache lookup (hit -> return, IsCached=true)
	  3. for each provider in order:
	       circuit open?   -> skip
	       call succeeds?  -> record health, cache, return
	       call fails?     -> record health, try next
	  4. all providers failed, error queueable -> enqueue for background retry
	  5. return FallbackGenerator output, IsFallback=true always

AIGateway never returns an error from Chat for a well-formed request: step 5
guarantees a response. The providers it iterates are expected to already be
wrapped with retry/circuit-breaker/idempotency (see llm.ResilientProvider) —
AIGateway itself only sequences them and does not re-implement their
resilience mechanics.

# Background queue

The queue processor wakes every 30 seconds and retries any QueuedRequest
whose NextAttempt has passed. Entries that exceed MaxRetries are dropped with
a logged warning rather than retried forever or silently discarded.
*/
package gateway
