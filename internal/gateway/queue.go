package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// queueTick is the background queue processor's scan interval.
const queueTick = 30 * time.Second

// requestQueue holds chat requests deferred after total provider exhaustion,
// retried by the background processor once their backoff has elapsed.
type requestQueue struct {
	mu      sync.Mutex
	entries []*QueuedRequest
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newRequestQueue(logger *zap.Logger) *requestQueue {
	return &requestQueue{logger: logger}
}

func (q *requestQueue) enqueue(qr *QueuedRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, qr)
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// start launches the background ticker. retry is called for each due entry;
// a nil return means success (drop from the queue), non-nil reschedules the
// entry with the next backoff step unless MaxRetries is exceeded.
func (q *requestQueue) start(parent context.Context, retry func(ctx context.Context, qr *QueuedRequest) error) {
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(queueTick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.processDue(ctx, retry)
			}
		}
	}()
}

func (q *requestQueue) stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *requestQueue) processDue(ctx context.Context, retry func(ctx context.Context, qr *QueuedRequest) error) {
	now := time.Now()

	q.mu.Lock()
	var due, pending []*QueuedRequest
	for _, qr := range q.entries {
		if now.After(qr.NextAttempt) || now.Equal(qr.NextAttempt) {
			due = append(due, qr)
		} else {
			pending = append(pending, qr)
		}
	}
	q.entries = pending
	q.mu.Unlock()

	for _, qr := range due {
		if err := retry(ctx, qr); err != nil {
			qr.RetryCount++
			if qr.RetryCount >= qr.MaxRetries {
				q.logger.Warn("dropping queued chat request: max retries exceeded",
					zap.String("request_id", qr.ID),
					zap.Int("retry_count", qr.RetryCount),
					zap.Error(err))
				continue
			}
			qr.NextAttempt = time.Now().Add(backoff(qr.RetryCount))
			q.mu.Lock()
			q.entries = append(q.entries, qr)
			q.mu.Unlock()
			continue
		}
		q.logger.Debug("queued chat request retried successfully", zap.String("request_id", qr.ID))
	}
}
