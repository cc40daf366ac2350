package bridge

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Retrying retries idempotent reads that fail as Unavailable, with
// exponential backoff. Actions pass through untouched: an action that
// failed in transit must be re-queried, never re-sent.
type Retrying struct {
	inner      Bridge
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
}

// NewRetrying wraps inner with up to maxRetries retries per read.
func NewRetrying(inner Bridge, maxRetries int, baseDelay time.Duration, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// Fetch executes req, retrying idempotent reads.
func (r *Retrying) Fetch(ctx context.Context, req Request) (Response, error) {
	if !req.Kind.Idempotent() {
		return r.inner.Fetch(ctx, req)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * r.baseDelay
			r.logger.Debug("Retrying bridge read",
				zap.String("kind", string(req.Kind)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Response{}, &FetchError{Code: CodeTimeout, Kind: req.Kind, Err: ctx.Err()}
			case <-t.C:
			}
		}

		resp, err := r.inner.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if CodeOf(err) != CodeUnavailable {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}
