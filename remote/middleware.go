package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithTimeout returns a Middleware that applies a per-call timeout. A zero
// timeout disables it.
func WithTimeout(timeout time.Duration) Middleware {
	return func(next Doer) Doer {
		return func(ctx context.Context, req Request) (*Response, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return next(ctx, req)
		}
	}
}

// WithRetry returns a Middleware that retries network-class failures with
// exponential backoff. Validation and conflict outcomes are final and pass
// straight through. It respects context cancellation between retries.
//
// Parameters:
//   - maxRetries: maximum number of retry attempts (0 = no retry)
//   - baseBackoff: initial wait between retries, doubled each attempt
//   - logger: used to log retry attempts (may be nil for silent retries)
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) Middleware {
	return func(next Doer) Doer {
		return func(ctx context.Context, req Request) (*Response, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				// Don't retry if the caller gave up.
				if ctx.Err() != nil {
					return nil, lastErr
				}

				// Permanent outcomes don't change on replay.
				if !Retryable(err) {
					return nil, err
				}

				// Retrying into an open circuit won't help.
				var open *ErrCircuitOpen
				if errors.As(err, &open) {
					return nil, err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "remote: retrying call",
							"endpoint", req.Endpoint,
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					select {
					case <-ctx.Done():
						return nil, lastErr
					case <-time.After(wait):
					}
				}
			}
			return nil, lastErr
		}
	}
}

// WithBreaker returns a Middleware that wraps calls with a circuit breaker.
// Only network-class failures count against the breaker; a validation
// rejection means the server is healthy and must not trip it. When the
// breaker is open, calls are rejected immediately with ErrCircuitOpen.
func WithBreaker(cb *CircuitBreaker) Middleware {
	return func(next Doer) Doer {
		return func(ctx context.Context, req Request) (*Response, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{}
			}
			resp, err := next(ctx, req)
			switch {
			case err == nil:
				cb.RecordSuccess()
			case Retryable(err):
				cb.RecordFailure()
			default:
				// Server answered, just unfavourably.
				cb.RecordSuccess()
			}
			return resp, err
		}
	}
}
