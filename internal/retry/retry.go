package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payerrors"
)

// MaxBackoffCap bounds every computed wait.
const MaxBackoffCap = 30 * time.Second

// Policy holds configuration for retry behavior
type Policy struct {
	MaxRetries   int           // retries after the first attempt
	BaseBackoff  time.Duration // base delay for exponential backoff
	MaxBackoff   time.Duration // cap, defaults to 30s
	JitterFactor float64       // jitter as percentage (0.2 = ±20%)

	// Sleep waits d or until ctx is done. Tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *logging.StructuredLogger
}

// DefaultPolicy mirrors the provider defaults: 3 retries from 1s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BaseBackoff:  time.Second,
		MaxBackoff:   MaxBackoffCap,
		JitterFactor: 0.2,
	}
}

// Outcome is for observability only; callers behave identically either way.
type Outcome struct {
	Attempts int
	Retried  bool
}

// Run executes op until it succeeds, fails with a non-retryable error, or
// the retries are exhausted. Returned errors are always classified.
func (p Policy) Run(ctx context.Context, op func(ctx context.Context) error) (Outcome, error) {
	var out Outcome
	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1
		out.Retried = attempt > 0

		err := op(ctx)
		if err == nil {
			if out.Retried {
				p.Logger.Info("Operation succeeded after retry", map[string]interface{}{
					"correlation_id": logging.CorrelationID(ctx),
					"attempts":       out.Attempts,
				})
			}
			return out, nil
		}

		classified := payerrors.Classify(err)
		if !classified.Retryable() {
			return out, classified
		}
		if attempt >= p.MaxRetries {
			p.Logger.Warn("Retries exhausted", map[string]interface{}{
				"correlation_id": logging.CorrelationID(ctx),
				"attempts":       out.Attempts,
				"error_code":     string(classified.Code()),
			})
			return out, classified
		}

		wait := p.Backoff(attempt)
		if classified.RetryAfter > wait {
			wait = classified.RetryAfter
		}

		p.Logger.Debug("Retrying operation", map[string]interface{}{
			"correlation_id": logging.CorrelationID(ctx),
			"attempt":        out.Attempts,
			"backoff_ms":     wait.Milliseconds(),
			"reason":         classified.Kind.String(),
		})

		if err := p.sleep(ctx, wait); err != nil {
			return out, payerrors.Classify(err)
		}
	}
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Outcome, error) {
	var result T
	out, err := p.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, out, err
}

// Backoff returns min(base*2^attempt, cap) with ±jitter applied.
func (p Policy) Backoff(attempt int) time.Duration {
	maxDelay := p.MaxBackoff
	if maxDelay <= 0 || maxDelay > MaxBackoffCap {
		maxDelay = MaxBackoffCap
	}

	backoff := maxDelay
	if attempt < 32 {
		backoff = p.BaseBackoff * time.Duration(1<<uint(attempt))
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}
	}

	jitterRange := float64(backoff) * p.JitterFactor
	jitter := time.Duration(rand.Float64()*2*jitterRange - jitterRange)
	backoff += jitter

	if backoff < 0 {
		backoff = p.BaseBackoff
	}
	return backoff
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
