package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"athlete-tool/internal/api/catapult"
)

type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailurePermanent
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         time.Duration
	Classify       func(error) FailureClass
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Jitter:         250 * time.Millisecond,
		Classify:       ClassifyError,
	}
}

// Do runs op up to MaxAttempts times. Transient failures are retried
// after an exponential backoff, permanent ones are returned as is.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if p.classify(lastErr) == FailurePermanent {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			break
		}

		if err := p.sleep(ctx, p.backoffDelay(attempt, lastErr)); err != nil {
			return err
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, lastErr)
}

func (p RetryPolicy) classify(err error) FailureClass {
	if p.Classify != nil {
		return p.Classify(err)
	}

	return ClassifyError(err)
}

func (p RetryPolicy) backoffDelay(attempt int, err error) time.Duration {
	var apiErr *catapult.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}

	delay := p.InitialBackoff << uint(shift)
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}

	return delay
}

func (p RetryPolicy) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClassifyError treats client mistakes like bad credentials as
// permanent. Everything else, rate limits included, is worth another try.
func ClassifyError(err error) FailureClass {
	var apiErr *catapult.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return FailureTransient
		case apiErr.StatusCode >= 500:
			return FailureTransient
		case apiErr.StatusCode >= 400:
			return FailurePermanent
		}

		return FailureTransient
	}

	if errors.Is(err, context.Canceled) {
		return FailurePermanent
	}

	return FailureTransient
}
