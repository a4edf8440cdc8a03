package fetch

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so RetryHandler stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type RetryHandler struct {
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	logger       *logrus.Logger
}

func NewRetryHandler(maxRetries int, baseDelay time.Duration, logger *logrus.Logger) *RetryHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryHandler{
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     baseDelay * 16,
		jitterFactor: 0.2,
		logger:       logger,
	}
}

// Do runs fn until it succeeds, returns a permanent error or the retry
// budget is spent. It returns the number of attempts made.
func (r *RetryHandler) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	var lastErr error
	attempt := 0
	for attempt < r.maxRetries+1 {
		attempt++
		if lastErr = fn(attempt); lastErr == nil {
			return attempt, nil
		}
		if IsPermanent(lastErr) {
			r.logger.Debugf("Stopping retries due to permanent error: %v", lastErr)
			break
		}
		if attempt > r.maxRetries {
			break
		}

		backoff := r.backoff(attempt)
		r.logger.Debugf("Attempt %d/%d failed, retrying in %v: %v", attempt, r.maxRetries+1, backoff, lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
	return attempt, lastErr
}

func (r *RetryHandler) backoff(attempt int) time.Duration {
	d := r.baseDelay * time.Duration(1<<(attempt-1))
	if d > r.maxDelay {
		d = r.maxDelay
	}
	scale := 1 + r.jitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}

func (r *RetryHandler) SetJitterFactor(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}
	r.jitterFactor = factor
}
