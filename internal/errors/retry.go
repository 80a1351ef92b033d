package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryController implements exponential backoff with jitter for retry logic.
type RetryController struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	maxRetries   int
}

// NewRetryController creates a retry controller.
// Default: initial delay 10ms, max delay 1s.
func NewRetryController(maxRetries int) *RetryController {
	return &RetryController{
		initialDelay: 10 * time.Millisecond,
		maxDelay:     1 * time.Second,
		maxRetries:   maxRetries,
	}
}

// WithDelays overrides the backoff bounds.
func (rc *RetryController) WithDelays(initial, max time.Duration) *RetryController {
	rc.initialDelay = initial
	rc.maxDelay = max
	return rc
}

// Retry executes fn until it succeeds, the classifier rejects the error,
// retries are exhausted or ctx is done.
func (rc *RetryController) Retry(ctx context.Context, fn func() error, classifier *Classifier) error {
	var lastErr error

	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !classifier.ShouldRetry(classifier.Classify(err)) {
			return err
		}
		if attempt >= rc.maxRetries {
			return err
		}

		timer := time.NewTimer(rc.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay returns initialDelay * 2^attempt capped at maxDelay, with ±25% jitter.
func (rc *RetryController) calculateDelay(attempt int) time.Duration {
	delay := rc.initialDelay * time.Duration(1<<uint(attempt))
	if delay > rc.maxDelay {
		delay = rc.maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay < 0 {
		delay = rc.initialDelay
	}
	return delay
}
