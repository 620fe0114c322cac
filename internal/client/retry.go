package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// isTransient returns true for errors that are worth retrying on a read.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// isRejected reports whether the server refused a write before accepting it,
// so sending it again cannot create a second task.
func isRejected(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusServiceUnavailable || ae.Status == http.StatusTooManyRequests
}

// backoff computes the delay for the given attempt with jitter.
func (cfg *RetryConfig) backoff(attempt int) time.Duration {
	base := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(cfg.MaxBackoff) {
		base = float64(cfg.MaxBackoff)
	}
	jitter := base * cfg.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) retryAll(ctx context.Context, operation string, fn func() error) error {
	return c.retryIf(ctx, operation, isTransient, fn)
}

func (c *Client) retryRejected(ctx context.Context, operation string, fn func() error) error {
	return c.retryIf(ctx, operation, isRejected, fn)
}

// retryIf executes fn, retrying while retryable reports true.
func (c *Client) retryIf(ctx context.Context, operation string, retryable func(error) bool, fn func() error) error {
	cfg := c.retry
	if cfg == nil {
		return fn()
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt < cfg.MaxRetries {
			if err := sleep(ctx, cfg.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, cfg.MaxRetries)
}
