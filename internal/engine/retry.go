package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
)

// RetryConfig configures retry behavior for transient engine errors.
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

// RetryEngine retries Apply on docerr.ErrEngineUnavailable. Reads are passed
// through untouched so that retrieval fails fast.
type RetryEngine struct {
	Engine
	config *RetryConfig

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// NewRetryEngine wraps inner with retry on transient errors.
func NewRetryEngine(inner Engine, cfg *RetryConfig) *RetryEngine {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryEngine{Engine: inner, config: cfg}
}

// Apply commits m, retrying while the engine reports it is unavailable.
// A failed attempt rolled back completely, so repeating it is safe.
func (re *RetryEngine) Apply(ctx context.Context, uid string, m *models.Mutation) (out *models.Outcome, err error) {
	err = re.retry(ctx, "apply "+string(m.Kind), func() error {
		out, err = re.Engine.Apply(ctx, uid, m)
		return err
	})
	return
}

// backoff computes the delay for the given attempt with jitter.
func (re *RetryEngine) backoff(attempt int) time.Duration {
	base := float64(re.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(re.config.MaxBackoff) {
		base = float64(re.config.MaxBackoff)
	}
	jitter := base * re.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
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

// retry executes fn, retrying only transient errors. The returned error keeps
// the code of the last failure.
func (re *RetryEngine) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= re.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !docerr.IsTransient(lastErr) {
			return lastErr
		}
		if attempt < re.config.MaxRetries {
			if re.OnRetry != nil {
				re.OnRetry(attempt+1, lastErr)
			}
			if err := sleep(ctx, re.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, re.config.MaxRetries)
}
