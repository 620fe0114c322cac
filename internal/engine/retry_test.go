package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEngine fails Apply with the queued errors before succeeding.
type flakyEngine struct {
	Engine
	failures []error
	applies  int
	reads    int
}

func (f *flakyEngine) Apply(ctx context.Context, uid string, m *models.Mutation) (*models.Outcome, error) {
	f.applies++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	return &models.Outcome{Indexed: len(m.Documents)}, nil
}

func (f *flakyEngine) Index(ctx context.Context, uid string) (*models.IndexInfo, error) {
	f.reads++
	return nil, docerr.Unavailable(errors.New("locked"))
}

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		JitterFraction: 0.0,
	}
}

func TestRetryEngine_Backoff(t *testing.T) {
	re := NewRetryEngine(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0, // no jitter for deterministic test
	})

	assert.Equal(t, 100*time.Millisecond, re.backoff(0))
	assert.Equal(t, 200*time.Millisecond, re.backoff(1))
	assert.Equal(t, 400*time.Millisecond, re.backoff(2))
}

func TestRetryEngine_BackoffCapped(t *testing.T) {
	re := NewRetryEngine(nil, &RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.0,
	})

	assert.Equal(t, 5*time.Second, re.backoff(10))
}

func TestRetryEngine_BackoffJitterBounds(t *testing.T) {
	re := NewRetryEngine(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFraction: 0.5,
	})

	for i := 0; i < 50; i++ {
		d := re.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryEngine_RetriesUnavailable(t *testing.T) {
	inner := &flakyEngine{failures: []error{
		docerr.Unavailable(errors.New("database is locked")),
		docerr.Unavailable(errors.New("database is locked")),
	}}
	re := NewRetryEngine(inner, fastRetry(3))

	var retried []int
	re.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	out, err := re.Apply(context.Background(), "idx", models.NewDeletion([]string{"1"}))
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, 3, inner.applies)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryEngine_GivesUpAfterMaxRetries(t *testing.T) {
	unavailable := docerr.Unavailable(errors.New("database is locked"))
	inner := &flakyEngine{failures: []error{unavailable, unavailable, unavailable, unavailable, unavailable}}
	re := NewRetryEngine(inner, fastRetry(2))

	_, err := re.Apply(context.Background(), "idx", models.NewClear())
	require.Error(t, err)
	assert.ErrorIs(t, err, docerr.ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, inner.applies)
}

func TestRetryEngine_DoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyEngine{failures: []error{docerr.New(docerr.CodePrimaryKeyConflict, "conflict")}}
	re := NewRetryEngine(inner, fastRetry(3))

	_, err := re.Apply(context.Background(), "idx", models.NewClear())
	assert.ErrorIs(t, err, docerr.ErrPrimaryKeyConflict)
	assert.Equal(t, 1, inner.applies)
}

func TestRetryEngine_CancelledContext(t *testing.T) {
	unavailable := docerr.Unavailable(errors.New("database is locked"))
	inner := &flakyEngine{failures: []error{unavailable, unavailable}}
	re := NewRetryEngine(inner, &RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := re.Apply(ctx, "idx", models.NewClear())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, inner.applies)
}

func TestRetryEngine_ReadsAreNotRetried(t *testing.T) {
	inner := &flakyEngine{}
	re := NewRetryEngine(inner, fastRetry(3))

	_, err := re.Index(context.Background(), "idx")
	assert.ErrorIs(t, err, docerr.ErrEngineUnavailable)
	assert.Equal(t, 1, inner.reads)
}
