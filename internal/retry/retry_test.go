package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
)

func testConfig() config.Config {
	return config.Config{
		CircuitBreakerFailureThreshold: 3,
		CircuitBreakerCooldownSuccess:  2,
		CircuitBreakerCooldown:         50 * time.Millisecond,
		CircuitBreakerHalfOpenMax:      2,
		RetryBaseDelay:                 time.Millisecond,
		RetryMaxDelay:                  10 * time.Millisecond,
		RetryMaxJitter:                 0.01,
	}
}

func TestExecuteWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	e := New(testConfig(), classifier.New(), nil)
	calls := 0
	op := func(ctx context.Context, attempt int) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timed out waiting for selector")
		}
		return "ok", nil
	}
	res := e.ExecuteWithRetry(context.Background(), "site-a", "navigate", op, Options{MaxRetries: 5})
	require.True(t, res.Success)
	require.Equal(t, "ok", res.Value)
	require.Equal(t, 3, res.Attempts)
}

func TestExecuteWithRetryNonRetryableShortCircuits(t *testing.T) {
	e := New(testConfig(), classifier.New(), nil)
	calls := 0
	op := func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, &ClassifiedError{Err: errors.New("nope"), Context: classifier.FailureContext{Kind: classifier.KindNoResults}}
	}
	res := e.ExecuteWithRetry(context.Background(), "site-a", "extract", op, Options{MaxRetries: 5})
	require.False(t, res.Success)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, res.Attempts)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	e := New(testConfig(), classifier.New(), nil)
	op := func(ctx context.Context, attempt int) (any, error) {
		return nil, &ClassifiedError{Err: errors.New("boom"), Context: classifier.FailureContext{Kind: classifier.KindTimeout}}
	}
	for i := 0; i < 3; i++ {
		e.ExecuteWithRetry(context.Background(), "site-b", "navigate", op, Options{MaxRetries: 0})
	}
	require.Equal(t, "open", string(e.Snapshot("site-b").State))

	res := e.ExecuteWithRetry(context.Background(), "site-b", "navigate", op, Options{MaxRetries: 0})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrCircuitOpen)
}

func TestCircuitHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	e := New(cfg, classifier.New(), nil)
	failOp := func(ctx context.Context, attempt int) (any, error) {
		return nil, &ClassifiedError{Err: errors.New("boom"), Context: classifier.FailureContext{Kind: classifier.KindTimeout}}
	}
	for i := 0; i < 3; i++ {
		e.ExecuteWithRetry(context.Background(), "site-c", "navigate", failOp, Options{MaxRetries: 0})
	}
	require.Equal(t, "open", string(e.Snapshot("site-c").State))

	time.Sleep(60 * time.Millisecond)

	okOp := func(ctx context.Context, attempt int) (any, error) { return "ok", nil }
	e.ExecuteWithRetry(context.Background(), "site-c", "navigate", okOp, Options{MaxRetries: 0})
	require.Equal(t, "half_open", string(e.Snapshot("site-c").State))

	e.ExecuteWithRetry(context.Background(), "site-c", "navigate", okOp, Options{MaxRetries: 0})
	require.Equal(t, "closed", string(e.Snapshot("site-c").State))
}

func TestCancellationStopsBeforeDelay(t *testing.T) {
	e := New(testConfig(), classifier.New(), nil)
	stop := make(chan struct{})
	close(stop)
	op := func(ctx context.Context, attempt int) (any, error) {
		return nil, errors.New("timed out")
	}
	res := e.ExecuteWithRetry(context.Background(), "site-d", "navigate", op, Options{MaxRetries: 3, StopSignal: stop})
	require.True(t, res.Cancelled)
}

func TestRecoveryHookConsumesWithoutCountingAttempt(t *testing.T) {
	e := New(testConfig(), classifier.New(), nil)
	hookCalls := 0
	e.RegisterHook(classifier.KindRateLimited, func(ctx context.Context, site string, fc classifier.FailureContext) bool {
		hookCalls++
		return hookCalls < 2 // consume once, then let normal retry proceed
	})
	calls := 0
	op := func(ctx context.Context, attempt int) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("rate limit exceeded, too many requests")
		}
		return "ok", nil
	}
	res := e.ExecuteWithRetry(context.Background(), "site-e", "navigate", op, Options{MaxRetries: 5})
	require.True(t, res.Success)
	require.Equal(t, 1, hookCalls)
}
