package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps backoff short enough for unit tests.
func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        attempts,
		InitialInterval:    time.Millisecond,
		MaxInterval:        5 * time.Millisecond,
		BackoffCoefficient: 2,
	}
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []int
	errs     []error
}

func (l *attemptLog) RecordActivityAttempt(_ string, attempt int, err error, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	l.errs = append(l.errs, err)
}

// flaky fails the first n calls with a retryable error.
func flaky(n int32, calls *atomic.Int32) ActionFunc {
	return func(context.Context, map[string]any, map[string]string) (any, error) {
		if calls.Add(1) <= n {
			return nil, NewRetryableError("transient", "call %d failed", calls.Load())
		}
		return "ok", nil
	}
}

// =============================================================================
// RetryPolicy
// =============================================================================

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, BackoffCoefficient: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(5), "capped at MaxInterval")

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetryPolicy_Normalized(t *testing.T) {
	p := RetryPolicy{}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 30*time.Second, p.MaxInterval)
	assert.Equal(t, 2.0, p.BackoffCoefficient)

	p = RetryPolicy{InitialInterval: time.Minute, MaxInterval: time.Second}.normalized()
	assert.Equal(t, time.Minute, p.MaxInterval)
}

func TestRetryPolicy_Retryable(t *testing.T) {
	p := RetryPolicy{NonRetryableErrorKinds: []string{"auth"}}
	assert.False(t, p.Retryable(nil))
	assert.False(t, p.Retryable(context.Canceled))
	assert.False(t, p.Retryable(fmt.Errorf("lookup: %w", ErrActionNotFound)))
	assert.False(t, p.Retryable(NewNonRetryableError("bad_input", "no")))
	assert.False(t, p.Retryable(NewRetryableError("auth", "denied")))
	assert.True(t, p.Retryable(NewRetryableError("transient", "later")))
	assert.True(t, p.Retryable(errors.New("plain")))
	assert.True(t, p.Retryable(context.DeadlineExceeded))
}

// =============================================================================
// LocalExecutor
// =============================================================================

func TestLocalExecutor_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().MustRegister(ActionSpec{Name: "flaky", Func: flaky(2, &calls)})
	obs := &attemptLog{}
	exec := NewLocalExecutor(reg, nil, WithAttemptObserver(obs))

	got, err := exec.Execute(context.Background(), ActivityRequest{ActionType: "flaky", RetryPolicy: fastRetry(3)})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, []int{1, 2, 3}, obs.attempts)
	assert.Error(t, obs.errs[0])
	assert.Error(t, obs.errs[1])
	assert.NoError(t, obs.errs[2])
}

func TestLocalExecutor_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().MustRegister(ActionSpec{Name: "flaky", Func: flaky(10, &calls)})
	exec := NewLocalExecutor(reg, nil)

	_, err := exec.Execute(context.Background(), ActivityRequest{ActionType: "flaky", RetryPolicy: fastRetry(3)})
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "flaky", actErr.ActionType)
	assert.Equal(t, "transient", actErr.Kind)
	assert.Equal(t, 3, actErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestLocalExecutor_NonRetryableStopsImmediately(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		policy RetryPolicy
	}{
		{"flagged", NewNonRetryableError("bad_input", "rejected"), fastRetry(5)},
		{"kind listed", NewRetryableError("auth", "denied"), func() RetryPolicy {
			p := fastRetry(5)
			p.NonRetryableErrorKinds = []string{"auth"}
			return p
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			reg := NewRegistry().MustRegister(ActionSpec{Name: "a", Func: func(context.Context, map[string]any, map[string]string) (any, error) {
				calls.Add(1)
				return nil, tt.err
			}})
			_, err := NewLocalExecutor(reg, nil).Execute(context.Background(), ActivityRequest{ActionType: "a", RetryPolicy: tt.policy})
			var actErr *ActionError
			require.ErrorAs(t, err, &actErr)
			assert.Equal(t, 1, actErr.Attempts)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestLocalExecutor_UnknownAction(t *testing.T) {
	_, err := NewLocalExecutor(NewRegistry(), nil).Execute(context.Background(), ActivityRequest{ActionType: "ghost"})
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "not_found", actErr.Kind)
	assert.True(t, actErr.NonRetryable)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestLocalExecutor_AttemptTimeout(t *testing.T) {
	reg := NewRegistry().MustRegister(ActionSpec{Name: "slow", Func: func(ctx context.Context, _ map[string]any, _ map[string]string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	_, err := NewLocalExecutor(reg, nil).Execute(context.Background(), ActivityRequest{
		ActionType:  "slow",
		Timeout:     20 * time.Millisecond,
		RetryPolicy: fastRetry(2),
	})
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "timeout", actErr.Kind)
	assert.Equal(t, 2, actErr.Attempts, "timeouts are retried")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalExecutor_IgnoredDeadlineStillTimesOut(t *testing.T) {
	reg := NewRegistry().MustRegister(ActionSpec{Name: "stubborn", Func: func(context.Context, map[string]any, map[string]string) (any, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	}})
	start := time.Now()
	result, err := NewLocalExecutor(reg, nil).Execute(context.Background(), ActivityRequest{
		ActionType:  "stubborn",
		Timeout:     10 * time.Millisecond,
		RetryPolicy: fastRetry(1),
	})
	elapsed := time.Since(start)
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "timeout", actErr.Kind)
	assert.Nil(t, result, "late result is discarded")
	assert.Less(t, elapsed, 100*time.Millisecond, "attempt returns at its deadline")
}

func TestLocalExecutor_CancelReturnsWhileActionHangs(t *testing.T) {
	reg := NewRegistry().MustRegister(ActionSpec{Name: "stubborn", Func: func(context.Context, map[string]any, map[string]string) (any, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	start := time.Now()
	_, err := NewLocalExecutor(reg, nil).Execute(ctx, ActivityRequest{ActionType: "stubborn"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLocalExecutor_PanicIsNonRetryable(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().MustRegister(ActionSpec{Name: "boom", Func: func(context.Context, map[string]any, map[string]string) (any, error) {
		calls.Add(1)
		panic("kaboom")
	}})
	_, err := NewLocalExecutor(reg, nil).Execute(context.Background(), ActivityRequest{ActionType: "boom", RetryPolicy: fastRetry(3)})
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "panic", actErr.Kind)
	assert.Equal(t, "kaboom", actErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalExecutor_CancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().MustRegister(ActionSpec{Name: "flaky", Func: flaky(10, &calls)})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	began := time.Now()
	_, err := NewLocalExecutor(reg, nil).Execute(ctx, ActivityRequest{
		ActionType:  "flaky",
		RetryPolicy: RetryPolicy{MaxAttempts: 3, InitialInterval: time.Hour},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry of flaky cancelled")
	assert.Less(t, time.Since(began), time.Minute)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalExecutor_PassesArgsAndSecrets(t *testing.T) {
	reg := NewRegistry().MustRegister(ActionSpec{Name: "echo", Func: func(_ context.Context, args map[string]any, secrets map[string]string) (any, error) {
		return fmt.Sprintf("%v/%s", args["target"], secrets["token"]), nil
	}})
	got, err := NewLocalExecutor(reg, nil).Execute(context.Background(), ActivityRequest{
		ActionType: "echo",
		Args:       map[string]any{"target": "10.0.0.1"},
		Secrets:    map[string]string{"token": "s3cr3t"},
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1/s3cr3t", got)
}

func TestLocalExecutor_RateLimit(t *testing.T) {
	reg := NewRegistry().MustRegister(ActionSpec{Name: "a", Func: constantAction("x")})
	exec := NewLocalExecutor(reg, nil, WithRateLimit(50, 1))

	began := time.Now()
	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), ActivityRequest{ActionType: "a"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(began), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, ActivityRequest{ActionType: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalExecutor_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry().MustRegister(ActionSpec{Name: "down", Func: func(context.Context, map[string]any, map[string]string) (any, error) {
		calls.Add(1)
		return nil, NewNonRetryableError("unavailable", "service down")
	}})
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Hour,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}, nil, nil)
	exec := NewLocalExecutor(reg, nil, WithCircuitBreakers(breakers))

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), ActivityRequest{ActionType: "down"})
		require.Error(t, err)
	}
	assert.Equal(t, []string{"down"}, breakers.Open())

	_, err := exec.Execute(context.Background(), ActivityRequest{ActionType: "down"})
	var actErr *ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "circuit_open", actErr.Kind)
	assert.Equal(t, int32(2), calls.Load(), "open breaker rejects without invoking")
}

func constantAction(v any) ActionFunc {
	return func(context.Context, map[string]any, map[string]string) (any, error) { return v, nil }
}
