package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds the attempts of a single action invocation.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval    time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval        time.Duration `json:"max_interval" yaml:"max_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient"`
	// NonRetryableErrorKinds abort retries when an ActionError carries
	// one of these kinds.
	NonRetryableErrorKinds []string `json:"non_retryable_error_kinds" yaml:"non_retryable_error_kinds"`
	// Jitter randomizes each delay by ±25%.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2.0,
		Jitter:             true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.BackoffCoefficient < 1.0 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.normalized()
	delay := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(retry-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(p.InitialInterval) {
		delay = float64(p.InitialInterval)
	}
	return time.Duration(delay)
}

// Retryable reports whether err may be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrActionNotFound) {
		return false
	}
	var actErr *ActionError
	if errors.As(err, &actErr) {
		if actErr.NonRetryable {
			return false
		}
		if actErr.Kind != "" && slices.Contains(p.NonRetryableErrorKinds, actErr.Kind) {
			return false
		}
	}
	return true
}

// ActivityRequest is a single action invocation handed to an executor.
type ActivityRequest struct {
	ActionType  string
	Args        map[string]any
	Secrets     map[string]string
	Timeout     time.Duration
	RetryPolicy RetryPolicy

	RunID  string
	NodeID string
}

// ActivityExecutor runs actions with timeout and retry semantics.
type ActivityExecutor interface {
	Execute(ctx context.Context, req ActivityRequest) (any, error)
}

// AttemptObserver is notified after every attempt.
type AttemptObserver interface {
	RecordActivityAttempt(actionType string, attempt int, err error, duration time.Duration)
}

// LocalExecutor runs registered actions in-process.
type LocalExecutor struct {
	registry *Registry
	limiter  *rate.Limiter
	breakers *CircuitBreakerRegistry
	observer AttemptObserver
	logger   *zap.Logger
}

// LocalExecutorOption configures a LocalExecutor.
type LocalExecutorOption func(*LocalExecutor)

// WithRateLimit caps action invocations per second across the executor.
func WithRateLimit(rps float64, burst int) LocalExecutorOption {
	return func(e *LocalExecutor) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithCircuitBreakers keeps one breaker per action type.
func WithCircuitBreakers(breakers *CircuitBreakerRegistry) LocalExecutorOption {
	return func(e *LocalExecutor) { e.breakers = breakers }
}

// WithAttemptObserver reports every attempt to o.
func WithAttemptObserver(o AttemptObserver) LocalExecutorOption {
	return func(e *LocalExecutor) { e.observer = o }
}

// NewLocalExecutor creates an executor over the registry.
func NewLocalExecutor(registry *Registry, logger *zap.Logger, opts ...LocalExecutorOption) *LocalExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &LocalExecutor{
		registry: registry,
		logger:   logger.With(zap.String("component", "activity_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req.ActionType, retrying retryable failures with backoff.
func (e *LocalExecutor) Execute(ctx context.Context, req ActivityRequest) (any, error) {
	spec, err := e.registry.Lookup(req.ActionType)
	if err != nil {
		return nil, &ActionError{ActionType: req.ActionType, Kind: "not_found", NonRetryable: true, Cause: err}
	}

	policy := req.RetryPolicy.normalized()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)
			e.logger.Debug("retrying action",
				zap.String("action", req.ActionType),
				zap.String("node_id", req.NodeID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("retry of %s cancelled: %w", req.ActionType, ctx.Err())
			case <-timer.C:
			}
		}

		start := time.Now()
		result, err := e.attempt(ctx, spec, req)
		if e.observer != nil {
			e.observer.RecordActivityAttempt(req.ActionType, attempt, err, time.Since(start))
		}
		if err == nil {
			if attempt > 1 {
				e.logger.Info("action succeeded after retry",
					zap.String("action", req.ActionType),
					zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("action %s cancelled: %w", req.ActionType, ctx.Err())
		}
		if !policy.Retryable(err) {
			e.logger.Debug("action error is not retryable",
				zap.String("action", req.ActionType),
				zap.Error(err))
			return nil, wrapActionError(req.ActionType, attempt, err)
		}
	}

	e.logger.Warn("action attempts exhausted",
		zap.String("action", req.ActionType),
		zap.String("node_id", req.NodeID),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr))
	return nil, wrapActionError(req.ActionType, policy.MaxAttempts, lastErr)
}

func (e *LocalExecutor) attempt(ctx context.Context, spec ActionSpec, req ActivityRequest) (any, error) {
	var breaker *CircuitBreaker
	if e.breakers != nil {
		breaker = e.breakers.GetOrCreate(spec.Name)
		if ok, err := breaker.AllowRequest(); !ok {
			return nil, &ActionError{Kind: "circuit_open", Cause: err}
		}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// 动作可能忽略 ctx，超时或取消后立即返回，迟到的结果被丢弃。
	done := make(chan invokeResult, 1)
	go func() {
		r, err := invoke(attemptCtx, spec, req)
		done <- invokeResult{value: r, err: err}
	}()

	var result any
	var err error
	select {
	case r := <-done:
		result, err = r.value, r.err
		if err == nil && attemptCtx.Err() != nil {
			result, err = nil, attemptCtx.Err()
		}
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = &ActionError{Kind: "timeout", Message: fmt.Sprintf("attempt exceeded %s", req.Timeout), Cause: err}
	}

	if breaker != nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return result, err
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs the action and converts panics into non-retryable errors.
func invoke(ctx context.Context, spec ActionSpec, req ActivityRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionError{Kind: "panic", Message: fmt.Sprint(r), NonRetryable: true}
		}
	}()
	return spec.Func(ctx, req.Args, req.Secrets)
}

func wrapActionError(actionType string, attempts int, err error) error {
	var actErr *ActionError
	if errors.As(err, &actErr) {
		wrapped := *actErr
		wrapped.ActionType = actionType
		wrapped.Attempts = attempts
		if wrapped.Cause == nil && wrapped.Message == "" {
			wrapped.Cause = err
		}
		return &wrapped
	}
	return &ActionError{ActionType: actionType, Attempts: attempts, Cause: err}
}
