package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，动作调用放行
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝调用
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测调用
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后进入半开前的等待时间
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测次数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThreshold 半开状态下恢复所需的连续成功次数
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// CircuitBreakerEvent 状态变更事件
type CircuitBreakerEvent struct {
	ActionType string       `json:"action_type"`
	OldState   CircuitState `json:"old_state"`
	NewState   CircuitState `json:"new_state"`
	Timestamp  time.Time    `json:"timestamp"`
	Reason     string       `json:"reason"`
	Failures   int          `json:"failures"`
}

// CircuitBreakerEventHandler receives state changes asynchronously.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker guards one action type. Consecutive failures open it; after
// RecoveryTimeout a bounded number of probes decide whether it closes again.
type CircuitBreaker struct {
	actionType   string
	config       CircuitBreakerConfig
	state        CircuitState
	failures     int
	successes    int
	probes       int
	openedAt     time.Time
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	now          func() time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(actionType string, config CircuitBreakerConfig, handler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		actionType:   actionType,
		config:       config,
		eventHandler: handler,
		logger:       logger.With(zap.String("action", actionType)),
		now:          time.Now,
	}
}

// AllowRequest 检查是否允许调用
func (cb *CircuitBreaker) AllowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.openedAt)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probes = 1
			cb.successes = 0
			return true, nil
		}
		return false, fmt.Errorf("circuit open for action %s: %d consecutive failures, retry after %v",
			cb.actionType, cb.failures, cb.config.RecoveryTimeout-elapsed)

	case CircuitHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxProbes {
			cb.probes++
			return true, nil
		}
		return false, fmt.Errorf("circuit half-open for action %s: max probes (%d) reached",
			cb.actionType, cb.config.HalfOpenMaxProbes)

	default:
		return false, fmt.Errorf("unknown circuit state: %d", cb.state)
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.transitionTo(CircuitClosed, "probes succeeded")
		}
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.openedAt = cb.now()
		cb.transitionTo(CircuitOpen, "failure while half-open")
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 手动恢复
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.eventHandler != nil {
		event := CircuitBreakerEvent{
			ActionType: cb.actionType,
			OldState:   oldState,
			NewState:   newState,
			Timestamp:  cb.now(),
			Reason:     reason,
			Failures:   cb.failures,
		}
		go cb.eventHandler.OnStateChange(event)
	}
}

// CircuitBreakerRegistry 按动作类型管理熔断器
type CircuitBreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, handler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: handler,
		logger:       logger.With(zap.String("component", "circuit_breaker")),
	}
}

// GetOrCreate returns the breaker for actionType, creating it on first use.
func (r *CircuitBreakerRegistry) GetOrCreate(actionType string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[actionType]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[actionType]; ok {
		return cb
	}
	cb = NewCircuitBreaker(actionType, r.config, r.eventHandler, r.logger)
	r.breakers[actionType] = cb
	return cb
}

// States 所有熔断器的状态快照
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Open lists action types whose breaker is currently open, sorted.
func (r *CircuitBreakerRegistry) Open() []string {
	var open []string
	for name, state := range r.States() {
		if state == CircuitOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}
