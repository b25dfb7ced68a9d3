// MockActions 的动作测试模拟实现。
//
// 支持固定结果、错误注入、自定义函数与调用记录。
package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/secflow/workflow"
)

// --- MockActions 结构 ---

// MockActions 是一组可配置的模拟动作
type MockActions struct {
	mu sync.Mutex

	funcs   map[string]workflow.ActionFunc
	results map[string]any
	errors  map[string]error
	secrets map[string][]string

	calls []ActionCall
}

// ActionCall 记录单次动作调用
type ActionCall struct {
	Name    string
	Args    map[string]any
	Secrets map[string]string
	Result  any
	Error   error
}

// --- 构造函数和 Builder 方法 ---

// NewMockActions 创建新的 MockActions
func NewMockActions() *MockActions {
	return &MockActions{
		funcs:   make(map[string]workflow.ActionFunc),
		results: make(map[string]any),
		errors:  make(map[string]error),
		secrets: make(map[string][]string),
	}
}

// WithFunc 注册动作及其执行函数
func (m *MockActions) WithFunc(name string, fn workflow.ActionFunc) *MockActions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[name] = fn
	return m
}

// WithResult 设置动作的固定返回结果
func (m *MockActions) WithResult(name string, result any) *MockActions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[name] = result
	return m
}

// WithError 设置动作的固定返回错误
func (m *MockActions) WithError(name string, err error) *MockActions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name] = err
	return m
}

// WithSecrets declares the secret placeholders name requires.
func (m *MockActions) WithSecrets(name string, placeholders ...string) *MockActions {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = placeholders
	return m
}

// --- Registry 集成 ---

// Names lists every configured action, sorted.
func (m *MockActions) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for _, set := range []map[string]struct{}{keys(m.funcs), keys(m.results), keys(m.errors), keys(m.secrets)} {
		for k := range set {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Specs returns one ActionSpec per configured action.
func (m *MockActions) Specs() []workflow.ActionSpec {
	names := m.Names()
	specs := make([]workflow.ActionSpec, 0, len(names))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		specs = append(specs, workflow.ActionSpec{
			Name:        name,
			Description: "Mock action: " + name,
			Secrets:     m.secrets[name],
			Func:        m.invoker(name),
		})
	}
	return specs
}

// Registry returns a registry holding the built-in actions plus the mocks.
func (m *MockActions) Registry() *workflow.Registry {
	return workflow.NewRegistryWithBuiltins().MustRegister(m.Specs()...)
}

func (m *MockActions) invoker(name string) workflow.ActionFunc {
	return func(ctx context.Context, args map[string]any, secrets map[string]string) (any, error) {
		m.mu.Lock()
		err, hasErr := m.errors[name]
		result, hasResult := m.results[name]
		fn := m.funcs[name]
		m.mu.Unlock()

		call := ActionCall{Name: name, Args: args, Secrets: secrets}
		switch {
		case hasErr:
			call.Error = err
		case hasResult:
			call.Result = result
		case fn != nil:
			call.Result, call.Error = fn(ctx, args, secrets)
		}

		m.mu.Lock()
		m.calls = append(m.calls, call)
		m.mu.Unlock()
		return call.Result, call.Error
	}
}

// --- 调用记录 ---

// Calls 返回全部调用记录的副本
func (m *MockActions) Calls() []ActionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActionCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo 返回指定动作的调用记录
func (m *MockActions) CallsTo(name string) []ActionCall {
	var out []ActionCall
	for _, c := range m.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Reset 清空调用记录
func (m *MockActions) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func keys[V any](in map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
