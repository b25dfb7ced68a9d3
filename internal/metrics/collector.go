package metrics

import (
	"errors"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector exports SecFlow metrics to Prometheus. It satisfies
// workflow.MetricsRecorder, workflow.AttemptObserver,
// workflow.CircuitBreakerEventHandler and dsl.CompileRecorder.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 编译指标
	compilesTotal   *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec
	compiledNodes   *prometheus.HistogramVec

	// 调度指标
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	nodesTotal     *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	nodesPruned    *prometheus.CounterVec
	attemptsTotal  *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	namespace string
	factory   promauto.Factory
	logger    *zap.Logger
}

// NewCollector registers every metric under namespace. A nil registerer
// uses prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{
		namespace: namespace,
		factory:   f,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
	c.httpResponseSize = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_response_size_bytes",
		Help:      "HTTP response size in bytes",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path"})

	c.compilesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_compiles_total",
		Help:      "Workflow compilations by result; failures carry the compile error kind",
	}, []string{"workflow", "result"})
	c.compileDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_compile_duration_seconds",
		Help:      "Workflow compilation duration in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"workflow"})
	c.compiledNodes = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_compiled_nodes",
		Help:      "Number of nodes in compiled graphs",
		Buckets:   prometheus.ExponentialBuckets(2, 2, 8),
	}, []string{"workflow"})

	c.runsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_runs_total",
		Help:      "Finished workflow runs by status",
	}, []string{"workflow", "status"})
	c.runDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_run_duration_seconds",
		Help:      "Workflow run duration in seconds",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"workflow"})
	c.nodesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_node_executions_total",
		Help:      "Settled node executions by node type and status",
	}, []string{"workflow", "node_type", "status"})
	c.nodeDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_node_duration_seconds",
		Help:      "Node execution duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"workflow", "node_type"})
	c.nodesPruned = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_pruned_nodes_total",
		Help:      "Nodes eliminated by untaken conditional branches",
	}, []string{"workflow"})
	c.attemptsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activity_attempts_total",
		Help:      "Action attempts by action type and result",
	}, []string{"action_type", "result"})
	c.attemptLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "activity_attempt_duration_seconds",
		Help:      "Action attempt duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action_type"})
	c.breakerState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per action type (0 closed, 1 open, 2 half open)",
	}, []string{"action_type"})

	c.dbConnectionsOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	}, []string{"database"})
	c.dbConnectionsIdle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	}, []string{"database"})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求；path 应为路由模式而非原始 URL
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧩 编译与调度
// =============================================================================

func (c *Collector) RecordCompile(workflowName string, nodes int, err error, duration time.Duration) {
	c.compilesTotal.WithLabelValues(workflowName, compileResult(err)).Inc()
	c.compileDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
	if err == nil {
		c.compiledNodes.WithLabelValues(workflowName).Observe(float64(nodes))
	}
}

func (c *Collector) RecordRun(workflowName string, status workflow.RunStatus, duration time.Duration) {
	c.runsTotal.WithLabelValues(workflowName, string(status)).Inc()
	c.runDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

// ObserveActiveRuns exports the number of executing runs as reported by
// count at scrape time. Call it once per collector.
func (c *Collector) ObserveActiveRuns(count func() int) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      "workflow_runs_active",
		Help:      "Workflow runs currently executing",
	}, func() float64 { return float64(count()) })
}

func (c *Collector) RecordNodeExecution(workflowName string, nodeType workflow.NodeType, status workflow.RunStatus, duration time.Duration) {
	c.nodesTotal.WithLabelValues(workflowName, string(nodeType), string(status)).Inc()
	c.nodeDuration.WithLabelValues(workflowName, string(nodeType)).Observe(duration.Seconds())
}

func (c *Collector) RecordPrunedNodes(workflowName string, count int) {
	if count > 0 {
		c.nodesPruned.WithLabelValues(workflowName).Add(float64(count))
	}
}

func (c *Collector) RecordActivityAttempt(actionType string, _ int, err error, duration time.Duration) {
	c.attemptsTotal.WithLabelValues(actionType, attemptResult(err)).Inc()
	c.attemptLatency.WithLabelValues(actionType).Observe(duration.Seconds())
}

// OnStateChange mirrors circuit breaker transitions into a gauge.
func (c *Collector) OnStateChange(event workflow.CircuitBreakerEvent) {
	c.breakerState.WithLabelValues(event.ActionType).Set(float64(event.NewState))
	if event.NewState == workflow.CircuitOpen {
		c.logger.Warn("circuit breaker opened",
			zap.String("action_type", event.ActionType),
			zap.String("reason", event.Reason))
	}
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归并为状态类
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func compileResult(err error) string {
	if err == nil {
		return "ok"
	}
	var ce *workflow.CompileError
	if errors.As(err, &ce) {
		return string(ce.Kind)
	}
	return "error"
}

func attemptResult(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *workflow.ActionError
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	return "error"
}
