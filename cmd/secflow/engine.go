package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/secflow/config"
	"github.com/BaSui01/secflow/internal/metrics"
	"github.com/BaSui01/secflow/internal/telemetry"
	"github.com/BaSui01/secflow/workflow"
	"github.com/BaSui01/secflow/workflow/dsl"
)

// =============================================================================
// ⚙️ 引擎装配
// =============================================================================

// engine bundles the compiler and scheduler built from one config.
type engine struct {
	registry  *workflow.Registry
	executor  *workflow.DAGExecutor
	runner    *workflow.Runner
	compiler  *dsl.Compiler
	validator *dsl.Validator
}

// engineDeps are the optional collaborators; zero values disable them.
type engineDeps struct {
	store     workflow.RunStore
	collector *metrics.Collector
	otel      *telemetry.Providers
}

func newEngine(cfg *config.Config, logger *zap.Logger, deps engineDeps) (*engine, error) {
	reg := workflow.NewRegistryWithBuiltins()
	ec := cfg.Engine

	var localOpts []workflow.LocalExecutorOption
	if ec.RateLimitRPS > 0 {
		localOpts = append(localOpts, workflow.WithRateLimit(ec.RateLimitRPS, ec.RateLimitBurst))
	}
	if ec.CircuitBreaker.Enabled {
		var handler workflow.CircuitBreakerEventHandler
		if deps.collector != nil {
			handler = deps.collector
		}
		breakers := workflow.NewCircuitBreakerRegistry(ec.CircuitBreaker.BreakerConfig(), handler, logger)
		localOpts = append(localOpts, workflow.WithCircuitBreakers(breakers))
	}
	if deps.collector != nil {
		localOpts = append(localOpts, workflow.WithAttemptObserver(deps.collector))
	}

	tracer := deps.otel.Tracer()
	execOpts := []workflow.ExecutorOption{
		workflow.WithExecutorConfig(ec.ExecutorConfig()),
		workflow.WithSecretStore(workflow.EnvSecretStore{Prefix: ec.SecretEnvPrefix}),
		workflow.WithTracer(tracer),
	}
	if deps.store != nil {
		execOpts = append(execOpts, workflow.WithRunStore(deps.store))
	}
	recorder, err := runRecorder(deps)
	if err != nil {
		return nil, err
	}
	if recorder != nil {
		execOpts = append(execOpts, workflow.WithMetrics(recorder))
	}

	compileOpts := []dsl.CompilerOption{dsl.WithCompileTracer(tracer)}
	if deps.collector != nil {
		compileOpts = append(compileOpts, dsl.WithCompileMetrics(deps.collector))
	}

	executor := workflow.NewDAGExecutor(workflow.NewLocalExecutor(reg, logger, localOpts...), logger, execOpts...)
	return &engine{
		registry:  reg,
		executor:  executor,
		runner:    workflow.NewRunner(executor, logger),
		compiler:  dsl.NewCompiler(reg, logger, compileOpts...),
		validator: dsl.NewValidator(reg),
	}, nil
}

// runRecorder layers the OTel instruments over the Prometheus collector
// when telemetry is enabled.
func runRecorder(deps engineDeps) (workflow.MetricsRecorder, error) {
	var next workflow.MetricsRecorder
	if deps.collector != nil {
		next = deps.collector
	}
	if !deps.otel.Enabled() {
		return next, nil
	}
	inst, err := telemetry.NewRunInstruments(deps.otel.Meter(), next)
	if err != nil {
		return nil, fmt.Errorf("create run instruments: %w", err)
	}
	return inst, nil
}
