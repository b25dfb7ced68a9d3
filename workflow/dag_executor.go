package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/secflow/internal/ctxkeys"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/BaSui01/secflow/workflow"

// ExecutorConfig tunes the scheduler.
type ExecutorConfig struct {
	// MaxConcurrency bounds concurrently running node tasks, 0 means unbounded.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	// ActivityTimeout is the per-attempt timeout handed to the activity executor.
	ActivityTimeout time.Duration `json:"activity_timeout" yaml:"activity_timeout"`
	RetryPolicy     RetryPolicy   `json:"retry_policy" yaml:"retry_policy"`
	// KeepVariables copies the final execution state into the run record.
	KeepVariables bool `json:"keep_variables" yaml:"keep_variables"`
}

// DefaultExecutorConfig returns the scheduler defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency:  16,
		ActivityTimeout: time.Minute,
		RetryPolicy:     DefaultRetryPolicy(),
	}
}

// MetricsRecorder receives scheduler measurements.
type MetricsRecorder interface {
	RecordRun(workflow string, status RunStatus, duration time.Duration)
	RecordNodeExecution(workflow string, nodeType NodeType, status RunStatus, duration time.Duration)
	RecordPrunedNodes(workflow string, count int)
}

// ExecutionState maps variable names to the last value written.
type ExecutionState struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewExecutionState creates an empty state.
func NewExecutionState() *ExecutionState {
	return &ExecutionState{vars: make(map[string]any)}
}

// Set stores a variable.
func (s *ExecutionState) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Get reads a variable.
func (s *ExecutionState) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Snapshot returns a shallow copy. Stored values are never mutated in place.
func (s *ExecutionState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		cp[k] = v
	}
	return cp
}

// DAGExecutor schedules a compiled workflow graph. Each node runs at most
// once per run; a node starts only after every non-eliminated incoming edge
// has completed.
type DAGExecutor struct {
	activities ActivityExecutor
	secrets    SecretStore
	store      RunStore
	metrics    MetricsRecorder
	tracer     trace.Tracer
	config     ExecutorConfig
	logger     *zap.Logger
}

// ExecutorOption configures a DAGExecutor.
type ExecutorOption func(*DAGExecutor)

// WithSecretStore sets the store used to resolve node secrets mappings.
func WithSecretStore(s SecretStore) ExecutorOption {
	return func(e *DAGExecutor) { e.secrets = s }
}

// WithRunStore persists run artifacts as steps finish.
func WithRunStore(s RunStore) ExecutorOption {
	return func(e *DAGExecutor) { e.store = s }
}

// WithMetrics records run and node measurements.
func WithMetrics(m MetricsRecorder) ExecutorOption {
	return func(e *DAGExecutor) { e.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *DAGExecutor) { e.tracer = t }
}

// WithExecutorConfig replaces the default configuration.
func WithExecutorConfig(cfg ExecutorConfig) ExecutorOption {
	return func(e *DAGExecutor) { e.config = cfg }
}

// NewDAGExecutor creates a scheduler dispatching actions to activities.
func NewDAGExecutor(activities ActivityExecutor, logger *zap.Logger, opts ...ExecutorOption) *DAGExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &DAGExecutor{
		activities: activities,
		config:     DefaultExecutorConfig(),
		logger:     logger.With(zap.String("component", "dag_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Execute runs dag with a fresh run id.
func (e *DAGExecutor) Execute(ctx context.Context, dag *WorkflowDAG, input any) (*RunRecord, error) {
	return e.ExecuteRun(ctx, uuid.NewString(), dag, input)
}

// ExecuteRun runs dag under runID until every reachable node has completed,
// a node fails, or ctx is cancelled. The returned record is never nil once
// the graph is accepted; the error is a *RunFailure on node failure.
func (e *DAGExecutor) ExecuteRun(ctx context.Context, runID string, dag *WorkflowDAG, input any) (*RunRecord, error) {
	if dag == nil {
		return nil, fmt.Errorf("workflow graph cannot be nil")
	}
	start := dag.Start()
	if start == nil {
		return nil, fmt.Errorf("workflow %q has no start node", dag.Name)
	}

	ctx = ctxkeys.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", dag.Name),
		attribute.String("workflow.run_id", runID),
	))
	defer span.End()

	st := newRunState(runID, dag, input)
	logger := e.logger.With(zap.String("run_id", runID), zap.String("workflow", dag.Name))
	logger.Info("starting workflow run", zap.Int("nodes", len(dag.Nodes)))

	e.dispatch(ctx, st, logger)

	status := RunStatusCompleted
	var runErr error
	switch {
	case st.failure != nil:
		status = RunStatusFailed
		runErr = st.failure
	case st.cancelled:
		status = RunStatusCancelled
		runErr = fmt.Errorf("run %s %w: %w", runID, ErrRunCancelled, context.Cause(ctx))
	}

	var vars map[string]any
	if e.config.KeepVariables {
		vars = st.vars.Snapshot()
	}
	pruned := st.prunedIDs()
	st.recorder.complete(status, st.failure, pruned, vars)
	run := st.recorder.snapshot()
	e.persist(ctx, run, logger)

	if e.metrics != nil {
		e.metrics.RecordRun(dag.Name, status, run.Duration())
		e.metrics.RecordPrunedNodes(dag.Name, len(pruned))
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Warn("workflow run did not complete",
			zap.String("status", string(status)),
			zap.Int("steps", len(run.Steps)),
			zap.Error(runErr))
		return run, runErr
	}

	logger.Info("workflow run completed",
		zap.Int("steps", len(run.Steps)),
		zap.Int("pruned", len(pruned)),
		zap.Duration("duration", run.Duration()))
	return run, nil
}

// readyItem is a node whose incoming edges are all accounted for.
type readyItem struct {
	nodeID          string
	predecessorStep string
}

// runState is the mutable bookkeeping of one run. Fields below mu are only
// touched with mu held; execution state has its own lock.
type runState struct {
	runID    string
	dag      *WorkflowDAG
	input    any
	vars     *ExecutionState
	recorder *runRecorder

	mu        sync.Mutex
	cond      *sync.Cond
	inDegree  map[string]int
	required  map[string]int
	resolved  map[string]int
	lastPred  map[string]string
	queue     []readyItem
	pruned    map[string]bool
	scheduled map[string]bool
	inFlight  int
	failure   *RunFailure
	cancelled bool
}

func newRunState(runID string, dag *WorkflowDAG, input any) *runState {
	inDegree := dag.InDegrees()
	required := make(map[string]int, len(inDegree))
	for id, n := range inDegree {
		required[id] = n
	}
	st := &runState{
		runID:     runID,
		dag:       dag,
		input:     input,
		vars:      NewExecutionState(),
		recorder:  newRunRecorder(runID, dag, input),
		inDegree:  inDegree,
		required:  required,
		resolved:  make(map[string]int, len(inDegree)),
		lastPred:  make(map[string]string),
		pruned:    make(map[string]bool),
		scheduled: make(map[string]bool),
	}
	st.cond = sync.NewCond(&st.mu)
	st.queue = append(st.queue, readyItem{nodeID: StartNodeID})
	st.scheduled[StartNodeID] = true
	return st
}

// dispatch hands ready nodes to the task group until the run settles. Only
// this goroutine calls g.Go, so a full group never blocks a finishing task.
func (e *DAGExecutor) dispatch(ctx context.Context, st *runState, logger *zap.Logger) {
	var g errgroup.Group
	if e.config.MaxConcurrency > 0 {
		g.SetLimit(e.config.MaxConcurrency)
	}

	stop := context.AfterFunc(ctx, func() {
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	})
	defer stop()

	for {
		st.mu.Lock()
		for len(st.queue) == 0 && st.inFlight > 0 && st.failure == nil && ctx.Err() == nil {
			st.cond.Wait()
		}
		if ctx.Err() != nil && (len(st.queue) > 0 || st.inFlight > 0) {
			st.cancelled = true
		}
		if st.failure != nil || st.cancelled || len(st.queue) == 0 {
			st.mu.Unlock()
			break
		}
		item := st.queue[0]
		st.queue = st.queue[1:]
		st.inFlight++
		st.mu.Unlock()

		g.Go(func() error {
			e.runNode(ctx, st, item, logger)
			return nil
		})
	}

	_ = g.Wait()
}

// nodeOutcome is what a task reports back to the bookkeeping.
type nodeOutcome struct {
	result any
	// variable is set when the result is stored in the execution state.
	variable string
	// taken lists the outgoing edge kinds to complete; the others are
	// eliminated.
	taken EdgeKind
	err   error
}

func (e *DAGExecutor) runNode(ctx context.Context, st *runState, item readyItem, logger *zap.Logger) {
	node := st.dag.Nodes[item.nodeID]
	step := &StepRecord{
		StepID:            uuid.NewString(),
		NodeID:            item.nodeID,
		NodeType:          node.Type(),
		PredecessorStepID: item.predecessorStep,
	}
	if a, ok := node.(*ActionNode); ok {
		step.ActionType = a.ActionType
	}
	st.recorder.startStep(step)

	nodeCtx, span := e.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.node_id", item.nodeID),
		attribute.String("workflow.node_type", string(node.Type())),
	))
	begin := time.Now()

	var out nodeOutcome
	switch n := node.(type) {
	case *StartNode:
		out = nodeOutcome{result: st.input, variable: n.ResultVariable, taken: EdgeNext}
	case *ActionNode:
		out = e.runAction(withStepLog(nodeCtx, st.recorder, step), st, n, step)
	case *ConditionalNode:
		out = e.runConditional(st, n)
	default:
		out = nodeOutcome{err: fmt.Errorf("unsupported node type %T", node)}
	}

	status := st.settle(ctx, step, out)

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	span.End()

	duration := time.Since(begin)
	if e.metrics != nil {
		e.metrics.RecordNodeExecution(st.dag.Name, node.Type(), status, duration)
	}
	switch status {
	case RunStatusFailed:
		logger.Error("node failed",
			zap.String("node_id", item.nodeID),
			zap.Duration("duration", duration),
			zap.Error(out.err))
	case RunStatusCancelled:
		logger.Info("node result discarded after cancellation", zap.String("node_id", item.nodeID))
	default:
		logger.Debug("node completed",
			zap.String("node_id", item.nodeID),
			zap.String("node_type", string(node.Type())),
			zap.Duration("duration", duration))
	}

	e.persist(ctx, st.recorder.snapshot(), logger)
}

func stepError(err error, status RunStatus) error {
	if status == RunStatusCancelled && err == nil {
		return ErrRunCancelled
	}
	return err
}

func (e *DAGExecutor) runAction(ctx context.Context, st *runState, n *ActionNode, step *StepRecord) nodeOutcome {
	args, err := ResolveArgs(n.Args, st.vars.Snapshot())
	if err != nil {
		return nodeOutcome{err: err}
	}
	st.recorder.setArgs(step, args)

	var result any
	if n.ActionType == WaitActionType {
		result, err = wait(ctx, args)
	} else {
		var secrets map[string]string
		secrets, err = resolveSecrets(ctx, e.secrets, n.SecretsMapping)
		if err != nil {
			return nodeOutcome{err: err}
		}
		result, err = e.activities.Execute(ctx, ActivityRequest{
			ActionType:  n.ActionType,
			Args:        args,
			Secrets:     secrets,
			Timeout:     e.config.ActivityTimeout,
			RetryPolicy: e.config.RetryPolicy,
			RunID:       st.runID,
			NodeID:      n.ID,
		})
	}
	if err != nil {
		return nodeOutcome{err: err}
	}
	return nodeOutcome{result: result, variable: n.ResultVariable, taken: EdgeNext}
}

func (e *DAGExecutor) runConditional(st *runState, n *ConditionalNode) nodeOutcome {
	resolved, err := ResolveReferences(n.Condition, st.vars.Snapshot())
	if err != nil {
		return nodeOutcome{err: fmt.Errorf("condition %q: %w", n.ConditionText, err)}
	}
	ok, err := EvaluateBool(resolved)
	if err != nil {
		return nodeOutcome{err: fmt.Errorf("condition %q: %w", n.ConditionText, err)}
	}
	taken := EdgeFalse
	if ok {
		taken = EdgeTrue
	}
	return nodeOutcome{result: ok, taken: taken}
}

// settle applies a task outcome to the run bookkeeping and returns the step
// status. The step is finished before any successor can be dispatched.
func (st *runState) settle(ctx context.Context, step *StepRecord, out nodeOutcome) (status RunStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	defer st.cond.Broadcast()
	defer func() {
		st.recorder.finishStep(step, out.result, stepError(out.err, status), status)
	}()
	st.inFlight--
	nodeID, stepID := step.NodeID, step.StepID

	if ctx.Err() != nil {
		st.cancelled = true
		return RunStatusCancelled
	}
	if out.err != nil {
		if st.failure == nil {
			st.failure = &RunFailure{RunID: st.runID, NodeID: nodeID, Cause: out.err}
		}
		return RunStatusFailed
	}

	if out.variable != "" {
		st.vars.Set(out.variable, out.result)
	}
	node := st.dag.Nodes[nodeID]
	for _, kind := range node.EdgeKinds() {
		if kind != out.taken {
			st.eliminate(node.Successors(kind))
		}
	}
	for _, child := range node.Successors(out.taken) {
		st.resolved[child]++
		st.lastPred[child] = stepID
		st.markReadyIfSettled(child)
	}
	return RunStatusCompleted
}

// eliminate discounts edges into children breadth-first. A child left with
// no live incoming edge is pruned and its own edges eliminated in turn.
func (st *runState) eliminate(children []string) {
	queue := append([]string(nil), children...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		st.required[id]--
		if st.required[id] == 0 && st.resolved[id] == 0 {
			if st.pruned[id] {
				continue
			}
			st.pruned[id] = true
			n := st.dag.Nodes[id]
			for _, kind := range n.EdgeKinds() {
				queue = append(queue, n.Successors(kind)...)
			}
			continue
		}
		st.markReadyIfSettled(id)
	}
}

func (st *runState) markReadyIfSettled(id string) {
	if st.pruned[id] || st.scheduled[id] {
		return
	}
	if st.required[id] > 0 && st.resolved[id] == st.required[id] {
		st.scheduled[id] = true
		st.queue = append(st.queue, readyItem{nodeID: id, predecessorStep: st.lastPred[id]})
	}
}

func (st *runState) prunedIDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.pruned))
	for id := range st.pruned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *DAGExecutor) persist(ctx context.Context, run *RunRecord, logger *zap.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to persist run", zap.Error(err))
	}
}

// wait suspends the task for the requested number of seconds.
func wait(ctx context.Context, args map[string]any) (any, error) {
	d, err := waitDuration(args)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"waited_seconds": d.Seconds()}, nil
	}
}

func waitDuration(args map[string]any) (time.Duration, error) {
	raw, ok := args["seconds"]
	if !ok {
		return 0, NewNonRetryableError("invalid_argument", "%s requires a seconds argument", WaitActionType)
	}
	secs, ok := toFloat64(raw)
	if !ok || secs < 0 {
		return 0, NewNonRetryableError("invalid_argument", "seconds must be a non-negative number, got %v", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// IsRunFailure extracts the run failure from err.
func IsRunFailure(err error) (*RunFailure, bool) {
	var f *RunFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
