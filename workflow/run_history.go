package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a run or a step.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions happen.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepRecord is the artifact of one executed node.
type StepRecord struct {
	StepID     string   `json:"step_id"`
	NodeID     string   `json:"node_id"`
	NodeType   NodeType `json:"node_type"`
	ActionType string   `json:"action_type,omitempty"`
	// PredecessorStepID is the step whose completion made this node ready.
	PredecessorStepID string         `json:"predecessor_step_id,omitempty"`
	Args              map[string]any `json:"args,omitempty"`
	Result            any            `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	Logs              []string       `json:"logs,omitempty"`
	Status            RunStatus      `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at,omitempty"`
}

// RunRecord is the artifact of a whole run. Steps are ordered by start time.
type RunRecord struct {
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	Status       RunStatus      `json:"status"`
	Input        any            `json:"input,omitempty"`
	Steps        []*StepRecord  `json:"steps"`
	Pruned       []string       `json:"pruned,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailedNode   string         `json:"failed_node,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
}

// Step returns the first step recorded for nodeID.
func (r *RunRecord) Step(nodeID string) *StepRecord {
	for _, s := range r.Steps {
		if s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

// Duration of the run, zero while running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStore receives run artifacts as a run progresses.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
}

// runRecorder guards a RunRecord while tasks append to it concurrently.
type runRecorder struct {
	mu  sync.Mutex
	run *RunRecord
}

func newRunRecorder(runID string, dag *WorkflowDAG, input any) *runRecorder {
	return &runRecorder{run: &RunRecord{
		RunID:        runID,
		WorkflowName: dag.Name,
		WorkflowID:   dag.ID,
		Status:       RunStatusRunning,
		Input:        input,
		Steps:        make([]*StepRecord, 0),
		StartedAt:    time.Now(),
	}}
}

func (r *runRecorder) startStep(step *StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Status = RunStatusRunning
	step.StartedAt = time.Now()
	r.run.Steps = append(r.run.Steps, step)
}

func (r *runRecorder) setArgs(step *StepRecord, args map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Args = args
}

func (r *runRecorder) finishStep(step *StepRecord, result any, err error, status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.FinishedAt = time.Now()
	step.Status = status
	if err != nil {
		step.Error = err.Error()
		return
	}
	step.Result = result
}

func (r *runRecorder) appendLog(step *StepRecord, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Logs = append(step.Logs, line)
}

func (r *runRecorder) complete(status RunStatus, failure *RunFailure, pruned []string, vars map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.run.Status = status
	r.run.FinishedAt = time.Now()
	r.run.Pruned = pruned
	r.run.Variables = vars
	if failure != nil {
		r.run.Error = failure.Cause.Error()
		r.run.FailedNode = failure.NodeID
	}
}

// snapshot returns a deep enough copy for persistence and callers.
func (r *runRecorder) snapshot() *RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.run
	cp.Steps = make([]*StepRecord, len(r.run.Steps))
	for i, s := range r.run.Steps {
		step := *s
		step.Logs = append([]string(nil), s.Logs...)
		cp.Steps[i] = &step
	}
	cp.Pruned = append([]string(nil), r.run.Pruned...)
	return &cp
}

type stepLogKey struct{}

type stepLogSink struct {
	recorder *runRecorder
	step     *StepRecord
}

func withStepLog(ctx context.Context, recorder *runRecorder, step *StepRecord) context.Context {
	return context.WithValue(ctx, stepLogKey{}, &stepLogSink{recorder: recorder, step: step})
}

// StepLog appends a line to the logs of the step executing under ctx. It is
// a no-op outside a scheduled action.
func StepLog(ctx context.Context, format string, args ...any) {
	sink, ok := ctx.Value(stepLogKey{}).(*stepLogSink)
	if !ok {
		return
	}
	sink.recorder.appendLog(sink.step, fmt.Sprintf(format, args...))
}
