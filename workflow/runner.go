package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner starts workflow runs in the background and tracks them until they
// finish.
type Runner struct {
	executor *DAGExecutor
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

type runHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	record *RunRecord
	err    error
}

// NewRunner creates a runner over executor.
func NewRunner(executor *DAGExecutor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		executor: executor,
		logger:   logger.With(zap.String("component", "runner")),
		runs:     make(map[string]*runHandle),
	}
}

// Start launches a run and returns its id immediately. The run outlives
// ctx's cancellation but keeps its values.
func (r *Runner) Start(ctx context.Context, dag *WorkflowDAG, input any) (string, error) {
	if dag == nil {
		return "", fmt.Errorf("workflow graph cannot be nil")
	}
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.runs[runID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel(nil)
		record, err := r.executor.ExecuteRun(runCtx, runID, dag, input)

		r.mu.Lock()
		h.record, h.err = record, err
		r.mu.Unlock()
		close(h.done)
	}()

	r.logger.Info("run started", zap.String("run_id", runID), zap.String("workflow", dag.Name))
	return runID, nil
}

// Cancel stops a running run. Cancelling a finished run is a no-op.
func (r *Runner) Cancel(runID string) error {
	r.mu.Lock()
	h, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	h.cancel(ErrRunCancelled)
	r.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, runID string) (*RunRecord, error) {
	r.mu.Lock()
	h, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return h.record, h.err
}

// Done reports whether the run has finished.
func (r *Runner) Done(runID string) (bool, error) {
	r.mu.Lock()
	h, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-h.done:
		return true, nil
	default:
		return false, nil
	}
}

// Active lists ids of runs still executing, sorted.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, h := range r.runs {
		select {
		case <-h.done:
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget drops a finished run from the runner.
func (r *Runner) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.runs[runID]; ok {
		select {
		case <-h.done:
			delete(r.runs, runID)
		default:
		}
	}
}

// Shutdown cancels every active run and waits for them to drain.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, h := range r.runs {
		h.cancel(ErrRunCancelled)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}
