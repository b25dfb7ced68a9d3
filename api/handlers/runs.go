package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/secflow/api"
	"github.com/BaSui01/secflow/types"
	"github.com/BaSui01/secflow/workflow"
	"github.com/BaSui01/secflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 🏃 运行 Handler
// =============================================================================

// RunHandler reads and cancels runs.
type RunHandler struct {
	store  persistence.Store
	runs   RunController
	logger *zap.Logger
}

// NewRunHandler 创建运行处理器
func NewRunHandler(store persistence.Store, runs RunController, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		store:  store,
		runs:   runs,
		logger: logger.With(zap.String("component", "run_handler")),
	}
}

// Register mounts the run routes on mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/runs", h.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.HandleCancel)
}

// HandleGet returns the persisted run record. A run that was accepted but
// has not written its first artifact yet reads as running.
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		if done, derr := h.runs.Done(id); derr == nil && !done {
			WriteSuccess(w, &workflow.RunRecord{RunID: id, Status: workflow.RunStatusRunning})
			return
		}
	}
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteSuccess(w, rec)
}

// HandleList lists runs across all workflows, newest first.
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	opts, err := ListOptions(r)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	runs, err := h.store.ListRuns(r.Context(), "", opts)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	out := make([]api.RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, api.SummarizeRun(run))
	}
	WriteSuccess(w, out)
}

// HandleCancel requests cancellation of an active run. Settled runs answer
// 409, unknown runs 404.
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.runs.Cancel(id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		if _, gerr := h.store.GetRun(r.Context(), id); gerr == nil {
			WriteError(w, types.NewError(types.ErrConflict, "run already finished"), h.logger)
			return
		}
	}
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	h.logger.Info("run cancel requested", zap.String("run_id", id))
	WriteData(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}
