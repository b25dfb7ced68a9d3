package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/secflow/api"
	"github.com/BaSui01/secflow/workflow"
	"github.com/BaSui01/secflow/workflow/dsl"
	"github.com/BaSui01/secflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 工作流 Handler
// =============================================================================

// RunController is the part of workflow.Runner the API drives.
type RunController interface {
	Start(ctx context.Context, dag *workflow.WorkflowDAG, input any) (string, error)
	Cancel(runID string) error
	Wait(ctx context.Context, runID string) (*workflow.RunRecord, error)
	Done(runID string) (bool, error)
	Forget(runID string)
}

var _ RunController = (*workflow.Runner)(nil)

// WorkflowHandler compiles, stores and starts workflows.
type WorkflowHandler struct {
	store     persistence.Store
	compiler  *dsl.Compiler
	parser    *dsl.Parser
	validator *dsl.Validator
	runs      RunController
	logger    *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(store persistence.Store, compiler *dsl.Compiler, validator *dsl.Validator, runs RunController, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		store:     store,
		compiler:  compiler,
		parser:    dsl.NewParser(),
		validator: validator,
		runs:      runs,
		logger:    logger.With(zap.String("component", "workflow_handler")),
	}
}

// Register mounts the workflow routes on mux.
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/compile", h.HandleCompile)
	mux.HandleFunc("POST /api/v1/workflows", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/workflows/{id}", h.HandleReplace)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/workflows/{id}/runs", h.HandleStartRun)
	mux.HandleFunc("GET /api/v1/workflows/{id}/runs", h.HandleListRuns)
}

// HandleCompile compiles a YAML document without storing it. Lint issues
// are reported alongside the compile error when compilation fails.
func (h *WorkflowHandler) HandleCompile(w http.ResponseWriter, r *http.Request) {
	src, err := ReadBody(r)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	dag, err := h.compiler.CompileSource(r.Context(), src)
	if err != nil {
		apiErr := FromError(err)
		if lint := h.lint(src); len(lint) > 0 {
			WriteJSON(w, mapErrorCodeToHTTPStatus(apiErr.Code), Response{
				Success:   false,
				Error:     &ErrorInfo{Code: string(apiErr.Code), Message: apiErr.Message, Details: apiErr.Details},
				Data:      api.CompileResponse{Lint: lint},
				RequestID: w.Header().Get(RequestIDHeader),
			})
			return
		}
		WriteError(w, apiErr, h.logger)
		return
	}
	WriteSuccess(w, api.CompileResponse{Name: dag.Name, DAG: workflow.ToDefinition(dag)})
}

// HandleCreate compiles and stores a new definition.
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	def, err := h.compileDefinition(r, "")
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	if err := h.store.SaveDefinition(r.Context(), def); err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	h.logger.Info("workflow stored", zap.String("id", def.ID), zap.String("name", def.Name), zap.Int("version", def.Version))
	WriteData(w, http.StatusCreated, def)
}

// HandleReplace recompiles an existing definition, bumping its version.
func (h *WorkflowHandler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.store.GetDefinition(r.Context(), id); err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	def, err := h.compileDefinition(r, id)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	if err := h.store.SaveDefinition(r.Context(), def); err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	h.logger.Info("workflow replaced", zap.String("id", def.ID), zap.Int("version", def.Version))
	WriteSuccess(w, def)
}

func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	opts, err := ListOptions(r)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	defs, err := h.store.ListDefinitions(r.Context(), opts)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	out := make([]api.WorkflowSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, api.WorkflowSummary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			Nodes:       len(d.DAG.DAG),
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		})
	}
	WriteSuccess(w, out)
}

func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteDefinition(r.Context(), id); err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	h.logger.Info("workflow deleted", zap.String("id", id))
	WriteSuccess(w, map[string]string{"id": id})
}

// HandleStartRun starts an asynchronous run of a stored definition. The
// JSON body is the workflow input.
func (h *WorkflowHandler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	input, err := DecodeJSONBody(r)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	dag, err := def.Workflow()
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}

	runID, err := h.runs.Start(r.Context(), dag, input)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	// 运行结束后记录已落盘，释放 runner 中的句柄
	go func() {
		_, _ = h.runs.Wait(context.Background(), runID)
		h.runs.Forget(runID)
	}()

	WriteData(w, http.StatusAccepted, api.StartRunResponse{
		RunID:      runID,
		WorkflowID: def.ID,
		Status:     string(workflow.RunStatusRunning),
	})
}

// HandleListRuns lists a workflow's runs newest first. Runs outlive their
// definition, so an unknown id yields an empty list.
func (h *WorkflowHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts, err := ListOptions(r)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	runs, err := h.store.ListRuns(r.Context(), id, opts)
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

// =============================================================================
// 🔧 辅助方法
// =============================================================================

func (h *WorkflowHandler) compileDefinition(r *http.Request, id string) (*persistence.Definition, error) {
	src, err := ReadBody(r)
	if err != nil {
		return nil, err
	}
	dag, err := h.compiler.CompileSource(r.Context(), src)
	if err != nil {
		return nil, err
	}
	return &persistence.Definition{
		ID:          id,
		Name:        dag.Name,
		Description: dag.Description,
		Source:      string(src),
		DAG:         workflow.ToDefinition(dag),
	}, nil
}

func (h *WorkflowHandler) lint(src []byte) []string {
	if h.validator == nil {
		return nil
	}
	doc, err := h.parser.Parse(src)
	if err != nil {
		return nil
	}
	var out []string
	for _, issue := range h.validator.Validate(doc) {
		out = append(out, issue.Error())
	}
	return out
}
