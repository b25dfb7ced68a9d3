package api

import (
	"time"

	"github.com/BaSui01/secflow/workflow"
)

// =============================================================================
// 工作流定义
// =============================================================================

// WorkflowSummary is the list view of a stored definition.
type WorkflowSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	Nodes       int       `json:"nodes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CompileResponse is returned by the dry-run compile endpoint.
type CompileResponse struct {
	Name string                  `json:"name"`
	DAG  *workflow.DAGDefinition `json:"dag"`
	// Lint 是编译前的逐条语句检查结果，编译成功时通常为空
	Lint []string `json:"lint,omitempty"`
}

// =============================================================================
// 运行
// =============================================================================

// StartRunResponse acknowledges an accepted run.
type StartRunResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	RunID        string             `json:"run_id"`
	WorkflowID   string             `json:"workflow_id,omitempty"`
	WorkflowName string             `json:"workflow_name"`
	Status       workflow.RunStatus `json:"status"`
	Steps        int                `json:"steps"`
	Pruned       int                `json:"pruned"`
	Error        string             `json:"error,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at,omitempty"`
}

// SummarizeRun builds the list view of rec.
func SummarizeRun(rec *workflow.RunRecord) RunSummary {
	return RunSummary{
		RunID:        rec.RunID,
		WorkflowID:   rec.WorkflowID,
		WorkflowName: rec.WorkflowName,
		Status:       rec.Status,
		Steps:        len(rec.Steps),
		Pruned:       len(rec.Pruned),
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
}
