package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefinitionModel is a row of workflow_definitions.
type DefinitionModel struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"size:255;not null;index:idx_workflow_definitions_name" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Version     int       `gorm:"not null;default:1" json:"version"`
	Source      string    `gorm:"type:text" json:"source"`
	DAG         string    `gorm:"column:dag;type:text;not null" json:"dag"` // DAGDefinition JSON
	CreatedAt   time.Time `gorm:"index:idx_workflow_definitions_created_at" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DefinitionModel) TableName() string { return "workflow_definitions" }

// RunModel is a row of workflow_runs.
type RunModel struct {
	ID           string     `gorm:"column:run_id;primaryKey;size:64" json:"run_id"`
	WorkflowID   string     `gorm:"size:64;index:idx_workflow_runs_workflow_id" json:"workflow_id"`
	WorkflowName string     `gorm:"size:255;not null" json:"workflow_name"`
	Status       string     `gorm:"size:32;not null;index:idx_workflow_runs_status" json:"status"`
	Input        string     `gorm:"type:text" json:"input"`
	Pruned       string     `gorm:"type:text" json:"pruned"`
	Variables    string     `gorm:"type:text" json:"variables"`
	Error        string     `gorm:"type:text" json:"error"`
	FailedNode   string     `gorm:"size:255" json:"failed_node"`
	StartedAt    time.Time  `gorm:"not null;index:idx_workflow_runs_started_at" json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`

	Steps []StepModel `gorm:"foreignKey:RunID;references:ID" json:"steps,omitempty"`
}

// TableName 指定表名
func (RunModel) TableName() string { return "workflow_runs" }

// StepModel is a row of workflow_run_steps.
type StepModel struct {
	ID                string     `gorm:"column:step_id;primaryKey;size:64" json:"step_id"`
	RunID             string     `gorm:"size:64;not null;index:idx_workflow_run_steps_run_id" json:"run_id"`
	Seq               int        `gorm:"not null" json:"seq"` // start order within the run
	NodeID            string     `gorm:"size:255;not null" json:"node_id"`
	NodeType          string     `gorm:"size:32;not null" json:"node_type"`
	ActionType        string     `gorm:"size:255" json:"action_type"`
	PredecessorStepID string     `gorm:"size:64" json:"predecessor_step_id"`
	Status            string     `gorm:"size:32;not null" json:"status"`
	Args              string     `gorm:"type:text" json:"args"`
	Result            string     `gorm:"type:text" json:"result"`
	Error             string     `gorm:"type:text" json:"error"`
	Logs              string     `gorm:"type:text" json:"logs"`
	StartedAt         time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
}

// TableName 指定表名
func (StepModel) TableName() string { return "workflow_run_steps" }

// Models lists the tables owned by the SQL store, for AutoMigrate.
func Models() []any {
	return []any{&DefinitionModel{}, &RunModel{}, &StepModel{}}
}

// GormStore persists into a relational database through GORM. The schema
// is created by the embedded migrations or by AutoMigrate(Models()...).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormStore wraps an open database handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_store")),
		now:    time.Now,
	}, nil
}

func (s *GormStore) SaveDefinition(ctx context.Context, def *Definition) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous *Definition
		if def != nil && def.ID != "" {
			var m DefinitionModel
			err := tx.Where("id = ?", def.ID).Take(&m).Error
			switch {
			case err == nil:
				prev, err := definitionFromModel(&m)
				if err != nil {
					return err
				}
				previous = prev
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("load definition %s: %w", def.ID, err)
			}
		}
		if err := prepareDefinition(def, previous, uuid.NewString, s.now().UTC()); err != nil {
			return err
		}
		m, err := definitionToModel(def)
		if err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
			return fmt.Errorf("save definition %s: %w", def.ID, err)
		}
		return nil
	})
}

func (s *GormStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	var m DefinitionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return definitionFromModel(&m)
}

func (s *GormStore) ListDefinitions(ctx context.Context, opts ListOptions) ([]*Definition, error) {
	var models []DefinitionModel
	q := paginate(s.db.WithContext(ctx).Order("created_at ASC, id ASC"), opts)
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defs := make([]*Definition, 0, len(models))
	for i := range models {
		def, err := definitionFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *GormStore) DeleteDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&DefinitionModel{})
	if res.Error != nil {
		return fmt.Errorf("delete definition %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveRun replaces the run row and its steps in one transaction.
func (s *GormStore) SaveRun(ctx context.Context, run *workflow.RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	m, err := runToModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{UpdateAll: true}).Create(m).Error; err != nil {
			return fmt.Errorf("save run %s: %w", run.RunID, err)
		}
		if err := tx.Where("run_id = ?", run.RunID).Delete(&StepModel{}).Error; err != nil {
			return fmt.Errorf("replace steps of run %s: %w", run.RunID, err)
		}
		if len(m.Steps) == 0 {
			return nil
		}
		if err := tx.Create(&m.Steps).Error; err != nil {
			return fmt.Errorf("save steps of run %s: %w", run.RunID, err)
		}
		return nil
	})
}

func (s *GormStore) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	var m RunModel
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("run_id = ?", runID).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return runFromModel(&m)
}

func (s *GormStore) ListRuns(ctx context.Context, workflowID string, opts ListOptions) ([]*workflow.RunRecord, error) {
	q := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Order("started_at DESC, run_id ASC")
	if workflowID != "" {
		q = q.Where("workflow_id = ?", workflowID)
	}
	var models []RunModel
	if err := paginate(q, opts).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*workflow.RunRecord, 0, len(models))
	for i := range models {
		run, err := runFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the connection pool belongs to its opener.
func (s *GormStore) Close() error { return nil }

func paginate(q *gorm.DB, opts ListOptions) *gorm.DB {
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	return q
}

// =============================================================================
// Model conversion
// =============================================================================

func definitionToModel(def *Definition) (*DefinitionModel, error) {
	dag, err := json.Marshal(def.DAG)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}
	return &DefinitionModel{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Source:      def.Source,
		DAG:         string(dag),
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}, nil
}

func definitionFromModel(m *DefinitionModel) (*Definition, error) {
	dag, err := workflow.ParseDefinitionJSON([]byte(m.DAG))
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", m.ID, err)
	}
	return &Definition{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Version:     m.Version,
		Source:      m.Source,
		DAG:         dag,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

func runToModel(run *workflow.RunRecord) (*RunModel, error) {
	m := &RunModel{
		ID:           run.RunID,
		WorkflowID:   run.WorkflowID,
		WorkflowName: run.WorkflowName,
		Status:       string(run.Status),
		Error:        run.Error,
		FailedNode:   run.FailedNode,
		StartedAt:    run.StartedAt,
		FinishedAt:   timePtr(run.FinishedAt),
	}
	var err error
	if m.Input, err = jsonText(run.Input); err != nil {
		return nil, fmt.Errorf("run input: %w", err)
	}
	if m.Pruned, err = jsonText(run.Pruned); err != nil {
		return nil, fmt.Errorf("run pruned nodes: %w", err)
	}
	if m.Variables, err = jsonText(run.Variables); err != nil {
		return nil, fmt.Errorf("run variables: %w", err)
	}

	m.Steps = make([]StepModel, len(run.Steps))
	for i, s := range run.Steps {
		step := StepModel{
			ID:                s.StepID,
			RunID:             run.RunID,
			Seq:               i,
			NodeID:            s.NodeID,
			NodeType:          string(s.NodeType),
			ActionType:        s.ActionType,
			PredecessorStepID: s.PredecessorStepID,
			Status:            string(s.Status),
			Error:             s.Error,
			StartedAt:         s.StartedAt,
			FinishedAt:        timePtr(s.FinishedAt),
		}
		if step.Args, err = jsonText(s.Args); err != nil {
			return nil, fmt.Errorf("step %s args: %w", s.NodeID, err)
		}
		if step.Result, err = jsonText(s.Result); err != nil {
			return nil, fmt.Errorf("step %s result: %w", s.NodeID, err)
		}
		if step.Logs, err = jsonText(s.Logs); err != nil {
			return nil, fmt.Errorf("step %s logs: %w", s.NodeID, err)
		}
		m.Steps[i] = step
	}
	return m, nil
}

func runFromModel(m *RunModel) (*workflow.RunRecord, error) {
	run := &workflow.RunRecord{
		RunID:        m.ID,
		WorkflowID:   m.WorkflowID,
		WorkflowName: m.WorkflowName,
		Status:       workflow.RunStatus(m.Status),
		Error:        m.Error,
		FailedNode:   m.FailedNode,
		StartedAt:    m.StartedAt,
		FinishedAt:   timeValue(m.FinishedAt),
		Steps:        make([]*workflow.StepRecord, 0, len(m.Steps)),
	}
	if err := fromJSONText(m.Input, &run.Input); err != nil {
		return nil, fmt.Errorf("run %s input: %w", m.ID, err)
	}
	if err := fromJSONText(m.Pruned, &run.Pruned); err != nil {
		return nil, fmt.Errorf("run %s pruned nodes: %w", m.ID, err)
	}
	if err := fromJSONText(m.Variables, &run.Variables); err != nil {
		return nil, fmt.Errorf("run %s variables: %w", m.ID, err)
	}
	for _, sm := range m.Steps {
		step := &workflow.StepRecord{
			StepID:            sm.ID,
			NodeID:            sm.NodeID,
			NodeType:          workflow.NodeType(sm.NodeType),
			ActionType:        sm.ActionType,
			PredecessorStepID: sm.PredecessorStepID,
			Status:            workflow.RunStatus(sm.Status),
			Error:             sm.Error,
			StartedAt:         sm.StartedAt,
			FinishedAt:        timeValue(sm.FinishedAt),
		}
		if err := fromJSONText(sm.Args, &step.Args); err != nil {
			return nil, fmt.Errorf("step %s args: %w", sm.NodeID, err)
		}
		if err := fromJSONText(sm.Result, &step.Result); err != nil {
			return nil, fmt.Errorf("step %s result: %w", sm.NodeID, err)
		}
		if err := fromJSONText(sm.Logs, &step.Logs); err != nil {
			return nil, fmt.Errorf("step %s logs: %w", sm.NodeID, err)
		}
		run.Steps = append(run.Steps, step)
	}
	normalizeRun(run)
	return run, nil
}

// jsonText encodes v as a text column; absent values become empty text.
func jsonText(v any) (string, error) {
	if isAbsent(v) {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isAbsent(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []string:
		return val == nil
	case map[string]any:
		return val == nil
	}
	return false
}

func fromJSONText(text string, v any) error {
	if text == "" {
		return nil
	}
	return decodeJSON([]byte(text), v)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
