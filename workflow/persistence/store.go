package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/secflow/workflow"
)

// ErrNotFound is returned for unknown definition or run ids.
var ErrNotFound = errors.New("not found")

// Definition is a stored workflow: the document source it was compiled from
// and the persisted graph.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Version starts at 1 and increments on every update.
	Version   int                     `json:"version"`
	Source    string                  `json:"source,omitempty"`
	DAG       *workflow.DAGDefinition `json:"dag"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Workflow rebuilds the executable graph, tagged with the definition id.
func (d *Definition) Workflow() (*workflow.WorkflowDAG, error) {
	dag, err := workflow.FromDefinition(d.DAG)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", d.ID, err)
	}
	dag.ID = d.ID
	return dag, nil
}

// ListOptions pages list results. A zero Limit returns everything.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store persists workflow definitions and run artifacts. Every Store is a
// workflow.RunStore, so it can be handed straight to the scheduler.
type Store interface {
	workflow.RunStore

	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	// ListDefinitions returns definitions oldest first.
	ListDefinitions(ctx context.Context, opts ListOptions) ([]*Definition, error)
	DeleteDefinition(ctx context.Context, id string) error

	GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error)
	// ListRuns returns runs newest first; an empty workflowID lists all.
	ListRuns(ctx context.Context, workflowID string, opts ListOptions) ([]*workflow.RunRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// prepareDefinition validates def and fills identity and timestamps from
// the previously stored version, if any.
func prepareDefinition(def *Definition, previous *Definition, newID func() string, now time.Time) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}
	if def.DAG == nil {
		return fmt.Errorf("definition has no graph")
	}
	if def.Name == "" {
		def.Name = def.DAG.Name
	}
	if def.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if def.ID == "" {
		def.ID = newID()
	}
	if previous != nil {
		def.CreatedAt = previous.CreatedAt
		def.Version = previous.Version + 1
	} else {
		def.CreatedAt = now
		def.Version = 1
	}
	def.UpdatedAt = now
	return nil
}

func validateRun(run *workflow.RunRecord) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if run.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	return nil
}

// page slices n ordered items according to opts.
func page(n int, opts ListOptions) (lo, hi int) {
	lo = min(max(opts.Offset, 0), n)
	hi = n
	if opts.Limit > 0 && lo+opts.Limit < hi {
		hi = lo + opts.Limit
	}
	return lo, hi
}

// =============================================================================
// JSON codec shared by the Redis and SQL backends
// =============================================================================

type definitionRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	Source      string          `json:"source,omitempty"`
	DAG         json.RawMessage `json:"dag"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func encodeDefinition(def *Definition) ([]byte, error) {
	dag, err := json.Marshal(def.DAG)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}
	return json.Marshal(definitionRecord{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Version:     def.Version,
		Source:      def.Source,
		DAG:         dag,
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	})
}

func decodeDefinition(data []byte) (*Definition, error) {
	var rec definitionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	dag, err := workflow.ParseDefinitionJSON(rec.DAG)
	if err != nil {
		return nil, err
	}
	return &Definition{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Version:     rec.Version,
		Source:      rec.Source,
		DAG:         dag,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func encodeRun(run *workflow.RunRecord) ([]byte, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run: %w", err)
	}
	return data, nil
}

func decodeRun(data []byte) (*workflow.RunRecord, error) {
	var run workflow.RunRecord
	if err := decodeJSON(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	normalizeRun(&run)
	return &run, nil
}

// normalizeRun applies the graph numeric conventions to decoded payloads.
func normalizeRun(run *workflow.RunRecord) {
	run.Input = workflow.NormalizeValue(run.Input)
	if run.Variables != nil {
		run.Variables, _ = workflow.NormalizeValue(run.Variables).(map[string]any)
	}
	for _, s := range run.Steps {
		if s.Args != nil {
			s.Args, _ = workflow.NormalizeValue(s.Args).(map[string]any)
		}
		s.Result = workflow.NormalizeValue(s.Result)
	}
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func cloneRun(run *workflow.RunRecord) *workflow.RunRecord {
	cp := *run
	cp.Steps = make([]*workflow.StepRecord, len(run.Steps))
	for i, s := range run.Steps {
		step := *s
		step.Logs = append([]string(nil), s.Logs...)
		cp.Steps[i] = &step
	}
	cp.Pruned = append([]string(nil), run.Pruned...)
	return &cp
}
