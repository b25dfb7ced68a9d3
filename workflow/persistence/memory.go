package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is the default for
// single-node deployments and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	runs        map[string]*workflow.RunRecord
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*Definition),
		runs:        make(map[string]*workflow.RunRecord),
		now:         time.Now,
	}
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var previous *Definition
	if def != nil && def.ID != "" {
		previous = s.definitions[def.ID]
	}
	if err := prepareDefinition(def, previous, uuid.NewString, s.now()); err != nil {
		return err
	}
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, opts ListOptions) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		cp := *def
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	lo, hi := page(len(all), opts)
	return all[lo:hi], nil
}

func (s *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	delete(s.definitions, id)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *workflow.RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*workflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, workflowID string, opts ListOptions) ([]*workflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*workflow.RunRecord
	for _, run := range s.runs {
		if workflowID == "" || run.WorkflowID == workflowID {
			all = append(all, cloneRun(run))
		}
	}
	sortRunsNewestFirst(all)
	lo, hi := page(len(all), opts)
	return all[lo:hi], nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func sortRunsNewestFirst(runs []*workflow.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}
