package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		s.now = newTicker().now
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := sampleRun("r1", "wf", time.Now())
	require.NoError(t, s.SaveRun(ctx, run))

	run.Status = "mutated"
	run.Steps[0].NodeID = "mutated"

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", string(got.Status))
	assert.NotEqual(t, "mutated", got.Steps[0].NodeID)

	got.Steps[1].Logs = append(got.Steps[1].Logs, "extra")
	again, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"resolved"}, again.Steps[1].Logs)
}
