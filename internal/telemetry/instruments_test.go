package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type countingRecorder struct {
	runs, nodes, pruned int
}

func (c *countingRecorder) RecordRun(string, workflow.RunStatus, time.Duration) { c.runs++ }
func (c *countingRecorder) RecordNodeExecution(string, workflow.NodeType, workflow.RunStatus, time.Duration) {
	c.nodes++
}
func (c *countingRecorder) RecordPrunedNodes(_ string, n int) { c.pruned += n }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRunInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	next := &countingRecorder{}
	ri, err := NewRunInstruments(mp.Meter(InstrumentationName), next)
	require.NoError(t, err)

	ri.RecordRun("triage", workflow.RunStatusCompleted, time.Second)
	ri.RecordRun("triage", workflow.RunStatusFailed, time.Second)
	ri.RecordNodeExecution("triage", workflow.NodeTypeAction, workflow.RunStatusCompleted, time.Millisecond)
	ri.RecordPrunedNodes("triage", 2)
	ri.RecordPrunedNodes("triage", 0)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["secflow.workflow.runs"]))
	assert.Equal(t, int64(1), sumOf(t, got["secflow.workflow.nodes"]))
	assert.Equal(t, int64(2), sumOf(t, got["secflow.workflow.pruned_nodes"]))

	hist, ok := got["secflow.workflow.run.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var samples uint64
	for _, dp := range hist.DataPoints {
		samples += dp.Count
	}
	assert.Equal(t, uint64(2), samples)

	assert.Equal(t, &countingRecorder{runs: 2, nodes: 1, pruned: 2}, next)
}

func TestRunInstruments_DrivenByExecutor(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	ri, err := NewRunInstruments(mp.Meter(InstrumentationName), nil)
	require.NoError(t, err)

	reg := workflow.NewRegistryWithBuiltins()
	exec := workflow.NewDAGExecutor(workflow.NewLocalExecutor(reg, nil), nil, workflow.WithMetrics(ri))

	dag := &workflow.WorkflowDAG{Name: "echo", Nodes: map[string]workflow.Node{
		workflow.StartNodeID: &workflow.StartNode{ResultVariable: "alert", Children: []string{"echo"}},
		"echo": &workflow.ActionNode{
			ID:             "echo",
			ActionType:     "core.passthrough",
			Args:           map[string]any{"value": "{{ alert['host'] }}"},
			ResultVariable: "host",
		},
	}}

	rec, err := exec.Execute(context.Background(), dag, map[string]any{"host": "db1"})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, rec.Status)

	got := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, got["secflow.workflow.runs"]))
	assert.GreaterOrEqual(t, sumOf(t, got["secflow.workflow.nodes"]), int64(1))
}
