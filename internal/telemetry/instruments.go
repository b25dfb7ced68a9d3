package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunInstruments records scheduler events as OTel instruments and then
// forwards them to next, so a Prometheus collector and an OTLP pipeline
// can observe the same executor.
type RunInstruments struct {
	runs     metric.Int64Counter
	runTime  metric.Float64Histogram
	nodes    metric.Int64Counter
	nodeTime metric.Float64Histogram
	pruned   metric.Int64Counter
	next     workflow.MetricsRecorder
}

var _ workflow.MetricsRecorder = (*RunInstruments)(nil)

// NewRunInstruments creates the instruments on meter. next may be nil.
func NewRunInstruments(meter metric.Meter, next workflow.MetricsRecorder) (*RunInstruments, error) {
	ri := &RunInstruments{next: next}
	var err error
	if ri.runs, err = meter.Int64Counter("secflow.workflow.runs",
		metric.WithDescription("Finished workflow runs")); err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	if ri.runTime, err = meter.Float64Histogram("secflow.workflow.run.duration",
		metric.WithUnit("s"), metric.WithDescription("Workflow run duration")); err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	if ri.nodes, err = meter.Int64Counter("secflow.workflow.nodes",
		metric.WithDescription("Settled node executions")); err != nil {
		return nil, fmt.Errorf("create nodes counter: %w", err)
	}
	if ri.nodeTime, err = meter.Float64Histogram("secflow.workflow.node.duration",
		metric.WithUnit("s"), metric.WithDescription("Node execution duration")); err != nil {
		return nil, fmt.Errorf("create node duration histogram: %w", err)
	}
	if ri.pruned, err = meter.Int64Counter("secflow.workflow.pruned_nodes",
		metric.WithDescription("Nodes eliminated by untaken branches")); err != nil {
		return nil, fmt.Errorf("create pruned counter: %w", err)
	}
	return ri, nil
}

func (r *RunInstruments) RecordRun(wf string, status workflow.RunStatus, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("workflow", wf), attribute.String("status", string(status)))
	r.runs.Add(ctx, 1, attrs)
	r.runTime.Record(ctx, d.Seconds(), attrs)
	if r.next != nil {
		r.next.RecordRun(wf, status, d)
	}
}

func (r *RunInstruments) RecordNodeExecution(wf string, nodeType workflow.NodeType, status workflow.RunStatus, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("workflow", wf),
		attribute.String("node_type", string(nodeType)),
		attribute.String("status", string(status)),
	)
	r.nodes.Add(ctx, 1, attrs)
	r.nodeTime.Record(ctx, d.Seconds(), attrs)
	if r.next != nil {
		r.next.RecordNodeExecution(wf, nodeType, status, d)
	}
}

func (r *RunInstruments) RecordPrunedNodes(wf string, count int) {
	if count > 0 {
		r.pruned.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("workflow", wf)))
	}
	if r.next != nil {
		r.next.RecordPrunedNodes(wf, count)
	}
}
