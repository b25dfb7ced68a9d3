package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Graph helpers shared by the package tests
// ---------------------------------------------------------------------------

func newDAG(name string, nodes ...Node) *WorkflowDAG {
	dag := &WorkflowDAG{Name: name, Nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		dag.Nodes[n.NodeID()] = n
	}
	return dag
}

func start(result string, children ...string) *StartNode {
	return &StartNode{ResultVariable: result, Children: children}
}

func action(id, actionType, result string, args map[string]any, children ...string) *ActionNode {
	if args == nil {
		args = map[string]any{}
	}
	return &ActionNode{ID: id, ActionType: actionType, Args: args, ResultVariable: result, Children: children}
}

func conditional(id string, cond Condition, whenTrue, whenFalse []string) *ConditionalNode {
	return &ConditionalNode{ID: id, Condition: cond, ConditionText: cond.String(), TrueChildren: whenTrue, FalseChildren: whenFalse}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWorkflowDAG_Accessors(t *testing.T) {
	dag := newDAG("diamond",
		start("input", "b", "c"),
		action("b", "act", "", nil, "d"),
		action("c", "act", "", nil, "d"),
		action("d", "act", "", nil),
	)
	require.NoError(t, dag.Validate())

	assert.Equal(t, []string{"b", "c", "d", "start"}, dag.NodeIDs())
	assert.Equal(t, []Edge{
		{From: "b", To: "d", Kind: EdgeNext},
		{From: "c", To: "d", Kind: EdgeNext},
		{From: "start", To: "b", Kind: EdgeNext},
		{From: "start", To: "c", Kind: EdgeNext},
	}, dag.Edges())
	assert.Equal(t, map[string]int{"start": 0, "b": 1, "c": 1, "d": 2}, dag.InDegrees())

	n, ok := dag.Node("d")
	require.True(t, ok)
	assert.Equal(t, NodeTypeAction, n.Type())
	_, ok = dag.Node("zzz")
	assert.False(t, ok)
}

func TestWorkflowDAG_Reachable(t *testing.T) {
	dag := newDAG("cond",
		start("input", "if"),
		conditional("if", lit(true), []string{"x"}, []string{"y"}),
		action("x", "act", "", nil, "z"),
		action("y", "act", "", nil),
		action("z", "act", "", nil),
	)
	require.NoError(t, dag.Validate())

	assert.True(t, dag.Reachable(Producer{NodeID: "if", Edge: EdgeTrue}, "z"))
	assert.False(t, dag.Reachable(Producer{NodeID: "if", Edge: EdgeFalse}, "z"))
	assert.True(t, dag.Reachable(Producer{NodeID: StartNodeID, Edge: EdgeNext}, "y"))
	assert.False(t, dag.Reachable(Producer{NodeID: "x", Edge: EdgeNext}, "x"), "a node is not reachable from itself")
	assert.False(t, dag.Reachable(Producer{NodeID: "missing", Edge: EdgeNext}, "x"))
	assert.Equal(t, "if:true", Producer{NodeID: "if", Edge: EdgeTrue}.String())
}

func TestWorkflowDAG_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		dag  *WorkflowDAG
		want string
	}{
		{"empty", newDAG("w"), "no nodes"},
		{"no start", newDAG("w", action("a", "act", "", nil)), "no start node"},
		{"key mismatch", &WorkflowDAG{Nodes: map[string]Node{
			StartNodeID: start("in", "a"),
			"a":         action("b", "act", "", nil),
		}}, "does not match key"},
		{"missing child", newDAG("w", start("in", "ghost")), "non-existent child"},
		{"duplicate child", newDAG("w", start("in", "a", "a"), action("a", "act", "", nil)), "twice"},
		{"overlapping branches", newDAG("w",
			start("in", "if"),
			conditional("if", lit(true), []string{"a"}, []string{"a"}),
			action("a", "act", "", nil),
		), "both branches"},
		{"orphan", newDAG("w", start("in"), action("a", "act", "", nil)), "no incoming edges"},
		{"edge into start", newDAG("w", start("in", "a"), action("a", "act", "", nil, StartNodeID)), "start node has"},
		{"cycle", newDAG("w",
			start("in", "a"),
			action("a", "act", "", nil, "b"),
			action("b", "act", "", nil, "a"),
		), "cycle detected"},
		{"missing action type", newDAG("w", start("in", "a"), action("a", "", "", nil)), "no action type"},
		{"missing condition", newDAG("w",
			start("in", "if"),
			&ConditionalNode{ID: "if"},
		), "no condition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dag.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
