package workflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDAG() *WorkflowDAG {
	scan := action("scan", "scan.ports", "ports", map[string]any{
		"target":  "{{ input['host'] }}",
		"ports":   []any{int64(22), int64(443)},
		"ratio":   0.25,
		"verbose": false,
		"opts":    map[string]any{"depth": int64(2)},
	}, "if")
	scan.SecretsMapping = map[string]string{"token": "scanner_key"}
	cond := And{Values: []Condition{
		Binary{Lhs: refC("ports"), Op: OpNeq, Rhs: lit(nil)},
		Or{Values: []Condition{
			Unary{Op: OpNot, Expr: lit(false)},
			Binary{Lhs: lit(int64(0)), Op: OpIn, Rhs: lit([]any{int64(0), ""})},
		}},
	}}
	dag := newDAG("triage",
		start("input", "scan"),
		scan,
		conditional("if", cond, []string{"alert"}, nil),
		action("alert", "core.log", "", map[string]any{"message": "open: {{ ports }}"}),
	)
	dag.Description = "port triage"
	dag.Triggers = []string{"alert.created"}
	return dag
}

func TestDefinition_RoundTrips(t *testing.T) {
	original := ToDefinition(sampleDAG())

	tests := []struct {
		name   string
		encode func(*DAGDefinition) ([]byte, error)
		decode func([]byte) (*DAGDefinition, error)
	}{
		{"json", (*DAGDefinition).ToJSON, ParseDefinitionJSON},
		{"yaml", (*DAGDefinition).ToYAML, ParseDefinitionYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.encode(original)
			require.NoError(t, err)
			decoded, err := tt.decode(data)
			require.NoError(t, err)
			dag, err := FromDefinition(decoded)
			require.NoError(t, err)
			assert.Equal(t, original, ToDefinition(dag))
			assert.Equal(t, sampleDAG().Nodes["if"], dag.Nodes["if"])
		})
	}
}

func TestDefinition_Files(t *testing.T) {
	original := ToDefinition(sampleDAG())
	dir := t.TempDir()
	for _, name := range []string{"wf.json", "wf.yaml", "wf.yml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, original.SaveFile(path))
		loaded, err := LoadDefinitionFile(path)
		require.NoError(t, err)
		assert.Equal(t, original, loaded, name)
	}

	assert.Error(t, original.SaveFile(filepath.Join(dir, "wf.toml")))
	_, err := LoadDefinitionFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestParseDefinitionJSON_Numbers(t *testing.T) {
	def, err := ParseDefinitionJSON([]byte(`{
		"name": "n",
		"dag": {
			"start": {"type": "start", "result_variable": "input", "children": ["a"]},
			"a": {"type": "act", "args": {"big": 9007199254740993, "whole": 2.0, "half": 0.5}}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"big": int64(9007199254740993), "whole": int64(2), "half": 0.5}, def.DAG["a"].Args)

	dag, err := FromDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, "input", dag.Start().ResultVariable)
}

func TestFromDefinition_Rejects(t *testing.T) {
	startRec := &NodeRecord{Type: "start", Children: []string{"a"}}
	tests := []struct {
		name string
		def  *DAGDefinition
		want string
	}{
		{"nil", nil, "cannot be nil"},
		{"no name", &DAGDefinition{}, "name is required"},
		{"nil record", &DAGDefinition{Name: "w", DAG: map[string]*NodeRecord{"start": startRec, "a": nil}}, "record is nil"},
		{"no type", &DAGDefinition{Name: "w", DAG: map[string]*NodeRecord{"start": startRec, "a": {}}}, "type is required"},
		{"start under other id", &DAGDefinition{Name: "w", DAG: map[string]*NodeRecord{"a": {Type: "start"}}}, "must use id"},
		{"bad condition", &DAGDefinition{Name: "w", DAG: map[string]*NodeRecord{
			"start": startRec,
			"a":     {Type: "if_condition", Condition: &ConditionRecord{Type: "binary", Op: "~"}},
		}}, "invalid binary operator"},
		{"invalid graph", &DAGDefinition{Name: "w", DAG: map[string]*NodeRecord{"start": startRec}}, "invalid workflow graph"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromDefinition(tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUnmarshalCondition_Rejects(t *testing.T) {
	for _, rec := range []*ConditionRecord{
		nil,
		{Type: "xor"},
		{Type: "unary", Op: "neg", Expr: &ConditionRecord{Type: "constant"}},
		{Type: "unary", Op: "not"},
		{Type: "and"},
		{Type: "or", Values: []*ConditionRecord{{Type: "nope"}}},
		{Type: "binary", Op: "==", Lhs: &ConditionRecord{Type: "constant"}},
	} {
		_, err := UnmarshalCondition(rec)
		assert.Error(t, err, "%+v", rec)
	}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", 3, int64(3)},
		{"uint8", uint8(7), int64(7)},
		{"huge uint", uint64(1 << 63), float64(1 << 63)},
		{"integral float", 4.0, int64(4)},
		{"fraction", float32(0.5), 0.5},
		{"string slice", []string{"a"}, []any{"a"}},
		{"yaml map", map[any]any{1: 2.0}, map[string]any{"1": int64(2)}},
		{"string map", map[string]string{"k": "v"}, map[string]any{"k": "v"}},
		{"nested", map[string]any{"l": []any{int32(1)}}, map[string]any{"l": []any{int64(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeValue(tt.in))
		})
	}
}
