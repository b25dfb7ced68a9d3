package dsl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/secflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const triageSource = `
name: triage
description: Enrich and escalate alerts
triggers: [siem.alert]
input: alert
statements:
  - assign: sev
    call: core.passthrough
    with:
      value: "{{ alert['severity'] }}"
  - if: sev == "high"
    then:
      - call: core.log
        with: {message: "escalating {{ alert['id'] }}"}
    elif:
      - condition: sev == "medium"
        then:
          - call: core.wait
            with: {seconds: 1}
    else:
      - call: core.log
        with: {message: ignored}
  - call: core.log
    with: {message: finished}
    run_after: [sev]
`

func TestParser_Document(t *testing.T) {
	doc, err := NewParser().Parse([]byte(triageSource))
	require.NoError(t, err)

	assert.Equal(t, "triage", doc.Name)
	assert.Equal(t, "Enrich and escalate alerts", doc.Description)
	assert.Equal(t, []string{"siem.alert"}, doc.Triggers)
	assert.Equal(t, []string{"alert"}, doc.Inputs)
	require.Len(t, doc.Statements, 3)

	call, ok := doc.Statements[0].(*CallStmt)
	require.True(t, ok)
	assert.Equal(t, []string{"sev"}, call.Targets)
	assert.Equal(t, "core.passthrough", call.Action)
	assert.Equal(t, []Kwarg{{Name: "value", Value: "{{ alert['severity'] }}", Pos: call.Kwargs[0].Pos}}, call.Kwargs)
	assert.Equal(t, 7, call.Pos().Line)
	assert.Equal(t, `sev = core.passthrough(value={{ alert['severity'] }})`, call.Source())

	ifs, ok := doc.Statements[1].(*IfStmt)
	require.True(t, ok)
	assert.Equal(t, `sev == "high"`, ifs.Condition)
	require.Len(t, ifs.Then, 1)
	require.Len(t, ifs.Else, 1)

	elif, ok := ifs.Else[0].(*IfStmt)
	require.True(t, ok, "elif is nested in the else block")
	assert.Equal(t, `sev == "medium"`, elif.Condition)
	require.Len(t, elif.Then, 1)
	wait := elif.Then[0].(*CallStmt)
	assert.Equal(t, int64(1), wait.Kwargs[0].Value)
	require.Len(t, elif.Else, 1)
	assert.Equal(t, "core.log", elif.Else[0].(*CallStmt).Action)

	last := doc.Statements[2].(*CallStmt)
	assert.Equal(t, []string{"sev"}, last.RunAfter)
	assert.Empty(t, last.Targets)
}

func TestParser_CallChannels(t *testing.T) {
	doc, err := NewParser().Parse([]byte(`
name: channels
input: p
statements:
  - call: http.request
    with: {url: "https://x", retries: 2, ratio: 0.5, tags: [a, b]}
    secrets: {token: api-key}
    run_after: p
`))
	require.NoError(t, err)
	call := doc.Statements[0].(*CallStmt)

	values := make(map[string]any)
	for _, kw := range call.Kwargs {
		values[kw.Name] = kw.Value
	}
	assert.Equal(t, map[string]any{
		"url":     "https://x",
		"retries": int64(2),
		"ratio":   0.5,
		"tags":    []any{"a", "b"},
	}, values)
	assert.Equal(t, map[string]string{"token": "api-key"}, call.Secrets)
	assert.Equal(t, []string{"p"}, call.RunAfter)
}

func TestParser_KeepsRepeatedKwargs(t *testing.T) {
	// yaml.v3 keeps repeated keys in the node tree; the compiler rejects them.
	doc, err := NewParser().Parse([]byte("name: w\ninput: p\nstatements:\n  - call: act3\n    with: {x: 1, x: 2}\n"))
	if err != nil {
		t.Skipf("YAML decoder rejects repeated keys: %v", err)
	}
	call := doc.Statements[0].(*CallStmt)
	assert.Len(t, call.Kwargs, 2)
}

func TestParser_UnsupportedStatementsAreDeferred(t *testing.T) {
	doc, err := NewParser().Parse([]byte(`
name: loops
input: p
statements:
  - while: p
    do: []
  - 42
`))
	require.NoError(t, err)
	require.Len(t, doc.Statements, 2)

	loop := doc.Statements[0].(*UnsupportedStmt)
	assert.Equal(t, "while", loop.Kind)
	bare := doc.Statements[1].(*UnsupportedStmt)
	assert.Equal(t, "expression", bare.Kind)
	assert.Equal(t, "42", bare.Source())
}

func TestParser_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty document", ""},
		{"not a mapping", "- a\n- b\n"},
		{"missing name", "input: p\nstatements: []\n"},
		{"missing statements", "name: w\ninput: p\n"},
		{"unknown field", "name: w\nversion: 2\nstatements: []\n"},
		{"unknown call field", "name: w\nstatements:\n  - call: a\n    retry: 3\n"},
		{"empty condition", "name: w\nstatements:\n  - if: ''\n    then: []\n"},
		{"statements not a list", "name: w\nstatements: {a: 1}\n"},
		{"bad secrets", "name: w\nstatements:\n  - call: a\n    secrets: [x]\n"},
		{"bad with", "name: w\nstatements:\n  - call: a\n    with: [1]\n"},
		{"elif without condition", "name: w\nstatements:\n  - if: x\n    then: []\n    elif:\n      - then: []\n"},
		{"duplicate field", "name: w\nname: v\nstatements: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := NewParser().Parse([]byte(tt.src))
			assert.Nil(t, doc)
			requireCompileError(t, err, workflow.CompileErrSyntax)
		})
	}
}

func TestParser_ParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(triageSource), 0o600))

	doc, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", doc.Name)

	_, err = NewParser().ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParser_TriageCompiles(t *testing.T) {
	dag := mustCompile(t, triageSource)
	assert.Equal(t, []string{"siem.alert"}, dag.Triggers)
	assert.ElementsMatch(t, []string{
		"start", "core_passthrough", "if_condition", "core_log", "if_condition_2", "core_wait", "core_log_2", "core_log_3",
	}, dag.NodeIDs())
}
