package dsl

import (
	"context"
	"testing"

	"github.com/BaSui01/secflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_MatchesParsedDocument(t *testing.T) {
	b := NewBuilder("conditional").Input("payload")
	b.Call("act1", nil).Assign("a")
	b.If("a > 0", func(then *Block) {
		then.Call("act2", nil).Assign("a")
	})
	b.Call("act4", nil).RunAfter("a")

	c := NewCompiler(testRegistry(t), nil)
	built, err := c.Compile(context.Background(), b.Document())
	require.NoError(t, err)
	parsed := mustCompile(t, conditionalSource)

	assert.Equal(t, workflow.ToDefinition(parsed), workflow.ToDefinition(built))
}

func TestBuilder_Document(t *testing.T) {
	b := NewBuilder("triage").
		Description("escalation").
		Triggers("siem.alert", "manual").
		Input("alert")
	b.Call("http.request", map[string]any{"url": "https://x", "method": "GET"}).
		Assign("resp").
		Secrets(map[string]string{"token": "api"})
	b.If(`resp == "ok"`, func(then *Block) {
		then.Call("core.log", map[string]any{"message": "ok"})
	}).Elif(`resp == "retry"`, func(then *Block) {
		then.Call("core.wait", map[string]any{"seconds": 1})
	}).Else(func(els *Block) {
		els.Call("core.fail", map[string]any{"message": "bad"})
	})

	doc := b.Document()
	assert.Equal(t, "triage", doc.Name)
	assert.Equal(t, "escalation", doc.Description)
	assert.Equal(t, []string{"siem.alert", "manual"}, doc.Triggers)
	assert.Equal(t, []string{"alert"}, doc.Inputs)
	require.Len(t, doc.Statements, 2)

	call := doc.Statements[0].(*CallStmt)
	require.Len(t, call.Kwargs, 2)
	assert.Equal(t, "method", call.Kwargs[0].Name, "kwargs are ordered by name")
	assert.Equal(t, "url", call.Kwargs[1].Name)
	assert.Equal(t, map[string]string{"token": "api"}, call.Secrets)
	assert.Equal(t, "resp = http.request(method=GET, url=https://x, secrets={token})", call.Source())

	ifs := doc.Statements[1].(*IfStmt)
	require.Len(t, ifs.Else, 1)
	elif := ifs.Else[0].(*IfStmt)
	assert.Equal(t, `resp == "retry"`, elif.Condition)
	require.Len(t, elif.Else, 1)
	assert.Equal(t, "core.fail", elif.Else[0].(*CallStmt).Action)

	dag, err := NewCompiler(testRegistry(t), nil).Compile(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, dag.Nodes, 7)
}

func TestBuilder_DocumentIsASnapshot(t *testing.T) {
	b := NewBuilder("snap")
	b.Call("act1", nil)
	first := b.Document()
	b.Call("act2", nil)
	assert.Len(t, first.Statements, 1)
	assert.Len(t, b.Document().Statements, 2)
}
