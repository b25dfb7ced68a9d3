package dsl

import (
	"errors"
	"testing"

	"github.com/BaSui01/secflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_CollectsEveryIssue(t *testing.T) {
	doc, err := NewParser().Parse([]byte(`
name: lint
inputs: [a, b]
statements:
  - call: nope
  - assign: [x, y]
    call: act1
    args: [1]
  - if: a + 1
    then: []
  - for: item
`))
	require.NoError(t, err)

	errs := NewValidator(testRegistry(t)).Validate(doc)
	var kinds []workflow.CompileErrorKind
	for _, e := range errs {
		var ce *workflow.CompileError
		if errors.As(e, &ce) {
			kinds = append(kinds, ce.Kind)
		}
	}
	assert.ElementsMatch(t, []workflow.CompileErrorKind{
		workflow.CompileErrInputSignature,
		workflow.CompileErrUnknownAction,
		workflow.CompileErrMultipleTargets,
		workflow.CompileErrPositionalArguments,
		workflow.CompileErrUnsupportedExpression,
		workflow.CompileErrSyntax,
		workflow.CompileErrUnsupportedStatement,
	}, kinds)
}

func TestValidator_CleanDocument(t *testing.T) {
	doc, err := NewParser().Parse([]byte(triageSource))
	require.NoError(t, err)
	assert.Empty(t, NewValidator(testRegistry(t)).Validate(doc))
}

func TestValidator_WithoutRegistry(t *testing.T) {
	doc := NewBuilder("w").Document()
	doc.Statements = []Statement{&CallStmt{Action: "anything"}}
	assert.Empty(t, NewValidator(nil).Validate(doc))

	assert.Len(t, NewValidator(nil).Validate(nil), 1)
	assert.Len(t, NewValidator(nil).Validate(&Document{Inputs: []string{"p"}}), 2)
}
