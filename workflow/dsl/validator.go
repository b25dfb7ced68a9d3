package dsl

import (
	"fmt"

	"github.com/BaSui01/secflow/workflow"
)

// Validator DSL 文档检查器。
// 与编译器在首个错误处停止不同，Validator 收集文档中的全部问题，
// 供 CLI 与 API 一次性报告。
type Validator struct {
	registry *workflow.Registry
}

// NewValidator 创建验证器；registry 为 nil 时跳过动作存在性检查
func NewValidator(registry *workflow.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate 验证文档，返回所有发现的问题
func (v *Validator) Validate(doc *Document) []error {
	if doc == nil {
		return []error{fmt.Errorf("document is required")}
	}
	var errs []error

	// 基础字段验证
	if doc.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if len(doc.Inputs) != 1 {
		errs = append(errs, &workflow.CompileError{
			Kind:    workflow.CompileErrInputSignature,
			Message: fmt.Sprintf("workflow must declare exactly one input parameter, got %d", len(doc.Inputs)),
			Line:    doc.InputPos.Line,
		})
	}
	if len(doc.Statements) == 0 {
		errs = append(errs, fmt.Errorf("statements must contain at least one statement"))
	}

	errs = append(errs, v.validateBlock(doc.Statements)...)
	return errs
}

func (v *Validator) validateBlock(stmts []Statement) []error {
	var errs []error
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *CallStmt:
			errs = append(errs, v.validateCall(s)...)
		case *IfStmt:
			if _, _, err := ParseCondition(s.Condition); err != nil {
				errs = append(errs, withPosition(err, s))
			}
			if len(s.Then) == 0 {
				errs = append(errs, v.issue(s, workflow.CompileErrSyntax, "if block requires at least one statement"))
			}
			errs = append(errs, v.validateBlock(s.Then)...)
			errs = append(errs, v.validateBlock(s.Else)...)
		case *UnsupportedStmt:
			errs = append(errs, v.issue(s, workflow.CompileErrUnsupportedStatement, "%s statements are not supported", s.Kind))
		}
	}
	return errs
}

func (v *Validator) validateCall(s *CallStmt) []error {
	var errs []error
	if s.Action == "" {
		errs = append(errs, v.issue(s, workflow.CompileErrSyntax, "call requires an action type"))
	} else if v.registry != nil {
		if spec, err := v.registry.Lookup(s.Action); err != nil {
			errs = append(errs, v.issue(s, workflow.CompileErrUnknownAction, "action %q is not registered", s.Action))
		} else if err := checkSecrets(spec, s); err != nil {
			errs = append(errs, withPosition(err, s))
		}
	}
	if len(s.Targets) > 1 {
		errs = append(errs, v.issue(s, workflow.CompileErrMultipleTargets, "assignment to multiple targets %v is not supported", s.Targets))
	}
	if len(s.Positional) > 0 {
		errs = append(errs, v.issue(s, workflow.CompileErrPositionalArguments, "%s takes keyword arguments only", s.Action))
	}
	seen := make(map[string]bool, len(s.Kwargs))
	for _, kw := range s.Kwargs {
		if seen[kw.Name] {
			errs = append(errs, v.issue(s, workflow.CompileErrDuplicateArgument, "keyword argument %q repeated", kw.Name))
		}
		seen[kw.Name] = true
		if _, err := workflow.References(kw.Value); err != nil {
			errs = append(errs, v.issue(s, workflow.CompileErrUnsupportedExpression, "argument %q: %v", kw.Name, err))
		}
	}
	return errs
}

func (v *Validator) issue(stmt Statement, kind workflow.CompileErrorKind, format string, args ...any) error {
	err := workflow.NewCompileError(kind, stmt.Source(), format, args...)
	err.Line = stmt.Pos().Line
	return err
}
