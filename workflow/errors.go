package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrActionNotFound is returned when an action type is not registered.
	ErrActionNotFound = errors.New("action not registered")
	// ErrReservedAction is returned when registering a reserved node type name.
	ErrReservedAction = errors.New("action name is reserved")
	// ErrRunNotFound is returned by the runner for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunCancelled marks steps and runs stopped by cancellation.
	ErrRunCancelled = errors.New("run cancelled")
)

// CompileErrorKind classifies static compilation failures.
type CompileErrorKind string

const (
	CompileErrDuplicateArgument     CompileErrorKind = "duplicate_argument"
	CompileErrUnknownAction         CompileErrorKind = "unknown_action"
	CompileErrPositionalArguments   CompileErrorKind = "positional_arguments"
	CompileErrUnsupportedStatement  CompileErrorKind = "unsupported_statement"
	CompileErrUnsupportedExpression CompileErrorKind = "unsupported_expression"
	CompileErrMultipleTargets       CompileErrorKind = "multiple_targets"
	CompileErrSecretsMismatch       CompileErrorKind = "secrets_mismatch"
	CompileErrUnknownDependency     CompileErrorKind = "unknown_dependency"
	CompileErrInputSignature        CompileErrorKind = "input_signature"
	CompileErrUndefinedVariable     CompileErrorKind = "undefined_variable"
	CompileErrSyntax                CompileErrorKind = "syntax"
	CompileErrInvalidGraph          CompileErrorKind = "invalid_graph"
)

// CompileError reports a malformed workflow definition. Compilation never
// yields a partial graph alongside a CompileError.
type CompileError struct {
	Kind    CompileErrorKind
	Message string
	// Snippet is the offending source fragment, when known.
	Snippet string
	// Line is the 1-based source line, 0 when unknown.
	Line  int
	Cause error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile error [%s]: %s", e.Kind, e.Message)
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (at %q)", e.Snippet)
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" on line %d", e.Line)
	}
	return msg
}

func (e *CompileError) Unwrap() error { return e.Cause }

// NewCompileError builds a CompileError.
func NewCompileError(kind CompileErrorKind, snippet, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Snippet: snippet, Message: fmt.Sprintf(format, args...)}
}

// ReferenceErrorKind classifies reference resolution failures.
type ReferenceErrorKind string

const (
	RefErrMissingVariable ReferenceErrorKind = "missing_variable"
	RefErrNotAMap         ReferenceErrorKind = "not_a_map"
	RefErrMissingKey      ReferenceErrorKind = "missing_key"
	RefErrNotASequence    ReferenceErrorKind = "not_a_sequence"
	RefErrIndexOutOfRange ReferenceErrorKind = "index_out_of_range"
	RefErrEmptyPath       ReferenceErrorKind = "empty_path"
	RefErrMalformedPath   ReferenceErrorKind = "malformed_path"
)

// ReferenceError reports a placeholder that could not be resolved against
// the execution state.
type ReferenceError struct {
	Kind ReferenceErrorKind
	Path string
	// Segment is the accessor that failed, empty for base lookups.
	Segment string
	Reason  string
}

func (e *ReferenceError) Error() string {
	msg := fmt.Sprintf("reference %q: %s", e.Path, e.Kind)
	if e.Segment != "" {
		msg += fmt.Sprintf(" at %s", e.Segment)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// missingValue reports whether the failure means "value absent" as opposed
// to a type mismatch or syntax problem.
func (e *ReferenceError) missingValue() bool {
	switch e.Kind {
	case RefErrMissingVariable, RefErrMissingKey, RefErrIndexOutOfRange:
		return true
	default:
		return false
	}
}

// IsReferenceError reports whether err is a ReferenceError of the given kind.
func IsReferenceError(err error, kind ReferenceErrorKind) bool {
	var refErr *ReferenceError
	return errors.As(err, &refErr) && refErr.Kind == kind
}

// EvaluationError reports a condition that could not be evaluated.
type EvaluationError struct {
	Op     string
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %s: %s", e.Op, e.Reason)
}

// ActionError is a failed action invocation.
type ActionError struct {
	ActionType string
	// Kind is a short error classifier matched against a retry policy's
	// non-retryable kinds.
	Kind    string
	Message string
	// NonRetryable aborts remaining retry attempts immediately.
	NonRetryable bool
	Attempts     int
	Cause        error
}

func (e *ActionError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Kind != "" {
		msg = fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	if e.ActionType != "" {
		msg = fmt.Sprintf("action %s: %s", e.ActionType, msg)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (after %d attempts)", e.Attempts)
	}
	return msg
}

func (e *ActionError) Unwrap() error { return e.Cause }

// Retryable is the inverse of NonRetryable.
func (e *ActionError) Retryable() bool { return !e.NonRetryable }

// NewRetryableError builds an ActionError that the activity executor may retry.
func NewRetryableError(kind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewNonRetryableError builds an ActionError that aborts retries.
func NewNonRetryableError(kind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...), NonRetryable: true}
}

// RunFailure is the terminal error of a failed run; it carries the first
// node failure.
type RunFailure struct {
	RunID  string
	NodeID string
	Cause  error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("run %s failed at node %s: %v", e.RunID, e.NodeID, e.Cause)
}

func (e *RunFailure) Unwrap() error { return e.Cause }
