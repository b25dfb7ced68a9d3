package workflow

import (
	"context"
	"fmt"
)

// Built-in action type names.
const (
	PassthroughActionType = "core.passthrough"
	WaitActionType        = "core.wait"
	FailActionType        = "core.fail"
	LogActionType         = "core.log"
)

// Builtins returns the core actions every registry starts with.
func Builtins() []ActionSpec {
	return []ActionSpec{
		{
			Name:        PassthroughActionType,
			Description: "Returns its value argument unchanged.",
			Func: func(_ context.Context, args map[string]any, _ map[string]string) (any, error) {
				return args["value"], nil
			},
		},
		{
			Name:        WaitActionType,
			Description: "Suspends the run for a number of seconds.",
			Func: func(ctx context.Context, args map[string]any, _ map[string]string) (any, error) {
				return wait(ctx, args)
			},
		},
		{
			Name:        FailActionType,
			Description: "Fails with the given message and kind.",
			Func: func(_ context.Context, args map[string]any, _ map[string]string) (any, error) {
				msg := fmt.Sprint(args["message"])
				if args["message"] == nil {
					msg = "requested failure"
				}
				kind, _ := args["kind"].(string)
				retryable, _ := args["retryable"].(bool)
				return nil, &ActionError{Kind: kind, Message: msg, NonRetryable: !retryable}
			},
		},
		{
			Name:        LogActionType,
			Description: "Appends a message to the step logs and returns it.",
			Func: func(ctx context.Context, args map[string]any, _ map[string]string) (any, error) {
				msg := stringify(args["message"])
				StepLog(ctx, "%s", msg)
				return msg, nil
			},
		},
	}
}

// NewRegistryWithBuiltins creates a registry holding the core actions.
func NewRegistryWithBuiltins() *Registry {
	return NewRegistry().MustRegister(Builtins()...)
}
