// Package errors provides the cross-cutting error wrapping used by every
// subsystem package: a single OperationError shape plus a FailedTo helper,
// on top of which each subsystem (corestate, rule, provider, audit, gateway)
// layers its own typed taxonomy.
package errors

import "fmt"

// OperationError wraps a failure with the operation, component and resource
// it occurred against, so logs and error messages carry enough context to
// triage without a stack trace.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Operation)
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Op builds an OperationError for the given operation/component/resource.
func Op(operation, component, resource string, cause error) *OperationError {
	return &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// FailedTo produces a minimal "failed to <action>[: <cause>]" error, for
// call sites that have no component/resource to attach.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return fmt.Errorf("failed to %s", action)
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}
