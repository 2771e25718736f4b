package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Batch-scope errors (config, global resource, structural
// validation) escape the controller; everything else is recorded per unit.
var (
	// ErrConfig marks malformed or contradictory configuration or invocation input.
	ErrConfig = errors.New("config error")

	// ErrResource marks failure to allocate temporary storage.
	ErrResource = errors.New("resource error")

	// ErrValidation marks structural failure reading the derivatives tree.
	ErrValidation = errors.New("validation error")

	// ErrExecution marks a non-zero exit or failed start of the external tool.
	ErrExecution = errors.New("execution error")

	// ErrTimeout marks an external tool run that exceeded its time budget.
	// Every timeout is also an ErrExecution.
	ErrTimeout = errors.New("execution timeout")
)

// ConfigErrorf formats an error wrapping ErrConfig.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// ResourceErrorf formats an error wrapping ErrResource.
func ResourceErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResource, fmt.Sprintf(format, args...))
}

// ValidationErrorf formats an error wrapping ErrValidation.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ExecutionError describes a failed external tool invocation.
type ExecutionError struct {
	Unit     RunUnit
	ExitCode int
	TimedOut bool
	Err      error // underlying cause, may be nil
}

func (e *ExecutionError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: %s timed out", ErrTimeout, e.Unit)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s exited with code %d: %v", ErrExecution, e.Unit, e.ExitCode, e.Err)
	default:
		return fmt.Sprintf("%s: %s exited with code %d", ErrExecution, e.Unit, e.ExitCode)
	}
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrExecution always and ErrTimeout when the run timed out.
func (e *ExecutionError) Is(target error) bool {
	if target == ErrExecution {
		return true
	}
	return target == ErrTimeout && e.TimedOut
}
