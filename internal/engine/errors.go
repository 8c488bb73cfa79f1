package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotFound is returned when a declared script is missing at start.
	ErrResourceNotFound = errors.New("declared resource not found")
	// ErrDuplicateResource is returned when two declarations normalize to the same path.
	ErrDuplicateResource = errors.New("resource declared more than once")
	// ErrNotRunning is returned by operations that need a started, unstopped engine.
	ErrNotRunning = errors.New("engine not running")
)

// ScriptError reports a script that failed to evaluate. The build it belonged to was
// abandoned.
type ScriptError struct {
	Resource string
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("evaluate %s: %v", e.Resource, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}
