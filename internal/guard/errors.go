package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrContention matches every *ContentionError.
	ErrContention = errors.New("guard: resource is busy")
	// ErrCoordination matches every *CoordinationError.
	ErrCoordination = errors.New("guard: coordination failure")
	// ErrKeyTemplate is returned when a key cannot be built from the call arguments.
	ErrKeyTemplate = errors.New("guard: invalid key")
	// ErrNotConfigured is wrapped when no coordinator exists for a rule's kind.
	ErrNotConfigured = errors.New("guard: no coordinator for kind")
)

// ContentionError reports that a resource stayed unavailable for the whole
// wait. Callers should reject the request with a retryable client error.
type ContentionError struct {
	Kind Kind
	Key  string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s %q is busy", e.Kind, e.Key)
}

func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}

// CoordinationError reports that the coordination backend failed while
// acquiring. The guarded function was not run.
type CoordinationError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("acquire %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

func (e *CoordinationError) Is(target error) bool {
	return target == ErrCoordination
}
