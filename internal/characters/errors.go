package characters

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced character does not exist.
	ErrNotFound = errors.New("characters: not found")
	// ErrPermissionDenied indicates the actor does not own the character.
	ErrPermissionDenied = errors.New("characters: permission denied")
	// ErrValidation indicates required fields are missing before publish.
	ErrValidation = errors.New("characters: validation failed")
)

// ServiceError carries a structured operation.reason code alongside the
// underlying cause, mirroring how failures are logged.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the structured operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
