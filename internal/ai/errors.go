package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrExecution wraps every transport, status and timeout failure of a backend call.
	ErrExecution = errors.New("ai execution failed")
	// ErrParse is returned when a reply does not have the expected shape.
	ErrParse = errors.New("ai reply not parseable")
)

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrExecution
}
