package app

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMissing means no API key is configured; callers route the user to settings.
	ErrConfigurationMissing = errors.New("configuration missing: api key not set")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrValidation           = errors.New("validation failed")
	// ErrInvalidTarget is a ValidationError for ids that do not resolve.
	ErrInvalidTarget = fmt.Errorf("%w: invalid target", ErrValidation)
	// ErrPersistence means a backend write, delete or read failed; local state is unchanged.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError names the rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CompletionRequestFailedError reports a failed completion call. Status is the
// upstream HTTP status, or 0 when no response was received.
type CompletionRequestFailedError struct {
	Status int
	Err    error
}

func (e *CompletionRequestFailedError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("completion request failed: %v", e.Err)
	}
	return fmt.Sprintf("completion request failed with status %d", e.Status)
}

func (e *CompletionRequestFailedError) Unwrap() error {
	return e.Err
}

func persistenceErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func invalidTarget(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrInvalidTarget, kind, id)
}
