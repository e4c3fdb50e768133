package rsvpbot

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound is returned when no event exists with the given ID
	ErrEventNotFound = errors.New("event not found")

	// ErrForbidden is returned when the requester may not modify the event
	ErrForbidden = errors.New("forbidden")

	// ErrEventCancelled is returned when attempting to RSVP to a
	// cancelled event
	ErrEventCancelled = errors.New("event is cancelled")
)

// ValidationError indicates a malformed input, such as an empty title or
// an event start time in the past.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StoreError indicates that persisting or loading events failed. When
// returned from a registry mutation, the in-memory state is unchanged.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NotifyError indicates a reminder could not be delivered for an event.
// The event stays pending, and is retried on the next sweep.
type NotifyError struct {
	EventID string
	Err     error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify event %s: %s", e.EventID, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}
