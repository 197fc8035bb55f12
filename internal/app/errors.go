package app

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by App matches at most one of these with
// errors.Is; the HTTP layer maps kinds to status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrUpstream     = errors.New("upstream error")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrBusy indicates a concurrent writer holds or changed the resource.
	ErrBusy = errors.New("resource busy")
)

var (
	ErrUserNotFound          = kindError{ErrNotFound, "user not found"}
	ErrConversationNotFound  = kindError{ErrNotFound, "conversation not found"}
	ErrJournalEntryNotFound  = kindError{ErrNotFound, "journal entry not found"}
	ErrInterventionNotFound  = kindError{ErrNotFound, "intervention not found"}
	ErrMessageRequired       = kindError{ErrValidation, "message required"}
	ErrCheckInRequired       = kindError{ErrValidation, "check_in_data required"}
	ErrWearableDataRequired  = kindError{ErrValidation, "wearable_data required"}
	ErrJournalRequired       = kindError{ErrValidation, "journal_description required"}
	ErrDeviceIDRequired      = kindError{ErrValidation, "device_id required"}
	ErrCredentialsRequired   = kindError{ErrValidation, "email and password are both required"}
	ErrPasswordMismatch      = kindError{ErrValidation, "passwords do not match"}
	ErrEmailAlreadyExists    = kindError{ErrConflict, "email already registered"}
	ErrInvalidCredentials    = kindError{ErrUnauthorized, "invalid email or password"}
	ErrInvalidToken          = kindError{ErrUnauthorized, "invalid or expired token"}
	ErrConversationBusy      = kindError{ErrBusy, "conversation is being updated, retry shortly"}
	ErrNoValidInterventions  = kindError{ErrUpstream, "model recommended no known interventions"}
	ErrEmptyModelResponse    = kindError{ErrUpstream, "model returned an empty response"}
	ErrInterventionIDInvalid = kindError{ErrValidation, "intervention_id required"}
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string { return e.msg }

func (e kindError) Unwrap() error { return e.kind }

func validationf(format string, args ...any) error {
	return kindError{ErrValidation, fmt.Sprintf(format, args...)}
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}
