package domain

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned for ownership scoped lookups that miss. It does not
	// distinguish a missing task from one owned by someone else.
	ErrNotFound = errors.New("task not found")
	// ErrUnauthorized is returned for failed sign-ins, whatever the cause.
	ErrUnauthorized = errors.New("incorrect email or password")
	// ErrUnauthenticated is returned when a session is absent, expired or revoked.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrConflict is returned when signing up with a registered email.
	ErrConflict = errors.New("email already exists")
	// ErrInternal replaces every unexpected failure from storage.
	ErrInternal = errors.New("something went wrong")
)

// Storage level errors reported by TaskStorage, UserStorage and SessionStorage implementations.
var (
	ErrRowNotFound = errors.New("row not found")
	ErrDuplicate   = errors.New("duplicate key")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of a request.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns the error when at least one field was recorded.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return strings.Join(msgs, " ")
}

// IsClassified reports whether err is one of the error kinds surfaced to users as is.
func IsClassified(err error) bool {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInternal):
		return true
	}
	return false
}
