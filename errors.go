package main

import (
	"github.com/pkg/errors"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrDuplicate        = errors.New("duplicate entity")
	ErrValidation       = errors.New("validation failure")
	ErrNotFound         = errors.New("not found")
)

// FieldError ties a failure to the form field that caused it so the form
// can be rendered again with the message next to that field.
type FieldError struct {
	Field   string
	Message string
	Kind    error
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *FieldError) Unwrap() error {
	return e.Kind
}

func duplicateField(field, message string) error {
	return &FieldError{Field: field, Message: message, Kind: ErrDuplicate}
}

func invalidField(field, message string) error {
	return &FieldError{Field: field, Message: message, Kind: ErrValidation}
}

// fieldErrors flattens err into a field -> message map for templates.
func fieldErrors(err error) map[string]string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return map[string]string{fe.Field: fe.Message}
	}
	return nil
}
