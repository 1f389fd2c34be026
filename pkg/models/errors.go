package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound matches any *NotFoundError via errors.Is
	ErrNotFound = errors.New("violation not found")
	// ErrConstraint marks a write rejected for a missing required field
	ErrConstraint = errors.New("constraint violated")
)

// StorageError is returned when the local store is unavailable or a write is rejected
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned for operations on an unknown violation id
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("violation %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// UploadError is returned when a photo could not be transmitted to the blob host
type UploadError struct {
	Ref        string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s: status %d: %v", e.Ref, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s: %v", e.Ref, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// SubmitError is returned when the remote record service rejects a record
type SubmitError struct {
	ID         int64
	StatusCode int
	Err        error
}

func (e *SubmitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submit violation %d: status %d: %v", e.ID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submit violation %d: %v", e.ID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// FieldError describes one failed capture field
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects capture-time validation failures
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid violation: " + strings.Join(parts, "; ")
}

// Has reports whether the given field failed validation
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
