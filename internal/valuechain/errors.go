package valuechain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store implementations for missing rows.
var ErrNotFound = errors.New("not found")

// ValidationError is a caller-correctable input problem.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// PersistenceError wraps a store failure. The command that produced it committed nothing.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// classify passes domain errors through and wraps everything else as a PersistenceError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var validation *ValidationError
	var notFound *NotFoundError
	var persistence *PersistenceError
	switch {
	case errors.As(err, &validation), errors.As(err, &notFound), errors.As(err, &persistence):
		return err
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
