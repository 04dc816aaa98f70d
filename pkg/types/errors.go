package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid is wrapped by every ValidationError.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnknownVersion is returned when a persisted document is newer than
	// this build understands.
	ErrUnknownVersion = errors.New("unknown document version")

	// ErrIncompatibleDocument is returned when a persisted document cannot be
	// decoded or upgraded.
	ErrIncompatibleDocument = errors.New("incompatible document")
)

// ValidationError rejects an administrative or configuration input before it
// is applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}
