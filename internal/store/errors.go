package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist or is tombstoned.
	ErrNotFound = errors.New("document not found")

	// ErrStaleHandle is returned when a Results handle is used after the
	// Scan callback that received it has returned.
	ErrStaleHandle = errors.New("query result handle used outside its scope")

	// ErrDocumentExists is returned by ConflictFail writes to a live document.
	ErrDocumentExists = errors.New("document already exists")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// ValidationError wraps a schema validation failure for one document.
type ValidationError struct {
	Collection string
	ID         string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
