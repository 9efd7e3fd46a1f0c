package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is. Write and read
// failures additionally wrap their cause, so both the kind and the
// underlying driver error stay reachable.
var (
	ErrNotInitialized = errors.New("store not initialized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidData    = errors.New("invalid data")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrSaveFailure    = errors.New("save failure")
	ErrLoadFailure    = errors.New("load failure")
)

func saveFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrSaveFailure, err)
}

func loadFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrLoadFailure, err)
}

func invalidData(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidData, err)
}
