package storage

import "errors"

// Storage errors for study stores.
var (
	// ErrNotFound is returned when a requested study does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a study or trial number already exists.
	// Trials are append-only and never updated in place.
	ErrDuplicateKey = errors.New("duplicate key: append-only store does not allow updates")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
