package device

import "errors"

// Registry and record errors. Check with errors.Is.
var (
	// ErrNotFound is returned when a path or index does not resolve to a record.
	ErrNotFound = errors.New("device: not found")

	// ErrAlreadyExists is returned when inserting a path that is already registered.
	ErrAlreadyExists = errors.New("device: already exists")

	// ErrCapacityExceeded is returned when a service UUID set is full.
	ErrCapacityExceeded = errors.New("device: service uuid capacity exceeded")

	// ErrInvalidPath is returned for an empty or over-long object path.
	ErrInvalidPath = errors.New("device: invalid path")

	// ErrInvalidUUID is returned when a service UUID is not a 128-bit UUID string.
	ErrInvalidUUID = errors.New("device: invalid service uuid")

	// ErrInvalidAddress is returned when an address is not a 48-bit MAC.
	ErrInvalidAddress = errors.New("device: invalid address")
)
