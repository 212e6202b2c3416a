package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("entity already exists")

	// ErrStaleStatus is returned by a guarded update when the row is no longer in the expected status.
	ErrStaleStatus = errors.New("entity status changed concurrently")
)
