package core

import "errors"

// Sentinel errors shared across packages, following the teacher's
// convention of one errors.go per domain with wrapped sentinels at
// each call boundary.
var (
	// ErrCapacityExceeded names a full bounded resource. No package in
	// this module returns it; the staging queues report a capacity
	// rejection as (false, nil).
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrNotFound is returned when a keyed lookup misses.
	ErrNotFound = errors.New("not found")
)
