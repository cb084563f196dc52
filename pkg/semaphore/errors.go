package semaphore

import "errors"

var (
	// ErrInvalidArgument is returned for a malformed path or a non-positive capacity.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCapacityMismatch is returned when the resource was created with a
	// different capacity than the one requested.
	ErrCapacityMismatch = errors.New("inconsistent capacity for resource")
	// ErrCapacityRace marks a lease node that landed outside the capacity window.
	// It is recovered internally and never returned to callers.
	ErrCapacityRace = errors.New("lease outside capacity window")
	// ErrCancelled is returned when an attempt is cancelled before acquisition.
	ErrCancelled = errors.New("lease attempt cancelled")
)
