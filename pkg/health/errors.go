package health

import "errors"

var (
	// ErrCheckFailed is returned by Aggregate when one or more checks fail.
	ErrCheckFailed = errors.New("health: check failed")

	// ErrCheckTimeout marks a check that exceeded the shared timeout.
	ErrCheckTimeout = errors.New("health: check timeout")
)
