package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidArgument is returned when a caller passes malformed input,
	// such as a non-positive limit or an empty resource name.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownAlgorithm is returned for an unrecognised rate limit algorithm.
	ErrUnknownAlgorithm = errors.New("unknown rate limit algorithm")
	// ErrLockUnavailable is returned by WithLock once every attempt failed.
	ErrLockUnavailable = errors.New("lock unavailable")
)
