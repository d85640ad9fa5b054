package tsmap

import "errors"

var (
	// ErrInvalidConfiguration is returned, wrapped with the offending
	// setting, for option values of the wrong type or out of range.
	ErrInvalidConfiguration = errors.New("tsmap: invalid configuration")

	// ErrCapacityExceeded is reported through the logger when the table
	// has reached its maximum length but is still over its threshold.
	// Operations keep succeeding; chains just get longer.
	ErrCapacityExceeded = errors.New("tsmap: maximum capacity exceeded")
)
