package interfaces

import "errors"

// Errors shared across component boundaries.
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrSummaryNotFound = errors.New("exam summary not found")
	ErrDuplicateRoom   = errors.New("a room with this ID already exists")
)
