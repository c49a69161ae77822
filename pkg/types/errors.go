package types

import "errors"

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
	ErrInvalidRoomID  = errors.New("room ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidUserID  = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
)
