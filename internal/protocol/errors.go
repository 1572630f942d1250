package protocol

import "errors"

var (
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrMissingID       = errors.New("protocol: missing id")
	ErrMissingType     = errors.New("protocol: missing type")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrInvalidInfo     = errors.New("protocol: invalid info")
	ErrUnexpectedReply = errors.New("protocol: unexpected reply")
)
