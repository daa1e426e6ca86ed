package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for message decoding.
var (
	ErrBadMagic = errors.New("wire: bad magic")
	ErrVersion  = errors.New("wire: unsupported version")
	ErrTooLarge = errors.New("wire: payload too large")
	ErrKind     = errors.New("wire: unknown message kind")
)

// HeaderError records the field of a header that failed validation.
type HeaderError struct {
	Seq   uint32
	Field string
	Err   error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("wire: message %d: %s: %v", e.Seq, e.Field, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}
