package profile

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBool     = errors.New("invalid boolean")
	ErrInvalidTimeZero = errors.New("time zero was not formatted correctly")
	ErrTimeZeroNotPast = errors.New("time zero must be in the past")
	ErrInvalidOffset   = errors.New("ticks must be an integer")
	ErrInvalidSpeed    = errors.New("multiplier must be a real number")
	ErrZeroSpeed       = errors.New("multiplier cannot be zero")
	ErrInvalidCity     = errors.New("city contains invalid characters")
	ErrUnknownField    = errors.New("unknown profile field")
	ErrInvalidName     = errors.New("invalid name")
)

// ValidationError is returned when a value is rejected at the write boundary. The
// previously stored value is left untouched.
type ValidationError struct {
	Field Field
	Input string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %q", e.Field, e.Err, e.Input)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(f Field, input string, err error) error {
	return &ValidationError{Field: f, Input: input, Err: err}
}
