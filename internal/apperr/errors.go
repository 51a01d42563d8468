package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	NotFound         Code = "NOT_FOUND"
	Unavailable      Code = "UNAVAILABLE"
	BlockedContent   Code = "BLOCKED_CONTENT"
	Oversized        Code = "OVERSIZED"
	UnsupportedMedia Code = "UNSUPPORTED_MEDIA"
	InvalidLanguage  Code = "INVALID_LANGUAGE"
	InvalidInput     Code = "INVALID_INPUT"
	Internal         Code = "INTERNAL"
)

type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
