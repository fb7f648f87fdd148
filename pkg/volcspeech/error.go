package volcspeech

import (
	"errors"
	"fmt"
)

// Error is a provider-reported speech API error.
type Error struct {
	// Code is the provider error code from the error frame.
	Code int

	// Message is the decoded error payload, if any.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("volcspeech: %s (code=%d)", e.Message, e.Code)
}

// AsError tries to convert an error to *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
