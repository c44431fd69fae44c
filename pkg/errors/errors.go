package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is a failure carrying a result code and optional context.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = Describe(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code.String(), msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error or a bare Code with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Code == e.Code
	case Code:
		return t == e.Code
	}
	return false
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an error with the given code.
func New(c Code, message string) *Error {
	return &Error{Code: c, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(c Code, format string, args ...interface{}) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(err error, c Code, message string) *Error {
	return &Error{Code: c, Message: message, Cause: err}
}

// CodeOf extracts the code from an error chain. A nil error is Succeed and
// errors without a code are CommonError.
func CodeOf(err error) Code {
	if err == nil {
		return Succeed
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	var c Code
	if stderrors.As(err, &c) {
		return c
	}
	return CommonError
}

// HasCode reports whether err carries c anywhere in its chain.
func HasCode(err error, c Code) bool {
	return stderrors.Is(err, c)
}

// ValueOf is the wire value of err, Succeed for nil.
func ValueOf(err error) int32 {
	return CodeOf(err).Value()
}
