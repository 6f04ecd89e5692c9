// Package errs provides coded errors for the render pipeline.
//
// Workers use the code to decide whether a failure is fatal to an item,
// retryable within a generation attempt, or fatal to the whole job.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeUnsafePath      Code = "UNSAFE_PATH"
	CodeNotFound        Code = "NOT_FOUND"
	CodeRetryable       Code = "RETRYABLE"
	CodePermanent       Code = "PERMANENT"
	CodeTimeout         Code = "TIMEOUT"
	CodeCompositor      Code = "COMPOSITOR"
	CodeInterrupted     Code = "INTERRUPTED"
	CodeInternal        Code = "INTERNAL"
	CodeAlreadyRefunded Code = "ALREADY_REFUNDED"
)

// Error carries a code, the failing operation and an optional cause.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
	// Detail holds diagnostic output such as a compositor stderr tail.
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err, keeping its code when it already carries one.
func Wrap(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// GetCode returns the outermost code on err, or CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// GetDetail returns the first non-empty Detail in the chain.
func GetDetail(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Detail != "" {
			return e.Detail
		}
		err = e.Err
	}
	return ""
}
