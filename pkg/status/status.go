// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package status defines the classified errors returned by the QNN execution-provider backend.
//
// Every error crossing a package boundary carries a stable Code, a human-readable message and,
// when available, the wrapped cause (with the stack trace attached by github.com/pkg/errors).
// Use CodeOf or Is to classify an error; the message is for people only.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error. Values are stable and may be logged or compared.
type Code int

const (
	// OK is returned by CodeOf for a nil error.
	OK Code = iota

	// Fail is a generic failure of a native call without a more specific classification.
	Fail

	// InvalidArgument flags misuse: bad configuration strings, nil inputs, duplicate ids.
	InvalidArgument

	// NotInitialized flags an operation issued before a successful SetupBackend.
	NotInitialized

	LibraryLoadFailure
	InterfaceVersionMismatch
	DeviceUnavailable
	UnsupportedAttribute
	ShapeMismatch
	QuantizationConstraintViolation
	ContextCacheVersionMismatch
	SpillBufferNegotiationFailed
	MemoryHandleRegistrationFailure
	NotFound
)

var codeNames = map[Code]string{
	OK:                              "OK",
	Fail:                            "Fail",
	InvalidArgument:                 "InvalidArgument",
	NotInitialized:                  "NotInitialized",
	LibraryLoadFailure:              "LibraryLoadFailure",
	InterfaceVersionMismatch:        "InterfaceVersionMismatch",
	DeviceUnavailable:               "DeviceUnavailable",
	UnsupportedAttribute:            "UnsupportedAttribute",
	ShapeMismatch:                   "ShapeMismatch",
	QuantizationConstraintViolation: "QuantizationConstraintViolation",
	ContextCacheVersionMismatch:     "ContextCacheVersionMismatch",
	SpillBufferNegotiationFailed:    "SpillBufferNegotiationFailed",
	MemoryHandleRegistrationFailure: "MemoryHandleRegistrationFailure",
	NotFound:                        "NotFound",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, found := codeNames[c]; found {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a classified error.
type Error struct {
	code  Code
	msg   string
	cause error
}

// Errorf creates a new classified error, with a stack trace attached.
func Errorf(code Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...), cause: errors.New("")}
}

// Wrapf classifies err with code and prefixes it with the formatted message.
// It returns nil if err is nil.
//
// If err already carries a Code, the new code takes precedence: the caller knows better what failed
// from its point of view.
func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(err)}
}

// Code returns the classification of the error.
func (e *Error) Code() Code { return e.code }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil || e.cause.Error() == "" {
		return fmt.Sprintf("[%s] %s", e.code, e.msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.code, e.msg, e.cause.Error())
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Format implements fmt.Formatter: "%+v" includes the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "[%s] %s: %+v", e.code, e.msg, e.cause)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// CodeOf returns the code of the outermost classified error in err's chain.
// It returns OK for nil and Fail for errors that were never classified.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.code
	}
	return Fail
}

// Is returns whether err is classified with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
