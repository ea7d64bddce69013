// Package api
// Author: momentics <momentics@gmail.com>
//
// Error kinds and structured error handling shared by every wsengine layer.

package api

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies a failure. Codes are stable across layers so callers
// can match with errors.Is against the sentinels below.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeParameter
	ErrCodeAllocation
	ErrCodeSocket
	ErrCodeConnect
	ErrCodeHandshake
	ErrCodeTLSInit
	ErrCodeTLSHandshake
	ErrCodeInit
	ErrCodeSend
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:           "ok",
	ErrCodeParameter:    "parameter error",
	ErrCodeAllocation:   "allocation error",
	ErrCodeSocket:       "socket error",
	ErrCodeConnect:      "connect error",
	ErrCodeHandshake:    "handshake error",
	ErrCodeTLSInit:      "tls init error",
	ErrCodeTLSHandshake: "tls handshake error",
	ErrCodeInit:         "init error",
	ErrCodeSend:         "send error",
}

// String returns the human-readable kind name.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Sentinels for errors.Is matching. Any *Error with the same Code matches.
var (
	ErrParameter    = &Error{Code: ErrCodeParameter, Message: "invalid argument"}
	ErrAllocation   = &Error{Code: ErrCodeAllocation, Message: "resource exhausted"}
	ErrSocket       = &Error{Code: ErrCodeSocket, Message: "socket failure"}
	ErrConnect      = &Error{Code: ErrCodeConnect, Message: "connect failure"}
	ErrHandshake    = &Error{Code: ErrCodeHandshake, Message: "handshake failure"}
	ErrTLSInit      = &Error{Code: ErrCodeTLSInit, Message: "tls context init failure"}
	ErrTLSHandshake = &Error{Code: ErrCodeTLSHandshake, Message: "tls handshake failure"}
	ErrInit         = &Error{Code: ErrCodeInit, Message: "not initialized"}
	ErrSend         = &Error{Code: ErrCodeSend, Message: "send failure"}
)

// Error represents a structured error with code, context and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a structured error of the given kind around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrCodeOK for nil.
// Errors that carry no code are reported as socket errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	for cur := err; cur != nil; {
		if e, ok := cur.(*Error); ok {
			return e.Code
		}
		u, ok := cur.(interface{ Unwrap() error })
		if !ok {
			break
		}
		cur = u.Unwrap()
	}
	return ErrCodeSocket
}
