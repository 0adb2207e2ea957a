package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes shared by every rail. Rail-specific failures keep the HTTP
// status or response code the rail returned.
const (
	CodeTransport   = http.StatusInternalServerError
	CodeUnsupported = http.StatusNotImplemented
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrAssignmentNotFound = errors.New("no provider assigned")
	ErrVersionConflict    = errors.New("assignment changed concurrently")
)

// Error is the single error shape every adapter returns.
type Error struct {
	Provider Name
	Code     int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %d %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps a network failure, timeout or undecodable response.
func Transport(name Name, err error) *Error {
	msg := "provider unreachable"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "provider timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "provider timed out"
	}
	return &Error{Provider: name, Code: CodeTransport, Message: msg, Err: err}
}

// Unsupported reports an operation the rail does not offer.
func Unsupported(name Name, op string) *Error {
	return &Error{Provider: name, Code: CodeUnsupported, Message: op + " is not supported"}
}

// Rejected builds an error for a rail-level failure response.
func Rejected(name Name, code int, message string) *Error {
	if message == "" {
		message = http.StatusText(code)
	}
	return &Error{Provider: name, Code: code, Message: message}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == CodeUnsupported
}

// Envelope is the uniform result view exposed to callers of a rail
// operation, built from the adapter's (data, error) pair.
type Envelope[T any] struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Data    T      `json:"data,omitempty"`
}

// Wrap builds an Envelope.
func Wrap[T any](data T, err error) Envelope[T] {
	if err == nil {
		return Envelope[T]{Message: "ok", Code: http.StatusOK, Data: data}
	}
	if pe, ok := AsError(err); ok {
		return Envelope[T]{Error: true, Message: pe.Message, Code: pe.Code}
	}
	return Envelope[T]{Error: true, Message: err.Error(), Code: CodeTransport}
}
