package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorObject is a single JSON:API error object as it appears in the
// top-level "errors" array of an error response.
type ErrorObject struct {
	Status string       `json:"status,omitempty"`
	Code   string       `json:"code,omitempty"`
	Title  string       `json:"title,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Source *ErrorSource `json:"source,omitempty"`
}

// ErrorSource points at the part of the request that caused an error.
type ErrorSource struct {
	Pointer   string `json:"pointer,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

// Error is the structured failure type raised by every layer of the action
// pipeline. It carries an HTTP status, a human-readable message, optional
// JSON:API error objects, and an extra metadata bag that the dispatch
// boundary may render or log.
type Error struct {
	Status  int
	Message string
	Objects []ErrorObject
	Extra   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// WithObjects attaches JSON:API error objects to the error.
func (e *Error) WithObjects(objects ...ErrorObject) *Error {
	e.Objects = append(e.Objects, objects...)
	return e
}

// WithExtra attaches a key/value pair to the error's metadata bag.
func (e *Error) WithExtra(key string, value interface{}) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]interface{})
	}
	e.Extra[key] = value
	return e
}

// NewError creates an Error with the given status and formatted message.
func NewError(status int, format string, args ...interface{}) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// BadRequest reports a malformed request shape (400).
func BadRequest(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, format, args...)
}

// Forbidden reports a capability violation (403).
func Forbidden(format string, args ...interface{}) *Error {
	return NewError(http.StatusForbidden, format, args...)
}

// NotFound reports an unknown identity (404).
func NotFound(format string, args ...interface{}) *Error {
	return NewError(http.StatusNotFound, format, args...)
}

// MethodNotAllowed reports an unsupported operation (405).
func MethodNotAllowed(format string, args ...interface{}) *Error {
	return NewError(http.StatusMethodNotAllowed, format, args...)
}

// NotAcceptable reports a response content negotiation failure (406).
func NotAcceptable(format string, args ...interface{}) *Error {
	return NewError(http.StatusNotAcceptable, format, args...)
}

// Conflict reports a consistency conflict (409).
func Conflict(format string, args ...interface{}) *Error {
	return NewError(http.StatusConflict, format, args...)
}

// UnsupportedMediaType reports a request content negotiation failure (415).
func UnsupportedMediaType(format string, args ...interface{}) *Error {
	return NewError(http.StatusUnsupportedMediaType, format, args...)
}

// Internal reports an adapter or unexpected internal fault (500).
func Internal(format string, args ...interface{}) *Error {
	return NewError(http.StatusInternalServerError, format, args...)
}

// AsError coerces any error into an *Error. Non-structured errors become
// internal faults so that adapter failures never reach the wire verbatim.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal("%s", err.Error())
}
