// Package apperr defines the error taxonomy surfaced by the gateway.
// Every error that crosses the API boundary carries a stable string code
// so that callers can switch on it without parsing messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error identifier surfaced to callers.
type Code string

const (
	CodeNotFound      Code = "NOT_FOUND"
	CodeForbidden     Code = "FORBIDDEN"
	CodeConflict      Code = "CONFLICT"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodePolicyBlock   Code = "POLICY_BLOCK"
	CodeRuleMalformed Code = "RULE_MALFORMED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeRateLimited   Code = "RATE_LIMITED"
)

// Detail points at the offending field of a request.
type Detail struct {
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Error is the typed error carried across component boundaries. cause is
// never serialized or shown to callers; it exists so errors.Is still reaches
// the underlying failure.
type Error struct {
	Status  int      `json:"-"`
	Code    Code     `json:"code"`
	Message string   `json:"message"`
	Details []Detail `json:"details"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the hidden cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// NotFound covers both missing resources and access denials on read paths,
// so that existence is never leaked.
func NotFound(message string, details ...Detail) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: message, Details: details}
}

// Forbidden is used on create paths only; read paths use NotFound.
func Forbidden(message string, details ...Detail) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: message, Details: details}
}

func Conflict(message string, details ...Detail) *Error {
	return &Error{Status: http.StatusConflict, Code: CodeConflict, Message: message, Details: details}
}

func Unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: message}
}

func Validation(message string, details ...Detail) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: message, Details: details}
}

// PolicyBlocked signals that the scan completed and the final action was
// block. It is raised only after the audit row has been committed.
func PolicyBlocked(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodePolicyBlock, Message: message}
}

// RuleMalformed is fatal to the scan that encountered it.
func RuleMalformed(message string) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeRuleMalformed, Message: message}
}

// Internal hides err behind a generic message while keeping it on the chain
// for logs and errors.Is.
func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error", cause: err}
}

// From extracts a typed *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
