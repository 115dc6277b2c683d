// Package apierror defines the normalized error shape returned to clients.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeAuthenticationRequired Code = "AUTHENTICATION_REQUIRED"
	CodeInvalidCredential      Code = "INVALID_CREDENTIAL"
	CodeAccountInactive        Code = "ACCOUNT_INACTIVE"
	CodeAuthService            Code = "AUTH_SERVICE_ERROR"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded          Code = "QUOTA_EXCEEDED"
	CodeConnection             Code = "CONNECTION_ERROR"
	CodeUpstream               Code = "UPSTREAM_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

type Error struct {
	Status  int    `json:"-"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
}

func AuthenticationRequired() *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeAuthenticationRequired, Message: "missing or malformed Authorization header"}
}

func InvalidCredential() *Error {
	return &Error{Status: http.StatusUnauthorized, Code: CodeInvalidCredential, Message: "credential verification failed"}
}

func AccountInactive() *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeAccountInactive, Message: "account is inactive"}
}

func AuthService(msg string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeAuthService, Message: msg}
}

func Validation(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg}
}

func RateLimitExceeded(msg string, details any) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: CodeRateLimitExceeded, Message: msg, Details: details}
}

func QuotaExceeded(msg string, details any) *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: CodeQuotaExceeded, Message: msg, Details: details}
}

func Connection(status int, msg string) *Error {
	return &Error{Status: status, Code: CodeConnection, Message: msg}
}

func Upstream(status int, msg string, details any) *Error {
	return &Error{Status: status, Code: CodeUpstream, Message: msg, Details: details}
}

// Internal wraps an unclassified fault. In production mode the underlying
// detail is withheld from the client.
func Internal(err error, development bool) *Error {
	msg := "internal server error"
	if development && err != nil {
		msg = err.Error()
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}

// From coerces any error into an *Error, classifying unknown faults as
// internal.
func From(err error, development bool) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err, development)
}

// Write renders the error as the JSON envelope {"error": {...}}.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err})
}
