/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package marketo

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen is returned without calling Marketo while the circuit breaker is open.
var ErrCircuitOpen = errors.New("marketo is unavailable, circuit breaker is open")

// UnknownErrorMessage is used when Marketo reports a failure without a description.
const UnknownErrorMessage = "Unknown error"

// APIError is a failure reported by Marketo.
type APIError struct {
	StatusCode int
	// Code is the Marketo error code ("601", "1003"), if any.
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s, HTTP %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Temporary reports whether repeating the call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func newAPIError(statusCode int, code, message string) *APIError {
	if message == "" {
		message = UnknownErrorMessage
	}
	return &APIError{StatusCode: statusCode, Code: code, Message: message}
}

func isSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}
