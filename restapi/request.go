/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"errors"
	"fmt"
	"net/http"

	"code.cloudfoundry.org/bytefmt"
)

// SetRequestMaxBodySize wraps request body with a reader which limit the number of bytes to read.
// Reading past the limit fails with *http.MaxBytesError.
func SetRequestMaxBodySize(w http.ResponseWriter, r *http.Request, maxSizeBytes uint64) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxSizeBytes))
}

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Code           string
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

// NewMalformedRequestError creates a new MalformedRequestError with 400 status code.
func NewMalformedRequestError(code, message string) *MalformedRequestError {
	return &MalformedRequestError{HTTPStatusCode: http.StatusBadRequest, Code: code, Message: message}
}

// NewTooLargeMalformedRequestError creates a new MalformedRequestError for case when request body is too large.
func NewTooLargeMalformedRequestError(maxSizeBytes uint64) *MalformedRequestError {
	return &MalformedRequestError{
		HTTPStatusCode: http.StatusRequestEntityTooLarge,
		Code:           ErrCodeRequestTooLarge,
		Message:        fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxSizeBytes)),
	}
}

// AsRequestTooLarge converts an error caused by SetRequestMaxBodySize into a MalformedRequestError.
func AsRequestTooLarge(err error) (*MalformedRequestError, bool) {
	var maxBytesErr *http.MaxBytesError
	if !errors.As(err, &maxBytesErr) {
		return nil, false
	}
	return NewTooLargeMalformedRequestError(uint64(maxBytesErr.Limit)), true
}
