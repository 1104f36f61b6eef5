/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

// Error represents an error details.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error codes.
// We are using "var" here because some services may want to use different error codes.
var (
	ErrCodeInternal           = "internalError"
	ErrCodeNotFound           = "notFound"
	ErrCodeMethodNotAllowed   = "methodNotAllowed"
	ErrCodeRequestTooLarge    = "requestEntityTooLarge"
	ErrCodeServiceUnavailable = "serviceUnavailable"
)

// Error messages.
// The not found message is kept as the relay front-end has always received it.
var (
	ErrMessageInternal         = "Something went wrong!"
	ErrMessageNotFound         = "Not Found"
	ErrMessageMethodNotAllowed = "Method Not Allowed"
)

// NewError creates a new Error with specified params.
func NewError(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message}
}

// NewInternalError creates a new internal error with specified domain.
func NewInternalError(domain string) *Error {
	return NewError(domain, ErrCodeInternal, ErrMessageInternal)
}

// AddContext adds value to error context.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[field] = value
	return e
}
