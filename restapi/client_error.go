/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/url"
)

// ClientError is returned when an outgoing request could not be done or its response could not be read.
type ClientError struct {
	Message    string
	Method     string
	URL        *url.URL
	StatusCode int
	Body       string
	Err        error
}

func (e *ClientError) wrap(message string, err error) *ClientError {
	e.Message = message
	e.Err = err
	return e
}

// Error implements the error interface. The query is left out of the URL, it may carry credentials.
func (e *ClientError) Error() string {
	str := fmt.Sprintf("method: [%s] url: [%s] status: [%d] message: %s",
		e.Method, urlWithoutQuery(e.URL), e.StatusCode, e.Message)
	if e.Err != nil {
		str += fmt.Sprintf(" error: %s", e.Err.Error())
	}
	return str
}

// Unwrap allows checking the cause with errors.Is and errors.As.
func (e *ClientError) Unwrap() error {
	return e.Err
}

func urlWithoutQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}
