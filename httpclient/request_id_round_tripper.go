/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"

	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
)

// RequestIDRoundTripper propagates the ID of the inbound request in the X-Request-ID header.
type RequestIDRoundTripper struct {
	Delegate http.RoundTripper
}

// NewRequestIDRoundTripper creates a new RequestIDRoundTripper.
func NewRequestIDRoundTripper(delegate http.RoundTripper) *RequestIDRoundTripper {
	return &RequestIDRoundTripper{Delegate: delegate}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *RequestIDRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	requestID := middleware.GetRequestIDFromContext(r.Context())
	if requestID == "" || r.Header.Get(middleware.RequestIDHeader) != "" {
		return rt.Delegate.RoundTrip(r)
	}
	r = CloneHTTPRequest(r)
	r.Header.Set(middleware.RequestIDHeader, requestID)
	return rt.Delegate.RoundTrip(r)
}
