/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"
)

// Request ID headers.
const (
	RequestIDHeader         = "X-Request-ID"
	InternalRequestIDHeader = "X-Int-Request-ID"
)

// RequestIDOpts represents options for RequestID middleware.
type RequestIDOpts struct {
	GenerateID         func() string
	GenerateInternalID func() string
}

type requestIDHandler struct {
	next http.Handler
	opts RequestIDOpts
}

func newID() string {
	return xid.New().String()
}

// RequestID reuses the X-Request-ID of the request or generates one, generates an internal ID,
// and puts both into the context and the response headers.
func RequestID() func(next http.Handler) http.Handler {
	return RequestIDWithOpts(RequestIDOpts{})
}

// RequestIDWithOpts is RequestID with custom ID generators.
func RequestIDWithOpts(opts RequestIDOpts) func(next http.Handler) http.Handler {
	if opts.GenerateID == nil {
		opts.GenerateID = newID
	}
	if opts.GenerateInternalID == nil {
		opts.GenerateInternalID = newID
	}
	return func(next http.Handler) http.Handler {
		return &requestIDHandler{next: next, opts: opts}
	}
}

func (h *requestIDHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = h.opts.GenerateID()
	}
	internalRequestID := h.opts.GenerateInternalID()

	ctx := NewContextWithRequestID(r.Context(), requestID)
	ctx = NewContextWithInternalRequestID(ctx, internalRequestID)
	rw.Header().Set(RequestIDHeader, requestID)
	rw.Header().Set(InternalRequestIDHeader, internalRequestID)

	h.next.ServeHTTP(rw, r.WithContext(ctx))
}
