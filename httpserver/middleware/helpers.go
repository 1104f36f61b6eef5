/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RoutePatternGetterFunc returns the route pattern of the request ("/api/upload"), used as a metrics label.
type RoutePatternGetterFunc func(r *http.Request) string

func wrapResponseWriterIfNeeded(rw http.ResponseWriter, protoMajor int) chimw.WrapResponseWriter {
	if wrw, ok := rw.(chimw.WrapResponseWriter); ok {
		return wrw
	}
	return chimw.NewWrapResponseWriter(rw, protoMajor)
}

// statusOf returns 200 when the handler has not written a header explicitly.
func statusOf(wrw chimw.WrapResponseWriter) int {
	if wrw.Status() == 0 {
		return http.StatusOK
	}
	return wrw.Status()
}

// RequestStartTime stores the time the request was received in its context.
// It goes first in the chain so that later middlewares measure the full duration.
func RequestStartTime() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(rw, r.WithContext(NewContextWithRequestStartTime(r.Context(), time.Now())))
		})
	}
}
