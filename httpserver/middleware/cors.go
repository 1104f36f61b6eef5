/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vasayxtx/go-glob"
)

// CORSOpts represents options for CORS middleware.
type CORSOpts struct {
	// AllowedOrigins are glob patterns ("https://*.example.com"). Every origin is allowed when empty.
	AllowedOrigins []string

	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// Default values for CORSOpts.
var (
	DefaultCORSAllowedMethods = []string{http.MethodGet, http.MethodHead, http.MethodPut,
		http.MethodPatch, http.MethodPost, http.MethodDelete}
)

type corsHandler struct {
	next           http.Handler
	matchers       []func(string) bool
	allowedMethods string
	allowedHeaders string
	maxAge         string
}

// CORS reflects an allowed request Origin with credentials support and answers preflight requests with 204.
// Requests from origins that are not allowed are served without CORS headers.
func CORS(opts CORSOpts) func(next http.Handler) http.Handler {
	matchers := make([]func(string) bool, 0, len(opts.AllowedOrigins))
	for _, pattern := range opts.AllowedOrigins {
		matchers = append(matchers, glob.Compile(pattern))
	}
	methods := opts.AllowedMethods
	if len(methods) == 0 {
		methods = DefaultCORSAllowedMethods
	}
	var maxAge string
	if opts.MaxAge > 0 {
		maxAge = strconv.Itoa(int(opts.MaxAge.Seconds()))
	}
	return func(next http.Handler) http.Handler {
		return &corsHandler{
			next:           next,
			matchers:       matchers,
			allowedMethods: strings.Join(methods, ","),
			allowedHeaders: strings.Join(opts.AllowedHeaders, ","),
			maxAge:         maxAge,
		}
	}
}

func (h *corsHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		h.next.ServeHTTP(rw, r)
		return
	}

	header := rw.Header()
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Add("Vary", "Origin")

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		h.next.ServeHTTP(rw, r)
		return
	}

	header.Set("Access-Control-Allow-Methods", h.allowedMethods)
	allowedHeaders := h.allowedHeaders
	if allowedHeaders == "" {
		allowedHeaders = r.Header.Get("Access-Control-Request-Headers")
		header.Add("Vary", "Access-Control-Request-Headers")
	}
	if allowedHeaders != "" {
		header.Set("Access-Control-Allow-Headers", allowedHeaders)
	}
	if h.maxAge != "" {
		header.Set("Access-Control-Max-Age", h.maxAge)
	}
	header.Set("Content-Length", "0")
	rw.WriteHeader(http.StatusNoContent)
}

func (h *corsHandler) originAllowed(origin string) bool {
	if len(h.matchers) == 0 {
		return true
	}
	for _, match := range h.matchers {
		if match(origin) {
			return true
		}
	}
	return false
}
