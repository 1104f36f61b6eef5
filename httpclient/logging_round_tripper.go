/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// LoggingMode selects which requests are logged.
type LoggingMode string

// Logging modes.
const (
	LoggingModeNone   LoggingMode = "none"
	LoggingModeAll    LoggingMode = "all"
	LoggingModeFailed LoggingMode = "failed"
)

// IsValid reports whether the mode is known.
func (lm LoggingMode) IsValid() bool {
	switch lm {
	case LoggingModeNone, LoggingModeAll, LoggingModeFailed:
		return true
	}
	return false
}

// LoggingRoundTripperOpts represents options for LoggingRoundTripper.
type LoggingRoundTripperOpts struct {
	LoggerProvider       func(ctx context.Context) log.FieldLogger
	Mode                 LoggingMode
	SlowRequestThreshold time.Duration
}

// LoggingRoundTripper logs outgoing requests slower than SlowRequestThreshold.
// The query string is never logged since it may carry credentials.
// When the request is served inside an inbound request, the elapsed time is also
// added to its logging params as "external_request_<client type>_ms".
type LoggingRoundTripper struct {
	Delegate   http.RoundTripper
	ClientType string
	Opts       LoggingRoundTripperOpts
}

// NewLoggingRoundTripperWithOpts creates a new LoggingRoundTripper.
func NewLoggingRoundTripperWithOpts(
	delegate http.RoundTripper, clientType string, opts LoggingRoundTripperOpts,
) *LoggingRoundTripper {
	if opts.Mode == "" {
		opts.Mode = LoggingModeAll
	}
	return &LoggingRoundTripper{Delegate: delegate, ClientType: clientType, Opts: opts}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Opts.Mode == LoggingModeNone {
		return rt.Delegate.RoundTrip(r)
	}

	ctx := r.Context()
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	if lp := middleware.GetLoggingParamsFromContext(ctx); lp != nil {
		lp.AddTimeSlotDurationInMs(fmt.Sprintf("external_request_%s_ms", rt.ClientType), elapsed)
	}

	logger := rt.getLogger(ctx)
	if logger == nil || elapsed < rt.Opts.SlowRequestThreshold {
		return resp, err
	}
	failed := err != nil || (resp != nil && resp.StatusCode >= http.StatusBadRequest)
	if rt.Opts.Mode == LoggingModeFailed && !failed {
		return resp, err
	}

	fields := []log.Field{
		log.String("client_type", rt.ClientType),
		log.String("method", r.Method),
		log.String("url", urlWithoutQuery(r)),
		log.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if reqType := GetRequestTypeFromContext(ctx); reqType != "" {
		fields = append(fields, log.String("request_type", reqType))
	}
	if resp != nil {
		fields = append(fields, log.Int("status", resp.StatusCode))
	}
	if err != nil {
		logger.Error("client http request failed", append(fields, log.Error(err))...)
		return resp, err
	}
	logger.Info("client http request done", fields...)
	return resp, err
}

func (rt *LoggingRoundTripper) getLogger(ctx context.Context) log.FieldLogger {
	if rt.Opts.LoggerProvider != nil {
		if l := rt.Opts.LoggerProvider(ctx); l != nil {
			return l
		}
	}
	return middleware.GetLoggerFromContext(ctx)
}

func urlWithoutQuery(r *http.Request) string {
	u := *r.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
