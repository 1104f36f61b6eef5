/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient builds outgoing HTTP clients from a chain of round trippers:
// logging, metrics, user agent, request ID propagation, retries, rate limiting and bearer auth.
package httpclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// DefaultClientType is used in logs and metrics when Opts.ClientType is empty.
const DefaultClientType = "external"

// Opts provides options for NewWithOpts.
type Opts struct {
	// UserAgent is set on requests that have no User-Agent header.
	UserAgent string

	// ClientType names the remote side in logs and metrics (e.g. "marketo").
	ClientType string

	// Delegate is the innermost transport. http.DefaultTransport is used when nil.
	Delegate http.RoundTripper

	// LoggerProvider returns a context-specific logger.
	// The logger stored by the logging middleware is used when nil.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// AuthProvider enables bearer authorization of every request.
	AuthProvider AuthProvider

	// MetricsCollector receives request durations when metrics are enabled.
	MetricsCollector MetricsCollector
}

// New creates a client from the configuration with no extra options.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// NewWithOpts creates a client whose transport chain is, from outer to inner:
// logging, metrics, user agent, request ID, retries, rate limiting, bearer auth, delegate.
// Every retry attempt is rate limited and carries a fresh token.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if opts.ClientType == "" {
		opts.ClientType = DefaultClientType
	}
	tr := opts.Delegate
	if tr == nil {
		tr = http.DefaultTransport.(*http.Transport).Clone()
	}

	if opts.AuthProvider != nil {
		tr = NewAuthBearerRoundTripper(tr, opts.AuthProvider)
	}

	if cfg.RateLimits.Enabled {
		var err error
		tr, err = NewRateLimitingRoundTripperWithOpts(tr, cfg.RateLimits.Limit, RateLimitingRoundTripperOpts{
			Period:      cfg.RateLimits.Period,
			Burst:       cfg.RateLimits.Burst,
			WaitTimeout: cfg.RateLimits.WaitTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create rate limiting round tripper: %w", err)
		}
	}

	if cfg.Retries.Enabled {
		var err error
		tr, err = NewRetryableRoundTripperWithOpts(tr, RetryableRoundTripperOpts{
			LoggerProvider:   opts.LoggerProvider,
			MaxRetryAttempts: cfg.Retries.MaxAttempts,
			BackoffPolicy:    cfg.Retries.GetPolicy(),
		})
		if err != nil {
			return nil, fmt.Errorf("create retryable round tripper: %w", err)
		}
	}

	tr = NewRequestIDRoundTripper(tr)

	if opts.UserAgent != "" {
		tr = NewUserAgentRoundTripper(tr, opts.UserAgent)
	}

	if cfg.Metrics.Enabled && opts.MetricsCollector != nil {
		tr = NewMetricsRoundTripper(tr, opts.ClientType, opts.MetricsCollector)
	}

	if cfg.Log.Enabled {
		tr = NewLoggingRoundTripperWithOpts(tr, opts.ClientType, LoggingRoundTripperOpts{
			LoggerProvider:       opts.LoggerProvider,
			Mode:                 cfg.Log.Mode,
			SlowRequestThreshold: cfg.Log.SlowRequestThreshold,
		})
	}

	return &http.Client{Transport: tr, Timeout: cfg.Timeout}, nil
}

// Must is like NewWithOpts but panics on error.
func Must(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return client
}

// CloneHTTPRequest creates a shallow copy of the request with a deep copy of its headers.
func CloneHTTPRequest(req *http.Request) *http.Request {
	r := new(http.Request)
	*r = *req
	r.Header = req.Header.Clone()
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	return r
}
