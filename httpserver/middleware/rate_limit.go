/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/vasayxtx/go-glob"

	"github.com/LeadFabric-nv/federale-file-upload/internal/ratelimit"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

// DefaultRateLimitMaxKeys is the default number of keys whose limiter state is kept.
const DefaultRateLimitMaxKeys = 10000

// RateLimitErrCode is the error code of rejected requests.
const RateLimitErrCode = "tooManyRequests"

// RateLimitLogFieldKey is the log field carrying the rate limiting key.
const RateLimitLogFieldKey = "rate_limit_key"

// RateLimitAlg selects the limiting algorithm.
type RateLimitAlg int

// Rate limiting algorithms.
const (
	RateLimitAlgLeakyBucket RateLimitAlg = iota
	RateLimitAlgSlidingWindow
)

// Rate is Count requests per Duration.
type Rate = ratelimit.Rate

// RateLimitGetKeyFunc extracts the rate limiting key. bypass skips limiting for the request.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitOpts represents options for RateLimit middleware.
type RateLimitOpts struct {
	Alg      RateLimitAlg
	MaxBurst int

	// GetKey makes the limit per key. A single limit is shared by all requests when nil.
	GetKey  RateLimitGetKeyFunc
	MaxKeys int

	// ExcludedKeys are glob patterns ("10.0.*") of keys that are never limited.
	ExcludedKeys []string

	// ResponseStatusCode of rejected requests, 429 by default.
	ResponseStatusCode int

	// DryRun logs rejections but serves the requests.
	DryRun bool
}

type rateLimitHandler struct {
	next           http.Handler
	limiter        ratelimit.Limiter
	getKey         RateLimitGetKeyFunc
	excluded       []func(string) bool
	errDomain      string
	respStatusCode int
	dryRun         bool
}

// RateLimit limits all requests together by maxRate.
func RateLimit(maxRate Rate, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(maxRate, errDomain, RateLimitOpts{})
}

// RateLimitWithOpts is RateLimit with options.
func RateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}
	if opts.ResponseStatusCode == 0 {
		opts.ResponseStatusCode = http.StatusTooManyRequests
	}

	var limiter ratelimit.Limiter
	var err error
	switch opts.Alg {
	case RateLimitAlgLeakyBucket:
		limiter, err = ratelimit.NewLeakyBucketLimiter(maxRate, opts.MaxBurst, maxKeys)
	case RateLimitAlgSlidingWindow:
		limiter, err = ratelimit.NewSlidingWindowLimiter(maxRate, maxKeys)
	default:
		return nil, fmt.Errorf("unknown rate limit alg %d", opts.Alg)
	}
	if err != nil {
		return nil, err
	}

	excluded := make([]func(string) bool, 0, len(opts.ExcludedKeys))
	for _, pattern := range opts.ExcludedKeys {
		excluded = append(excluded, glob.Compile(pattern))
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			limiter:        limiter,
			getKey:         opts.GetKey,
			excluded:       excluded,
			errDomain:      errDomain,
			respStatusCode: opts.ResponseStatusCode,
			dryRun:         opts.DryRun,
		}
	}, nil
}

// MustRateLimitWithOpts is RateLimitWithOpts that panics on error.
func MustRateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(maxRate, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromContext(r.Context())

	var key string
	if h.getKey != nil {
		var bypass bool
		var err error
		if key, bypass, err = h.getKey(r); err != nil {
			if logger != nil {
				logger.Error("failed to get rate limiting key", log.Error(err))
			}
			restapi.RespondInternalError(rw, h.errDomain, logger)
			return
		}
		if bypass || h.isExcluded(key) {
			h.next.ServeHTTP(rw, r)
			return
		}
	}

	allow, retryAfter, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		if logger != nil {
			logger.Error("rate limiting failed", log.Error(err), log.String(RateLimitLogFieldKey, key))
		}
		restapi.RespondInternalError(rw, h.errDomain, logger)
		return
	}
	if allow {
		h.next.ServeHTTP(rw, r)
		return
	}

	if h.dryRun {
		if logger != nil {
			logger.Warn("too many requests, serving will be continued because of dry run mode",
				log.String(RateLimitLogFieldKey, key), log.String(userAgentLogFieldKey, r.UserAgent()))
		}
		h.next.ServeHTTP(rw, r)
		return
	}

	if logger != nil {
		logger = logger.With(log.String(RateLimitLogFieldKey, key), log.String(userAgentLogFieldKey, r.UserAgent()))
	}
	rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	restapi.RespondError(rw, h.respStatusCode, restapi.NewError(h.errDomain, RateLimitErrCode, "Too many requests."), logger)
}

func (h *rateLimitHandler) isExcluded(key string) bool {
	for _, match := range h.excluded {
		if match(key) {
			return true
		}
	}
	return false
}

// GetClientIPKey is a RateLimitGetKeyFunc keying requests by client IP.
// The proxy-reported origin address is preferred over the remote address.
func GetClientIPKey(r *http.Request) (key string, bypass bool, err error) {
	if originAddr := GetOriginAddr(r); originAddr != "" {
		return originAddr, false, nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, false, nil
	}
	return host, false, nil
}
