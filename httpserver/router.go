/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
)

func configureRouter(router chi.Router, logger log.FieldLogger, opts Opts) { //nolint:gocritic // opts is passed once
	router.Use(opts.RootMiddlewares...)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Method(http.MethodGet, "/healthz", NewHealthCheckHandler(opts.HealthCheck))

	if opts.Routes != nil {
		opts.Routes(router)
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeNotFound, restapi.ErrMessageNotFound)
		restapi.RespondError(rw, http.StatusNotFound, apiErr, loggerOf(r, logger))
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		apiErr := restapi.NewError(opts.ErrorDomain, restapi.ErrCodeMethodNotAllowed, restapi.ErrMessageMethodNotAllowed)
		restapi.RespondError(rw, http.StatusMethodNotAllowed, apiErr, loggerOf(r, logger))
	})
}

func loggerOf(r *http.Request, fallback log.FieldLogger) log.FieldLogger {
	if logger := middleware.GetLoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return fallback
}

func applyDefaultMiddlewaresToRouter(
	router chi.Router,
	cfg *Config,
	logger log.FieldLogger,
	opts Opts, //nolint:gocritic // opts is passed once
	requestMetrics *middleware.HTTPRequestMetricsCollector,
	limitQueue *admission.Queue,
) {
	router.Use(middleware.RequestStartTime())
	router.Use(middleware.RequestID())
	router.Use(middleware.LoggingWithOpts(logger, middleware.LoggingOpts{
		RequestStart:         cfg.Log.RequestStart,
		ExcludedEndpoints:    cfg.Log.ExcludedEndpoints,
		SecretQueryParams:    cfg.Log.SecretQueryParams,
		SlowRequestThreshold: cfg.Log.SlowRequestThreshold,
	}))
	router.Use(middleware.Recovery(opts.ErrorDomain))

	getRoutePattern := GetChiRoutePattern
	if opts.HTTPRequestMetrics.GetRoutePattern != nil {
		getRoutePattern = opts.HTTPRequestMetrics.GetRoutePattern
	}
	router.Use(middleware.HTTPRequestMetricsWithOpts(requestMetrics, getRoutePattern,
		middleware.HTTPRequestMetricsOpts{ExcludedEndpoints: systemEndpoints}))

	if !opts.SkipSecurityMiddlewares {
		router.Use(middleware.SecureHeaders(nil))
		router.Use(middleware.CORS(middleware.CORSOpts{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			MaxAge:         cfg.CORS.MaxAge,
		}))
	}

	if limitQueue != nil {
		limit := middleware.Admission(limitQueue, opts.ErrorDomain)
		router.Use(func(next http.Handler) http.Handler {
			limited := limit(next)
			return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				if isSystemEndpoint(r.URL.Path) {
					next.ServeHTTP(rw, r)
					return
				}
				limited.ServeHTTP(rw, r)
			})
		})
	}

	if cfg.Limits.MaxBodySizeBytes > 0 {
		router.Use(middleware.RequestBodyLimit(uint64(cfg.Limits.MaxBodySizeBytes), opts.ErrorDomain))
	}
}

func isSystemEndpoint(path string) bool {
	for _, endpoint := range systemEndpoints {
		if path == endpoint {
			return true
		}
	}
	return false
}

// GetChiRoutePattern extracts chi route pattern from request.
func GetChiRoutePattern(r *http.Request) string {
	// modified code from https://github.com/go-chi/chi/issues/270#issuecomment-479184559
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}

	routePath := r.URL.RawPath
	if routePath == "" {
		routePath = r.URL.Path
	}
	tctx := chi.NewRouteContext()
	if !rctx.Routes.Match(tctx, r.Method, routePath) {
		return ""
	}
	return tctx.RoutePattern()
}
