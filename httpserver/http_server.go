/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/service"
)

// systemEndpoints are not involved in metrics collecting and in-flight requests limiting.
var systemEndpoints = []string{"/metrics", "/healthz"}

// HTTPRequestMetricsOpts represents options for the request metrics collected by HTTPServer.
type HTTPRequestMetricsOpts struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
	GetRoutePattern middleware.RoutePatternGetterFunc
}

// Opts represents options for creating HTTPServer.
type Opts struct {
	// ErrorDomain is used for error response formatting.
	ErrorDomain string
	// Routes registers the application routes on the router, after the default middlewares.
	Routes func(router chi.Router)
	// RootMiddlewares are applied after the default middlewares.
	RootMiddlewares []func(http.Handler) http.Handler
	// HealthCheck returns statuses of the service components for /healthz.
	HealthCheck HealthCheck
	// MetricsHandler serves /metrics, promhttp.Handler() by default.
	MetricsHandler     http.Handler
	HTTPRequestMetrics HTTPRequestMetricsOpts
	// SkipSecurityMiddlewares turns off security headers and CORS, for local development.
	SkipSecurityMiddlewares bool
	// Listener is used instead of listening on the configured address.
	Listener net.Listener
}

// HTTPServer wraps http.Server with a chi router, default middlewares and lifecycle management.
// It implements service.Unit and service.MetricsRegisterer.
type HTTPServer struct {
	URL             string
	HTTPServer      *http.Server
	TLS             TLSConfig
	HTTPRouter      chi.Router
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener       net.Listener
	port           int32
	httpServerDone atomic.Value
	requestMetrics *middleware.HTTPRequestMetricsCollector
	limitQueue     *admission.Queue
}

var _ service.Unit = (*HTTPServer)(nil)
var _ service.MetricsRegisterer = (*HTTPServer)(nil)

// New creates a new HTTPServer with request IDs, logging, panic recovery, metrics, security headers,
// CORS, in-flight limiting, body size limiting and health-checking.
func New(cfg *Config, logger log.FieldLogger, opts Opts) (*HTTPServer, error) { //nolint:gocritic // opts is passed once
	requestMetrics := middleware.NewHTTPRequestMetricsCollectorWithOpts(middleware.HTTPRequestMetricsCollectorOpts{
		Namespace:       opts.HTTPRequestMetrics.Namespace,
		DurationBuckets: opts.HTTPRequestMetrics.DurationBuckets,
		ConstLabels:     opts.HTTPRequestMetrics.ConstLabels,
	})

	var limitQueue *admission.Queue
	if cfg.Limits.MaxRequests > 0 {
		var err error
		limitQueue, err = admission.New(cfg.Limits.MaxRequests, admission.Opts{MaxPending: cfg.Limits.MaxRequests, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("create in-flight limit queue: %w", err)
		}
	}

	router := chi.NewRouter()
	applyDefaultMiddlewaresToRouter(router, cfg, logger, opts, requestMetrics, limitQueue)
	configureRouter(router, logger, opts)

	httpServer := &http.Server{
		Addr:              cfg.Address,
		WriteTimeout:      cfg.Timeouts.Write,
		ReadTimeout:       cfg.Timeouts.Read,
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader,
		IdleTimeout:       cfg.Timeouts.Idle,
		Handler:           router,
	}
	scheme := "http://"
	if cfg.TLS.Enabled {
		scheme = "https://"
	}
	return &HTTPServer{
		URL:             scheme + cfg.Address,
		HTTPServer:      httpServer,
		TLS:             cfg.TLS,
		HTTPRouter:      router,
		Logger:          logger,
		ShutdownTimeout: cfg.Timeouts.Shutdown,
		listener:        opts.Listener,
		requestMetrics:  requestMetrics,
		limitQueue:      limitQueue,
	}, nil
}

// Start starts application HTTP server in a blocking way.
// It's supposed that this method will be called in a separate goroutine.
// If a fatal error occurs, it will be sent to the fatalError channel.
func (s *HTTPServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	defer close(done)
	s.httpServerDone.Store(done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("idle_timeout", s.HTTPServer.IdleTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	logger.Info("starting application HTTP server...")

	var err error
	if s.listener == nil {
		if s.listener, err = net.Listen("tcp", s.HTTPServer.Addr); err != nil {
			logger.Error("application HTTP server error", log.Error(err))
			fatalError <- err
			return
		}
	}
	if _, portStr, splitErr := net.SplitHostPort(s.listener.Addr().String()); splitErr == nil {
		if port, parseErr := strconv.ParseInt(portStr, 10, 32); parseErr == nil {
			atomic.StoreInt32(&s.port, int32(port))
		}
	}

	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("application HTTP server closed")
			return
		}
		logger.Error("application HTTP server error", log.Error(err))
		fatalError <- err
	}
}

// Stop stops application HTTP server (gracefully or not).
func (s *HTTPServer) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing application HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("application HTTP server closing error", log.Error(err))
			return err
		}
		s.waitServeDone()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	s.Logger.Info("shutting down application HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("application HTTP server shutting down error", log.Error(err))
		return err
	}
	if s.limitQueue != nil {
		if err := s.limitQueue.Shutdown(ctx); err != nil {
			s.Logger.Warn("in-flight limit queue is not drained", log.Error(err))
		}
	}
	s.Logger.Info("application HTTP server shut down")
	s.waitServeDone()
	return nil
}

func (s *HTTPServer) waitServeDone() {
	if done, ok := s.httpServerDone.Load().(chan struct{}); ok && done != nil {
		<-done
	}
}

// MustRegisterMetrics registers metrics in Prometheus client and panics if any error occurs.
func (s *HTTPServer) MustRegisterMetrics() {
	s.requestMetrics.MustRegister()
}

// UnregisterMetrics unregisters metrics in Prometheus client.
func (s *HTTPServer) UnregisterMetrics() {
	s.requestMetrics.Unregister()
}

// GetPort returns the TCP port the server listens on, 0 before Start.
func (s *HTTPServer) GetPort() int {
	return int(atomic.LoadInt32(&s.port))
}
