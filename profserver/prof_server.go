/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package profserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver/middleware"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
	"github.com/LeadFabric-nv/federale-file-upload/service"
)

// QueueStatsResponse is the body of GET /debug/queue.
type QueueStatsResponse struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Opts represents options for ProfServer.
type Opts struct {
	// QueueStats enables GET /debug/queue.
	QueueStats func() admission.Stats
}

// ProfServer serves pprof and the state of the upload queue.
// It implements service.Unit interface.
type ProfServer struct {
	URL            string
	HTTPServer     *http.Server
	httpServerDone chan struct{}
	Logger         log.FieldLogger
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new debug server.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *ProfServer {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, middleware.LoggingOpts{RequestStart: true}),
	)
	if opts.QueueStats != nil {
		router.Get("/debug/queue", func(rw http.ResponseWriter, r *http.Request) {
			stats := opts.QueueStats()
			restapi.RespondJSON(rw, QueueStatsResponse{
				Limit: stats.Limit, Running: stats.Running, Pending: stats.Pending,
			}, middleware.GetLoggerFromContext(r.Context()))
		})
	}
	router.Mount("/debug", chimiddleware.Profiler())

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: time.Second * 5,
	}

	return &ProfServer{
		URL:            "http://" + httpServer.Addr,
		HTTPServer:     httpServer,
		httpServerDone: make(chan struct{}),
		Logger:         logger,
	}
}

// Start starts the debug server in a blocking way.
// A fatal error is sent into fatalError.
func (s *ProfServer) Start(fatalError chan<- error) {
	defer close(s.httpServerDone)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))

	logger.Info("starting debug HTTP server...")
	if err := s.HTTPServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("debug HTTP server closed")
			return
		}
		logger.Error("debug HTTP server error", log.Error(err))
		fatalError <- err
	}
}

// Stop closes the debug server, never gracefully.
func (s *ProfServer) Stop(bool) error {
	s.Logger.Info("closing debug HTTP server...")
	if err := s.HTTPServer.Close(); err != nil {
		s.Logger.Error("debug HTTP server closing error", log.Error(err))
		return err
	}
	<-s.httpServerDone
	return nil
}
