/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Command federale-relay accepts file uploads from the Federale website form and
// forwards them to Marketo.
package main

import (
	"context"
	"flag"
	"fmt"
	golog "log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slok/goresilience/metrics"

	"github.com/LeadFabric-nv/federale-file-upload/admission"
	"github.com/LeadFabric-nv/federale-file-upload/config"
	"github.com/LeadFabric-nv/federale-file-upload/httpclient"
	"github.com/LeadFabric-nv/federale-file-upload/httpserver"
	"github.com/LeadFabric-nv/federale-file-upload/internal/appinfo"
	"github.com/LeadFabric-nv/federale-file-upload/log"
	"github.com/LeadFabric-nv/federale-file-upload/lrucache"
	"github.com/LeadFabric-nv/federale-file-upload/marketo"
	"github.com/LeadFabric-nv/federale-file-upload/profserver"
	"github.com/LeadFabric-nv/federale-file-upload/relay"
	"github.com/LeadFabric-nv/federale-file-upload/restapi"
	"github.com/LeadFabric-nv/federale-file-upload/service"
)

const (
	errorDomain      = "FederaleUpload"
	metricsNamespace = "federale_relay"
)

func main() {
	cfgPath := flag.String("config", "", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to the dotenv file")
	flag.Parse()

	if err := runApp(*cfgPath, *envFile); err != nil {
		golog.Fatal(err)
	}
}

func runApp(cfgPath, envFile string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := loadAppConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()
	logger = logger.With(log.String("app", appinfo.Name), log.String("version", appinfo.Version()))
	logger.Info("configuration loaded",
		log.String("environment", cfg.Environment), log.String("address", cfg.Server.Address))

	constLabels := appinfo.AddPrometheusVersionLabel(nil)
	appMetrics := &collectors{}

	client, err := makeMarketoClient(cfg.Marketo, logger, constLabels, appMetrics)
	if err != nil {
		return err
	}

	queueMetrics := admission.NewPrometheusMetricsWithOpts(admission.PrometheusMetricsOpts{
		Namespace:   metricsNamespace,
		ConstLabels: constLabels,
	})
	appMetrics.add(queueMetrics)
	queue, err := admission.New(cfg.Relay.Concurrency, admission.Opts{
		MaxPending:       cfg.Relay.MaxPending,
		TaskTimeout:      cfg.Relay.TaskTimeout,
		MetricsCollector: queueMetrics,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("create upload queue: %w", err)
	}

	svc := relay.NewService(client, client, relay.NewValidator(cfg.Relay), logger)
	handler, err := relay.NewHandler(cfg.Relay, svc, queue, relay.HandlerOpts{
		ErrorDomain:      errorDomain,
		Logger:           logger,
		DisableTestToken: !cfg.TestTokenEnabled,
	})
	if err != nil {
		return err
	}

	httpServer, err := httpserver.New(cfg.Server, logger, httpserver.Opts{
		ErrorDomain:             errorDomain,
		Routes:                  handler.Routes,
		HTTPRequestMetrics:      httpserver.HTTPRequestMetricsOpts{Namespace: metricsNamespace, ConstLabels: constLabels},
		SkipSecurityMiddlewares: cfg.IsDevelopment(),
	})
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}
	restapi.MustInitAndRegisterMetrics(metricsNamespace, constLabels)
	defer restapi.UnregisterMetrics()

	// The HTTP server is stopped first, then running uploads are drained.
	units := []service.Unit{
		service.NewDrainUnit(queue.Shutdown, cfg.Relay.ShutdownTimeout, appMetrics),
		httpServer,
	}
	if cfg.TokenRefreshEnabled {
		refresher := service.NewPeriodicWorker(service.WorkerFunc(func(ctx context.Context) error {
			_, tokenErr := client.Token(ctx)
			return tokenErr
		}), cfg.TokenRefreshInterval, logger.With(log.String("worker", "marketo_token_refresh")))
		units = append(units, service.NewWorkerUnit(refresher))
	}
	if cfg.ProfServer.Enabled {
		units = append(units, profserver.New(cfg.ProfServer, logger, profserver.Opts{QueueStats: queue.Stats}))
	}

	return service.New(logger, service.NewCompositeUnit(units...)).Start()
}

func makeMarketoClient(
	cfg *marketo.Config, logger log.FieldLogger, constLabels prometheus.Labels, appMetrics *collectors,
) (*marketo.Client, error) {
	httpMetrics := httpclient.NewPrometheusMetricsCollector(metricsNamespace)
	appMetrics.add(httpMetrics)
	tokenCacheMetrics := lrucache.NewPrometheusMetricsWithOpts(lrucache.PrometheusMetricsOpts{
		Namespace:   metricsNamespace,
		ConstLabels: appinfo.AddPrometheusVersionLabel(prometheus.Labels{"cache": "marketo_token"}),
	})
	appMetrics.add(tokenCacheMetrics)

	client, err := marketo.New(cfg, marketo.Opts{
		Logger:             logger,
		UserAgent:          appinfo.UserAgent(),
		HTTPMetrics:        httpMetrics,
		TokenCacheMetrics:  tokenCacheMetrics,
		ResilienceRecorder: metrics.NewPrometheusRecorder(prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)),
	})
	if err != nil {
		return nil, fmt.Errorf("create marketo client: %w", err)
	}
	return client, nil
}

type registrable interface {
	MustRegister()
	Unregister()
}

// collectors registers the metrics of components that are not units themselves.
type collectors struct {
	items []registrable
}

func (c *collectors) add(r registrable) {
	c.items = append(c.items, r)
}

func (c *collectors) MustRegisterMetrics() {
	for _, r := range c.items {
		r.MustRegister()
	}
}

func (c *collectors) UnregisterMetrics() {
	for _, r := range c.items {
		r.Unregister()
	}
}
