/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives durations of outgoing requests.
type MetricsCollector interface {
	RequestDuration(clientType, remoteAddress, summary, status string, startTime time.Time)
}

// PrometheusMetricsCollector exposes http_client_request_duration_seconds.
type PrometheusMetricsCollector struct {
	Durations *prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates a new PrometheusMetricsCollector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_client_request_duration_seconds",
			Help:      "A histogram of the http client requests durations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"client_type", "remote_address", "summary", "status"}),
	}
}

// MustRegister registers the histogram in the default registry.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(p.Durations)
}

// Unregister removes the histogram from the default registry.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.Durations)
}

// RequestDuration observes the time elapsed since start.
func (p *PrometheusMetricsCollector) RequestDuration(clientType, host, summary, status string, start time.Time) {
	p.Durations.WithLabelValues(clientType, host, summary, status).Observe(time.Since(start).Seconds())
}

// MetricsRoundTripper reports every outgoing request to a MetricsCollector.
// Status is "0" when no response was received.
type MetricsRoundTripper struct {
	Delegate   http.RoundTripper
	ClientType string
	Collector  MetricsCollector
}

// NewMetricsRoundTripper creates a new MetricsRoundTripper.
func NewMetricsRoundTripper(delegate http.RoundTripper, clientType string, collector MetricsCollector) *MetricsRoundTripper {
	if clientType == "" {
		clientType = DefaultClientType
	}
	return &MetricsRoundTripper{Delegate: delegate, ClientType: clientType, Collector: collector}
}

// RoundTrip executes a single HTTP transaction, returning a Response for the provided Request.
func (rt *MetricsRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Collector == nil {
		return rt.Delegate.RoundTrip(r)
	}
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	status := "0"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	rt.Collector.RequestDuration(rt.ClientType, r.URL.Host, requestSummary(r), status, start)
	return resp, err
}

func requestSummary(r *http.Request) string {
	if reqType := GetRequestTypeFromContext(r.Context()); reqType != "" {
		return r.Method + " " + reqType
	}
	return r.Method
}
