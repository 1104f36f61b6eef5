/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsSubsystem                = "restapi"
	metricsLabelResponseErrorDomain = "domain"
	metricsLabelResponseErrorCode   = "code"
)

// metricsResponseErrors counts error responses by domain and code, e.g. rejected uploads
// ("FederaleUpload", "invalidFileType") or a full upload queue ("serviceUnavailable").
// It stays nil until MustInitAndRegisterMetrics is called.
var metricsResponseErrors *prometheus.CounterVec

// MustInitAndRegisterMetrics creates the error responses counter and registers it in the default registry.
func MustInitAndRegisterMetrics(namespace string, constLabels prometheus.Labels) {
	metricsResponseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   metricsSubsystem,
		Name:        "response_errors_total",
		Help:        "Number of error responses by error domain and code.",
		ConstLabels: constLabels,
	}, []string{metricsLabelResponseErrorDomain, metricsLabelResponseErrorCode})
	prometheus.MustRegister(metricsResponseErrors)
}

// UnregisterMetrics removes the error responses counter from the default registry.
func UnregisterMetrics() {
	if metricsResponseErrors != nil {
		prometheus.Unregister(metricsResponseErrors)
		metricsResponseErrors = nil
	}
}
