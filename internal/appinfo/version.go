/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package appinfo describes the running relay build.
package appinfo

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Name is the application name used in the User-Agent header and in logs.
const Name = "federale-relay"

// PrometheusVersionLabel is a const label added to the relay metrics.
const PrometheusVersionLabel = "federale_relay_version"

const develVersion = "v0.0.0"

var version string
var versionOnce sync.Once

// Version returns the version of the main module, "v0.0.0" for local builds.
func Version() string {
	versionOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		version = extractVersion(info)
	})
	return version
}

// UserAgent returns the User-Agent of the requests sent by the relay.
func UserAgent() string {
	return Name + "/" + Version()
}

// AddPrometheusVersionLabel returns a copy of labels with the version label.
func AddPrometheusVersionLabel(labels prometheus.Labels) prometheus.Labels {
	labelsCopy := make(prometheus.Labels, len(labels)+1)
	for k, v := range labels {
		labelsCopy[k] = v
	}
	labelsCopy[PrometheusVersionLabel] = Version()
	return labelsCopy
}

func extractVersion(info *debug.BuildInfo) string {
	if info == nil || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return develVersion
	}
	return info.Main.Version
}
