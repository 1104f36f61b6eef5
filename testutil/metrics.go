/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// RequireSamplesCountInHistogram asserts that passed histogram (or a histogram vector child) contains
// the specified number of samples.
func RequireSamplesCountInHistogram(t require.TestingT, hist prometheus.Collector, wantSamplesCount int) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(hist))
	gotMetrics, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, gotMetrics, 1)
	var total uint64
	for _, m := range gotMetrics[0].GetMetric() {
		total += m.GetHistogram().GetSampleCount()
	}
	require.Equal(t, uint64(wantSamplesCount), total)
}
