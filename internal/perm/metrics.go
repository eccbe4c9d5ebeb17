// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package perm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "permbase_resolution_duration_seconds",
		Help:    "Time to resolve a principal's effective permission set",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
	})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permbase_decisions_total",
		Help: "Permission point-query decisions by outcome",
	}, []string{"outcome"})

	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permbase_malformed_permissions_total",
		Help: "Permission strings skipped during resolution because they failed to parse",
	})
)
