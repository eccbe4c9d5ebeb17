// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permbase Contributors

package data

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permbase_cache_hits_total",
		Help: "Cache hits by entity kind",
	}, []string{"kind"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permbase_cache_misses_total",
		Help: "Cache misses by entity kind",
	}, []string{"kind"})
)
